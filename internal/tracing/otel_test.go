// Copyright 2025 the Switchboard authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

// One test covers the whole provider lifecycle: the prometheus exporter
// registers with the process-global default registry, so constructing a
// second provider in the same test binary would collide.
func TestProviderLifecycle(t *testing.T) {
	p, err := NewProvider("switchboard-test", "0.0.1")
	require.NoError(t, err)

	// Spans from the global tracer flow through this provider.
	_, span := otel.Tracer("test").Start(context.Background(), "test.op")
	span.End()

	// Instruments from the global meter flow through the prometheus
	// reader and show up on the metrics endpoint.
	counter, err := otel.Meter("test").Int64Counter("switchboard_test_events")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	require.NoError(t, p.ForceFlush(context.Background()))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	p.MetricsHandler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	require.NotEmpty(t, rec.Body.String())
	require.Contains(t, rec.Body.String(), "switchboard_test_events")

	require.NoError(t, p.Shutdown(context.Background()))
}

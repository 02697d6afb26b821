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

package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// reconcileRuns tracks completed reconcile passes by outcome
	reconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_reconcile_runs_total",
			Help: "Total reconcile passes by outcome (ok, partial)",
		},
		[]string{"outcome"},
	)

	// reconcileDuration tracks how long a reconcile pass takes
	reconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "switchboard_reconcile_duration_seconds",
			Help:    "Duration of reconcile passes",
			Buckets: prometheus.DefBuckets,
		},
	)

	// connectFailures tracks failed connection attempts by server
	connectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_connect_failures_total",
			Help: "Total failed connection attempts by server",
		},
		[]string{"server"},
	)

	// readyConnections tracks the number of servers in the ready state
	readyConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchboard_ready_connections",
			Help: "Number of downstream servers currently connected and ready",
		},
	)

	// indexedActions tracks the total number of searchable actions
	indexedActions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchboard_indexed_actions",
			Help: "Total number of actions currently in the search index",
		},
	)
)

// recordReconcile records one completed reconcile pass.
func recordReconcile(start time.Time, partial bool) {
	outcome := "ok"
	if partial {
		outcome = "partial"
	}
	reconcileRuns.WithLabelValues(outcome).Inc()
	reconcileDuration.Observe(time.Since(start).Seconds())
}

// recordConnectFailure increments the failure counter for a server.
func recordConnectFailure(server string) {
	connectFailures.WithLabelValues(server).Inc()
}

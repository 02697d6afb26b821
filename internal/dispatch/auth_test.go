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

package dispatch

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/switchboard-mcp/switchboard/internal/config"
)

func TestHandleAuthFailure_GetAuthURL(t *testing.T) {
	d, r, _ := newTestDispatcher(t)
	r.addTracked("linear", &config.ServerSpec{
		Name:      "linear",
		Transport: config.TransportStreamableHTTP,
		URL:       "https://mcp.linear.example/mcp",
		Auth: &config.AuthConfig{
			Mode:         config.AuthOAuth,
			ClientID:     "switchboard-client",
			AuthorizeURL: "https://auth.linear.example/authorize",
			TokenURL:     "https://auth.linear.example/token",
			RedirectURL:  "http://localhost:8765/callback",
			Scopes:       []string{"read", "write"},
		},
	})

	outcome, err := d.HandleAuthFailure(context.Background(), "linear", AuthIntentGetURL, "")
	require.NoError(t, err)
	require.Equal(t, "linear", outcome.Server)
	require.NotEmpty(t, outcome.Message)

	parsed, err := url.Parse(outcome.AuthURL)
	require.NoError(t, err)
	require.Equal(t, "auth.linear.example", parsed.Host)
	require.Equal(t, "/authorize", parsed.Path)

	q := parsed.Query()
	require.Equal(t, "switchboard-client", q.Get("client_id"))
	require.Equal(t, "http://localhost:8765/callback", q.Get("redirect_uri"))
	require.Equal(t, "read write", q.Get("scope"))
	require.Equal(t, "code", q.Get("response_type"))
	require.NotEmpty(t, q.Get("state"))
}

func TestHandleAuthFailure_GetAuthURLWithoutOAuthConfig(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	// gitea is a plain stdio server with no auth block.
	_, err := d.HandleAuthFailure(context.Background(), "gitea", AuthIntentGetURL, "")
	re, ok := AsRouterError(err)
	require.True(t, ok)
	require.Equal(t, ErrorCodeAuth, re.Code)
	require.Equal(t, "gitea", re.Server)
}

func TestHandleAuthFailure_SaveAuthData(t *testing.T) {
	d, _, keys := newTestDispatcher(t)

	outcome, err := d.HandleAuthFailure(context.Background(), "gitea", AuthIntentSaveData, "tok-secret")
	require.NoError(t, err)
	require.True(t, outcome.Saved)

	stored, err := keys.Get("gitea")
	require.NoError(t, err)
	require.Equal(t, "tok-secret", stored)
}

func TestHandleAuthFailure_SaveAuthDataRequiresData(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.HandleAuthFailure(context.Background(), "gitea", AuthIntentSaveData, "")
	re, ok := AsRouterError(err)
	require.True(t, ok)
	require.Equal(t, ErrorCodeValidation, re.Code)
}

func TestHandleAuthFailure_UnknownIntentionAndServer(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.HandleAuthFailure(context.Background(), "gitea", "refreshToken", "")
	re, ok := AsRouterError(err)
	require.True(t, ok)
	require.Equal(t, ErrorCodeValidation, re.Code)

	_, err = d.HandleAuthFailure(context.Background(), "ghost", AuthIntentGetURL, "")
	re, ok = AsRouterError(err)
	require.True(t, ok)
	require.Equal(t, ErrorCodeNotFound, re.Code)
}

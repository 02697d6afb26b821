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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-mcp/switchboard/internal/config"
	"github.com/switchboard-mcp/switchboard/internal/dispatch"
	"github.com/switchboard-mcp/switchboard/internal/index"
	"github.com/switchboard-mcp/switchboard/internal/transport"
)

// fixedRouter is a minimal dispatch.Router over a static action table.
type fixedRouter struct {
	actions map[string][]transport.ActionSpec
}

func (r *fixedRouter) GetConnection(name string) (transport.Transport, error) {
	if _, ok := r.actions[name]; !ok {
		return nil, fmt.Errorf("server %s is not connected", name)
	}
	return &echoTransport{}, nil
}

func (r *fixedRouter) ListConnected() []string {
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *fixedRouter) Actions(name string) ([]transport.ActionSpec, error) {
	actions, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("server %s is not connected", name)
	}
	return actions, nil
}

func (r *fixedRouter) Spec(name string) (*config.ServerSpec, error) {
	if _, ok := r.actions[name]; !ok {
		return nil, fmt.Errorf("server not found: %s", name)
	}
	return &config.ServerSpec{Name: name, Transport: config.TransportStdio, Command: "echo"}, nil
}

func (r *fixedRouter) MarkFailed(name string, cause error) {}

type echoTransport struct{}

func (echoTransport) Kind() config.TransportKind    { return config.TransportStdio }
func (echoTransport) Connect(context.Context) error { return nil }
func (echoTransport) Close() error                  { return nil }

func (echoTransport) ListActions(context.Context) ([]transport.ActionSpec, error) {
	return nil, nil
}

func (echoTransport) Invoke(ctx context.Context, action string, args map[string]any) (*transport.Result, error) {
	return &transport.Result{Content: []transport.ContentItem{{Type: "text", Text: "done: " + action}}}, nil
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	r := &fixedRouter{actions: map[string][]transport.ActionSpec{
		"gitea": {
			{Server: "gitea", Name: "createIssue", Description: "Create an issue"},
			{Server: "gitea", Name: "listIssues", Description: "List open issues"},
		},
	}}
	ix := index.New(index.Config{})
	for name, actions := range r.actions {
		ix.Rebuild(name, actions)
	}

	cfg.Dispatcher = dispatch.New(dispatch.Config{Router: r, Index: ix})
	s, err := NewServer(cfg)
	require.NoError(t, err)
	return s
}

func callRequest(tool string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestNewServer_RequiresDispatcher(t *testing.T) {
	_, err := NewServer(Config{})
	require.Error(t, err)
}

func TestHandleDiscoverActions(t *testing.T) {
	s := newTestServer(t, Config{})

	result, err := s.handleDiscoverActions(context.Background(), callRequest("discover_actions", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var parsed map[string]struct {
		ActionCount int      `json:"actionCount"`
		ActionNames []string `json:"actionNames"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &parsed))
	require.Equal(t, 2, parsed["gitea"].ActionCount)
	require.Equal(t, []string{"createIssue", "listIssues"}, parsed["gitea"].ActionNames)
}

func TestHandleGetActionDetails(t *testing.T) {
	s := newTestServer(t, Config{})

	result, err := s.handleGetActionDetails(context.Background(), callRequest("get_action_details", map[string]any{
		"serverName": "gitea",
		"actionName": "createIssue",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, resultText(t, result), "Create an issue")

	// Missing arguments are a tool error, not a Go error.
	result, err = s.handleGetActionDetails(context.Background(), callRequest("get_action_details", nil))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestHandleExecuteAction(t *testing.T) {
	s := newTestServer(t, Config{})

	result, err := s.handleExecuteAction(context.Background(), callRequest("execute_action", map[string]any{
		"serverName": "gitea",
		"actionName": "createIssue",
		"bodyParams": map[string]any{"title": "hello"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, resultText(t, result), "done: createIssue")
}

func TestHandleExecuteAction_UnknownServerIsCodedError(t *testing.T) {
	s := newTestServer(t, Config{})

	result, err := s.handleExecuteAction(context.Background(), callRequest("execute_action", map[string]any{
		"serverName": "ghost",
		"actionName": "op",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Contains(t, resultText(t, result), "NOT_FOUND")
}

func TestHandleSearchDocumentation(t *testing.T) {
	s := newTestServer(t, Config{})

	result, err := s.handleSearchDocumentation(context.Background(), callRequest("search_documentation", map[string]any{
		"query":      "create issue",
		"serverName": "gitea",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var hits []index.Hit
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &hits))
	require.NotEmpty(t, hits)
	require.Equal(t, "createIssue", hits[0].Action)
}

func TestHandleAuthFailure_Validation(t *testing.T) {
	s := newTestServer(t, Config{})

	result, err := s.handleAuthFailure(context.Background(), callRequest("handle_auth_failure", map[string]any{
		"serverName": "gitea",
		"intention":  "teleport",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Contains(t, resultText(t, result), "VALIDATION")
}

func TestRateLimiting(t *testing.T) {
	s := newTestServer(t, Config{CallsPerMinute: 2, ExecutesPerMinute: 1})

	// The burst allows the configured number of calls, then denies.
	for i := 0; i < 2; i++ {
		result, err := s.handleDiscoverActions(context.Background(), callRequest("discover_actions", nil))
		require.NoError(t, err)
		require.False(t, result.IsError, "call %d should be allowed", i)
	}

	result, err := s.handleDiscoverActions(context.Background(), callRequest("discover_actions", nil))
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.True(t, strings.Contains(resultText(t, result), "RATE_LIMITED"))
}

func TestRateLimiter_ExecuteStricterThanCalls(t *testing.T) {
	rl := NewRateLimiter(1, 100)

	require.True(t, rl.AllowExecute())
	require.False(t, rl.AllowExecute(), "second execute within the window is denied")
	require.True(t, rl.AllowCall(), "general calls still pass")
}

func TestRunHTTP_StopsOnContextCancel(t *testing.T) {
	s := newTestServer(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.RunHTTP(ctx, "127.0.0.1:0")
	}()

	// Give the listener a moment to come up before asking it to stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunHTTP did not stop after context cancellation")
	}
}

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

// Package dispatch is the operation surface callers talk to: discovery,
// action details, execution, documentation search, and auth repair.
//
// Every operation takes and returns plain structured data, so the same
// façade can sit behind any wire protocol. Errors are coded RouterErrors
// carrying server/action attribution. Failures local to one server in a
// multi-server request are reported per server next to the successes;
// only a malformed request fails as a whole.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/switchboard-mcp/switchboard/internal/config"
	"github.com/switchboard-mcp/switchboard/internal/index"
	"github.com/switchboard-mcp/switchboard/internal/transport"
)

// DefaultSearchLimit caps searchDocumentation results unless the caller
// asks for a different limit.
const DefaultSearchLimit = 10

// Router is the connection-table surface dispatch depends on.
// *router.Reconciler implements it; tests substitute fakes.
type Router interface {
	// GetConnection returns the live transport for a ready server.
	GetConnection(name string) (transport.Transport, error)

	// ListConnected returns the names of all ready servers, sorted.
	ListConnected() []string

	// Actions returns a ready server's advertised action list.
	Actions(name string) ([]transport.ActionSpec, error)

	// Spec returns the registry entry for any tracked server.
	Spec(name string) (*config.ServerSpec, error)

	// MarkFailed takes a server out of rotation after a failed invoke.
	MarkFailed(name string, cause error)
}

// Config configures a Dispatcher.
type Config struct {
	// Router is the connection table (required)
	Router Router

	// Index is the shared action search index (required)
	Index *index.Index

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// Keystore stores and resolves per-server credentials
	// (defaults to the OS keychain)
	Keystore Keystore
}

// Dispatcher implements the five routing operations.
type Dispatcher struct {
	router       Router
	index        *index.Index
	logger       *slog.Logger
	keystore     Keystore
	tracer       trace.Tracer
	execDuration metric.Float64Histogram
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keystore := cfg.Keystore
	if keystore == nil {
		keystore = KeychainStore{}
	}

	execDuration, err := otel.Meter("switchboard/dispatch").Float64Histogram(
		"switchboard.execute.duration",
		metric.WithDescription("Duration of executeAction invocations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		otel.Handle(err)
	}

	return &Dispatcher{
		router:       cfg.Router,
		index:        cfg.Index,
		logger:       logger,
		keystore:     keystore,
		tracer:       otel.Tracer("switchboard/dispatch"),
		execDuration: execDuration,
	}
}

// ServerDiscovery is one server's entry in a DiscoverActions result.
// Exactly one of the action fields or Error is meaningful.
type ServerDiscovery struct {
	// ActionCount is the number of actions listed.
	ActionCount int `json:"actionCount"`
	// ActionNames lists the actions, ranked when a query was given,
	// sorted otherwise.
	ActionNames []string `json:"actionNames"`
	// Error is set when this server could not be served.
	Error *RouterError `json:"error,omitempty"`
}

// DiscoverActions reports, per server, which actions are available.
//
// serverNames may be empty (all connected servers), literal names, or
// doublestar glob patterns expanded against the connected set. A literal
// that matches no tracked server produces a per-server error entry; a
// glob that matches nothing simply contributes nothing. A non-empty
// query narrows each server's list to the index's ranked results for
// that server.
func (d *Dispatcher) DiscoverActions(ctx context.Context, query string, serverNames []string) (map[string]*ServerDiscovery, error) {
	selected, result := d.expandServers(serverNames)

	var ranked map[string][]string
	if query != "" {
		ranked = d.rankedByServer(query, selected)
	}

	for _, server := range selected {
		if query != "" {
			names := ranked[server]
			result[server] = &ServerDiscovery{ActionCount: len(names), ActionNames: names}
			continue
		}

		actions, err := d.router.Actions(server)
		if err != nil {
			result[server] = &ServerDiscovery{Error: ErrServerUnavailable(server, err)}
			continue
		}
		names := make([]string, len(actions))
		for i, action := range actions {
			names[i] = action.Name
		}
		sort.Strings(names)
		result[server] = &ServerDiscovery{ActionCount: len(names), ActionNames: names}
	}

	return result, nil
}

// expandServers resolves the requested names against the connected set.
// It returns the selected server names plus a result map pre-populated
// with error entries for unmatched literals.
func (d *Dispatcher) expandServers(patterns []string) ([]string, map[string]*ServerDiscovery) {
	connected := d.router.ListConnected()
	result := make(map[string]*ServerDiscovery)

	if len(patterns) == 0 {
		return connected, result
	}

	seen := make(map[string]bool)
	var selected []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			selected = append(selected, name)
		}
	}

	for _, pattern := range patterns {
		if strings.ContainsAny(pattern, "*?[{") {
			for _, name := range connected {
				if ok, err := doublestar.Match(pattern, name); err == nil && ok {
					add(name)
				}
			}
			continue
		}

		if containsString(connected, pattern) {
			add(pattern)
			continue
		}
		// A known-but-not-ready server is worth distinguishing from a
		// name that was never in the registry.
		if _, err := d.router.Spec(pattern); err == nil {
			result[pattern] = &ServerDiscovery{Error: ErrServerUnavailable(pattern, nil)}
		} else {
			result[pattern] = &ServerDiscovery{Error: ErrServerNotFound(pattern)}
		}
	}

	sort.Strings(selected)
	return selected, result
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// rankedByServer runs one scoped search and groups the hits by server,
// preserving rank order within each server.
func (d *Dispatcher) rankedByServer(query string, servers []string) map[string][]string {
	if len(servers) == 0 {
		return nil
	}
	hits := d.index.Search(query, servers, d.index.DocumentCount())

	ranked := make(map[string][]string, len(servers))
	for _, hit := range hits {
		ranked[hit.Server] = append(ranked[hit.Server], hit.Action)
	}
	return ranked
}

// ActionDetails describes one action for a caller about to execute it.
type ActionDetails struct {
	// Server is the owning server's name.
	Server string `json:"server"`
	// Action is the action name.
	Action string `json:"action"`
	// Description is the action's description text.
	Description string `json:"description"`
	// ParameterSchema is the action's input schema as raw JSON Schema.
	ParameterSchema map[string]any `json:"parameterSchema,omitempty"`
}

// GetActionDetails returns the description and parameter schema of one action.
func (d *Dispatcher) GetActionDetails(ctx context.Context, server, action string) (*ActionDetails, error) {
	if server == "" || action == "" {
		return nil, ErrValidation("server and action names are required")
	}

	if _, err := d.router.Spec(server); err != nil {
		return nil, ErrServerNotFound(server)
	}
	actions, err := d.router.Actions(server)
	if err != nil {
		return nil, ErrServerUnavailable(server, err)
	}

	for _, spec := range actions {
		if spec.Name != action {
			continue
		}
		details := &ActionDetails{
			Server:      server,
			Action:      action,
			Description: spec.Description,
		}
		if len(spec.InputSchema) > 0 {
			details.ParameterSchema = decodeSchema(spec.InputSchema)
		}
		return details, nil
	}

	return nil, ErrActionNotFound(server, action)
}

// decodeSchema turns a raw schema into a generic map for the caller.
// A schema that does not decode is passed along as its raw text.
func decodeSchema(raw []byte) map[string]any {
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return schema
}

// ExecuteAction forwards exactly one invocation to the named server.
//
// The three parameter groups merge into a single argument map with
// precedence body < query < path. Transport, remote, and timeout
// failures are surfaced verbatim with server/action attribution; nothing
// is retried. A timeout additionally takes the server out of rotation
// until the next reconcile.
func (d *Dispatcher) ExecuteAction(ctx context.Context, server, action string, pathParams, queryParams, bodyParams map[string]any) (*transport.Result, error) {
	if server == "" || action == "" {
		return nil, ErrValidation("server and action names are required")
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("switchboard.server", server),
			attribute.String("switchboard.action", action),
		),
	)
	defer span.End()

	conn, err := d.router.GetConnection(server)
	if err != nil {
		var routerErr *RouterError
		if _, specErr := d.router.Spec(server); specErr != nil {
			routerErr = ErrServerNotFound(server)
		} else {
			routerErr = ErrServerUnavailable(server, err)
		}
		span.SetStatus(codes.Error, routerErr.Message)
		return nil, routerErr
	}

	if actions, err := d.router.Actions(server); err == nil && !advertises(actions, action) {
		notFound := ErrActionNotFound(server, action)
		span.SetStatus(codes.Error, notFound.Message)
		return nil, notFound
	}

	args := mergeParams(bodyParams, queryParams, pathParams)

	start := time.Now()
	result, err := conn.Invoke(ctx, action, args)
	elapsed := time.Since(start)

	if d.execDuration != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		d.execDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("switchboard.server", server),
			attribute.String("switchboard.outcome", outcome),
		))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if invokeErr, ok := transport.AsInvokeError(err); ok {
			if invokeErr.Class == transport.ErrorClassTimeout {
				d.router.MarkFailed(server, invokeErr)
			}
			d.logger.Warn("action invocation failed",
				"server", server,
				"action", action,
				"class", string(invokeErr.Class),
				"duration_ms", elapsed.Milliseconds(),
			)
			return nil, fromInvokeError(invokeErr)
		}
		return nil, &RouterError{
			Code:    ErrorCodeTransport,
			Server:  server,
			Action:  action,
			Message: err.Error(),
			Cause:   err,
		}
	}

	d.logger.Info("action invoked",
		"server", server,
		"action", action,
		"duration_ms", elapsed.Milliseconds(),
	)
	return result, nil
}

// advertises reports whether the action list contains the named action.
func advertises(actions []transport.ActionSpec, name string) bool {
	for _, spec := range actions {
		if spec.Name == name {
			return true
		}
	}
	return false
}

// mergeParams flattens the parameter groups, later groups overriding
// earlier ones on key collisions.
func mergeParams(groups ...map[string]any) map[string]any {
	merged := make(map[string]any)
	for _, group := range groups {
		for k, v := range group {
			merged[k] = v
		}
	}
	return merged
}

// SearchDocumentation is a ranked index search scoped to one server, or
// to all connected servers when server is empty.
func (d *Dispatcher) SearchDocumentation(ctx context.Context, query, server string, maxResults int) ([]index.Hit, error) {
	if maxResults <= 0 {
		maxResults = DefaultSearchLimit
	}

	var scope []string
	if server != "" {
		if _, err := d.router.Spec(server); err != nil {
			return nil, ErrServerNotFound(server)
		}
		scope = []string{server}
	}

	return d.index.Search(query, scope, maxResults), nil
}

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

// Package router keeps the set of live downstream connections in step
// with the server registry.
//
// The Reconciler diffs each registry snapshot against the connection
// table and performs the minimal set of connects and disconnects: new or
// changed servers are (re)connected, removed or disabled servers are
// disconnected, unchanged servers are left alone. One server's failure
// never blocks work on the others. Reconcile passes are serialized; a
// snapshot arriving mid-pass coalesces into exactly one follow-up pass
// against the latest value.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/switchboard-mcp/switchboard/internal/config"
	"github.com/switchboard-mcp/switchboard/internal/index"
	"github.com/switchboard-mcp/switchboard/internal/transport"
)

// ConnectionState represents the lifecycle state of a downstream connection.
type ConnectionState string

const (
	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting ConnectionState = "connecting"
	// StateReady indicates the server is connected and routable.
	StateReady ConnectionState = "ready"
	// StateFailed indicates the last connect or invoke on this server failed.
	StateFailed ConnectionState = "failed"
	// StateClosed indicates the connection was deliberately torn down.
	StateClosed ConnectionState = "closed"
)

// defaultConnectTimeout bounds a single connect-and-list attempt.
const defaultConnectTimeout = 10 * time.Second

// Factory builds a transport for a server spec. Tests substitute fakes here.
type Factory func(spec *config.ServerSpec) (transport.Transport, error)

// connection tracks the runtime state of one downstream server.
type connection struct {
	// spec is the registry entry this connection was built from
	spec *config.ServerSpec

	// transport is the live handle, nil unless state is ready
	transport transport.Transport

	// state is the current lifecycle state
	state ConnectionState

	// connectedAt is when the connection last became ready
	connectedAt time.Time

	// lastError is the most recent failure message
	lastError string

	// failureCount counts consecutive failed connect attempts
	failureCount int

	// actions is the action list the server advertised at connect time
	actions []transport.ActionSpec
}

// Config configures a Reconciler.
type Config struct {
	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// Index receives each server's actions on connect and is cleared
	// on disconnect
	Index *index.Index

	// Factory builds transports; defaults to transport.New
	Factory Factory

	// ClientVersion is reported to downstream servers in the handshake
	ClientVersion string

	// Credentials resolves keychain-mode tokens at connect time (optional)
	Credentials transport.CredentialSource

	// ConnectTimeout bounds one connect-and-list attempt (defaults to 10s)
	ConnectTimeout time.Duration
}

// Reconciler owns the connection table and applies registry snapshots to it.
type Reconciler struct {
	// factory builds transports for server specs
	factory Factory

	// index is the shared action search index
	index *index.Index

	// logger is used for structured logging
	logger *slog.Logger

	// connectTimeout bounds one connect-and-list attempt
	connectTimeout time.Duration

	// tracer records reconcile spans
	tracer trace.Tracer

	// conns maps server name to its connection record
	conns map[string]*connection

	// mu protects conns and the fields of every record in it
	mu sync.RWMutex

	// reconcileMu serializes reconcile passes end to end
	reconcileMu sync.Mutex
}

// New creates a Reconciler with an empty connection table.
func New(cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ix := cfg.Index
	if ix == nil {
		ix = index.New(index.Config{})
	}

	factory := cfg.Factory
	if factory == nil {
		opts := transport.Options{
			ClientVersion: cfg.ClientVersion,
			Credentials:   cfg.Credentials,
		}
		factory = func(spec *config.ServerSpec) (transport.Transport, error) {
			return transport.New(spec, opts)
		}
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	return &Reconciler{
		factory:        factory,
		index:          ix,
		logger:         logger,
		connectTimeout: timeout,
		tracer:         otel.Tracer("switchboard/router"),
		conns:          make(map[string]*connection),
	}
}

// Index returns the action index the reconciler maintains.
func (r *Reconciler) Index() *index.Index {
	return r.index
}

// Initialize applies the first snapshot and reports per-server success.
// Servers that fail to connect are reported false and retried on the
// next reconcile; they never abort startup.
func (r *Reconciler) Initialize(ctx context.Context, snap *config.Snapshot) map[string]bool {
	results, _ := r.apply(ctx, snap)
	return results
}

// Reconcile applies a snapshot to the connection table. The returned
// error joins the individual per-server failures; the table is always
// left reflecting every server that did succeed.
func (r *Reconciler) Reconcile(ctx context.Context, snap *config.Snapshot) error {
	_, err := r.apply(ctx, snap)
	return err
}

// Run consumes snapshots until the channel closes or the context ends.
// Bursts are coalesced: only the newest pending snapshot is applied.
func (r *Reconciler) Run(ctx context.Context, snapshots <-chan *config.Snapshot) {
	for {
		var snap *config.Snapshot
		select {
		case <-ctx.Done():
			return
		case next, ok := <-snapshots:
			if !ok {
				return
			}
			snap = next
		}

		// Drain anything that queued up behind this snapshot; only the
		// latest registry state matters.
	drain:
		for {
			select {
			case next, ok := <-snapshots:
				if !ok {
					break drain
				}
				snap = next
			default:
				break drain
			}
		}

		if err := r.Reconcile(ctx, snap); err != nil {
			r.logger.Warn("reconcile completed with failures", "error", err)
		}
	}
}

// apply is the single reconcile implementation behind Initialize and
// Reconcile. It validates the snapshot, diffs it against the table, and
// performs disconnects before connects so a changed server is never
// connected twice.
func (r *Reconciler) apply(ctx context.Context, snap *config.Snapshot) (map[string]bool, error) {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	start := time.Now()

	ctx, span := r.tracer.Start(ctx, "router.reconcile")
	defer span.End()

	// All-or-nothing: an invalid snapshot changes no connections.
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry snapshot: %w", err)
	}

	desired := make(map[string]*config.ServerSpec)
	for name, spec := range snap.Servers {
		if spec.IsEnabled() {
			desired[name] = spec
		}
	}

	toConnect, toDisconnect := r.diff(desired)
	span.SetAttributes(
		attribute.Int("switchboard.connects", len(toConnect)),
		attribute.Int("switchboard.disconnects", len(toDisconnect)),
	)

	for _, name := range toDisconnect {
		r.disconnect(name)
	}

	results := make(map[string]bool, len(toConnect))
	var errs []error
	for _, name := range toConnect {
		if err := r.connect(ctx, desired[name]); err != nil {
			results[name] = false
			errs = append(errs, err)
			continue
		}
		results[name] = true
	}

	r.updateGauges()
	recordReconcile(start, len(errs) > 0)

	return results, errors.Join(errs...)
}

// diff computes, in deterministic order, which servers need a (re)connect
// and which need a disconnect. A ready connection with an unchanged spec
// is in neither list.
func (r *Reconciler) diff(desired map[string]*config.ServerSpec) (toConnect, toDisconnect []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, spec := range desired {
		conn, exists := r.conns[name]
		switch {
		case !exists:
			toConnect = append(toConnect, name)
		case conn.state != StateReady:
			// Failed or stale records get a fresh attempt.
			toConnect = append(toConnect, name)
		case !conn.spec.Equal(spec):
			// Changed spec: full disconnect then connect.
			toDisconnect = append(toDisconnect, name)
			toConnect = append(toConnect, name)
		}
	}

	for name := range r.conns {
		if _, wanted := desired[name]; !wanted {
			toDisconnect = append(toDisconnect, name)
		}
	}

	sort.Strings(toConnect)
	sort.Strings(toDisconnect)
	return toConnect, toDisconnect
}

// connect establishes one server's connection, lists its actions, and
// publishes them to the index. Any failure leaves a failed record behind
// so the next reconcile retries.
func (r *Reconciler) connect(ctx context.Context, spec *config.ServerSpec) error {
	name := spec.Name

	r.mu.Lock()
	prev := r.conns[name]
	conn := &connection{spec: spec, state: StateConnecting}
	if prev != nil {
		conn.failureCount = prev.failureCount
	}
	r.conns[name] = conn
	r.mu.Unlock()

	// A leftover handle from a failed attempt must not leak.
	if prev != nil && prev.transport != nil {
		_ = prev.transport.Close()
	}

	tr, err := r.factory(spec)
	if err != nil {
		return r.connectFailed(name, fmt.Errorf("server %s: %w", name, err))
	}

	connectCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	if err := tr.Connect(connectCtx); err != nil {
		_ = tr.Close()
		return r.connectFailed(name, fmt.Errorf("failed to connect to %s: %w", name, err))
	}

	actions, err := tr.ListActions(connectCtx)
	if err != nil {
		// Protocol failure: the connection is unusable even though the
		// transport came up. Tear it down and leave no index entries.
		_ = tr.Close()
		r.index.Rebuild(name, nil)
		return r.connectFailed(name, fmt.Errorf("failed to list actions on %s: %w", name, err))
	}

	r.index.Rebuild(name, actions)

	r.mu.Lock()
	conn.transport = tr
	conn.state = StateReady
	conn.connectedAt = time.Now()
	conn.lastError = ""
	conn.failureCount = 0
	conn.actions = actions
	r.mu.Unlock()

	r.logger.Info("server connected",
		"server", name,
		"transport", string(spec.Transport),
		"actions", len(actions),
	)

	return nil
}

// connectFailed records a failed attempt and returns the error unchanged.
func (r *Reconciler) connectFailed(name string, err error) error {
	r.mu.Lock()
	if conn, ok := r.conns[name]; ok {
		conn.state = StateFailed
		conn.lastError = err.Error()
		conn.failureCount++
	}
	r.mu.Unlock()

	recordConnectFailure(name)
	r.logger.Error("server connection failed", "server", name, "error", err)
	return err
}

// disconnect tears one server down and clears its index entries.
func (r *Reconciler) disconnect(name string) {
	r.mu.Lock()
	conn, exists := r.conns[name]
	if !exists {
		r.mu.Unlock()
		return
	}
	tr := conn.transport
	conn.transport = nil
	conn.state = StateClosed
	delete(r.conns, name)
	r.mu.Unlock()

	if tr != nil {
		// In-flight invokes on this handle run to completion; only new
		// lookups are cut over.
		_ = tr.Close()
	}
	r.index.Rebuild(name, nil)

	r.logger.Info("server disconnected", "server", name)
}

// GetConnection returns the live transport for a ready server.
func (r *Reconciler) GetConnection(name string) (transport.Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.conns[name]
	if !exists {
		return nil, fmt.Errorf("server not found: %s", name)
	}
	if conn.state != StateReady || conn.transport == nil {
		return nil, fmt.Errorf("server %s is not connected", name)
	}
	return conn.transport, nil
}

// ListConnected returns the names of all ready servers, sorted.
func (r *Reconciler) ListConnected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.conns))
	for name, conn := range r.conns {
		if conn.state == StateReady {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// MarkFailed takes a server out of rotation after a failed invoke. The
// record stays in the table as failed so the next reconcile reconnects;
// its index entries are cleared so searches stop surfacing it.
func (r *Reconciler) MarkFailed(name string, cause error) {
	r.mu.Lock()
	conn, exists := r.conns[name]
	if !exists {
		r.mu.Unlock()
		return
	}
	tr := conn.transport
	conn.transport = nil
	conn.state = StateFailed
	conn.actions = nil
	if cause != nil {
		conn.lastError = cause.Error()
	}
	conn.failureCount++
	r.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	r.index.Rebuild(name, nil)
	r.updateGauges()

	r.logger.Warn("server marked failed", "server", name, "error", cause)
}

// Actions returns the action list a ready server advertised at connect
// time. The returned slice is shared and must not be mutated.
func (r *Reconciler) Actions(name string) ([]transport.ActionSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.conns[name]
	if !exists {
		return nil, fmt.Errorf("server not found: %s", name)
	}
	if conn.state != StateReady {
		return nil, fmt.Errorf("server %s is not connected", name)
	}
	return conn.actions, nil
}

// Spec returns the registry entry for any tracked server, ready or not.
// Auth repair needs the spec of a server whose connection just failed.
func (r *Reconciler) Spec(name string) (*config.ServerSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.conns[name]
	if !exists {
		return nil, fmt.Errorf("server not found: %s", name)
	}
	return conn.spec, nil
}

// ConnectionStatus is a point-in-time snapshot of one connection.
type ConnectionStatus struct {
	// Server is the server's registry name
	Server string

	// State is the current lifecycle state
	State ConnectionState

	// ConnectedAt is when the connection last became ready
	ConnectedAt time.Time

	// Uptime is the time since the connection became ready
	Uptime time.Duration

	// FailureCount counts consecutive failed attempts
	FailureCount int

	// LastError is the most recent failure message
	LastError string

	// ActionCount is the number of actions the server advertised
	ActionCount int
}

// Status returns the status of one server.
func (r *Reconciler) Status(name string) (*ConnectionStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.conns[name]
	if !exists {
		return nil, fmt.Errorf("server not found: %s", name)
	}
	return r.statusLocked(name, conn), nil
}

// StatusAll returns the status of every tracked server, sorted by name.
func (r *Reconciler) StatusAll() []*ConnectionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]*ConnectionStatus, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, r.statusLocked(name, r.conns[name]))
	}
	return statuses
}

// statusLocked builds a status snapshot; r.mu must be held.
func (r *Reconciler) statusLocked(name string, conn *connection) *ConnectionStatus {
	status := &ConnectionStatus{
		Server:       name,
		State:        conn.state,
		ConnectedAt:  conn.connectedAt,
		FailureCount: conn.failureCount,
		LastError:    conn.lastError,
		ActionCount:  len(conn.actions),
	}
	if conn.state == StateReady && !conn.connectedAt.IsZero() {
		status.Uptime = time.Since(conn.connectedAt)
	}
	return status
}

// Shutdown disconnects every server and empties the table.
func (r *Reconciler) Shutdown() {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	r.mu.RLock()
	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		r.disconnect(name)
	}
	r.updateGauges()
}

// updateGauges refreshes the ready-connection and indexed-action gauges.
func (r *Reconciler) updateGauges() {
	r.mu.RLock()
	ready := 0
	for _, conn := range r.conns {
		if conn.state == StateReady {
			ready++
		}
	}
	r.mu.RUnlock()

	readyConnections.Set(float64(ready))
	indexedActions.Set(float64(r.index.DocumentCount()))
}

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

// Package transport abstracts how Switchboard reaches a downstream tool
// server.
//
// The router and the dispatch façade depend only on the Transport
// interface; New is the single place that branches on the configured
// transport kind (stdio child process, streamable HTTP, or SSE). All
// three concrete transports speak MCP via mark3labs/mcp-go.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/switchboard-mcp/switchboard/internal/config"
)

// ActionSpec describes one callable action exposed by a connected server.
type ActionSpec struct {
	// Server is the owning server's registry name.
	Server string `json:"server"`

	// Name is the action name, unique within the server.
	Name string `json:"name"`

	// Description explains what the action does.
	Description string `json:"description"`

	// InputSchema is the JSON Schema for the action's parameters.
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ContentItem is one piece of content in an action result.
type ContentItem struct {
	// Type is the content type (text, image, resource).
	Type string `json:"type"`

	// Text is the text content (for type="text").
	Text string `json:"text,omitempty"`

	// Data is base64-encoded binary content (for type="image").
	Data string `json:"data,omitempty"`

	// MimeType is the MIME type for binary content.
	MimeType string `json:"mimeType,omitempty"`
}

// Result is the opaque result of one action invocation. Switchboard
// forwards it to the caller without interpretation.
type Result struct {
	// Content contains the action's output items.
	Content []ContentItem `json:"content"`

	// IsError indicates the downstream tool reported a failure.
	IsError bool `json:"isError,omitempty"`
}

// Text concatenates the text content items, for logs and error payloads.
func (r *Result) Text() string {
	var out string
	for _, item := range r.Content {
		if item.Type == "text" {
			out += item.Text
		}
	}
	return out
}

// Transport is a live or openable connection to one downstream server.
//
// Implementations must make Close safe on a never-connected or
// already-broken handle.
type Transport interface {
	// Kind reports the configured transport kind.
	Kind() config.TransportKind

	// Connect opens the connection and performs the MCP initialize
	// handshake. It must be called exactly once before ListActions or
	// Invoke.
	Connect(ctx context.Context) error

	// ListActions retrieves the actions the server exposes.
	ListActions(ctx context.Context) ([]ActionSpec, error)

	// Invoke executes one action. Failures are returned as *InvokeError
	// so callers can distinguish transport, remote, and timeout faults.
	Invoke(ctx context.Context, action string, args map[string]any) (*Result, error)

	// Close tears the connection down.
	Close() error
}

// ErrorClass categorizes an invocation failure.
type ErrorClass string

const (
	// ErrorClassTransport is a connection-level failure: the request
	// never completed (broken pipe, connection refused, protocol error).
	ErrorClassTransport ErrorClass = "transport"
	// ErrorClassRemote means the downstream tool ran and reported an
	// application error.
	ErrorClassRemote ErrorClass = "remote"
	// ErrorClassTimeout means the call exceeded its deadline.
	ErrorClassTimeout ErrorClass = "timeout"
)

// InvokeError is a classified invocation failure. It always names the
// server and action it came from so callers can decide whether to retry,
// pick a different server, or start a credential repair flow.
type InvokeError struct {
	// Server is the downstream server name.
	Server string
	// Action is the invoked action name.
	Action string
	// Class categorizes the failure.
	Class ErrorClass
	// Message is the failure description. For remote errors this is the
	// downstream tool's own error payload, surfaced verbatim.
	Message string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *InvokeError) Error() string {
	return fmt.Sprintf("%s error invoking %s/%s: %s", e.Class, e.Server, e.Action, e.Message)
}

// Unwrap returns the underlying error.
func (e *InvokeError) Unwrap() error {
	return e.Cause
}

// AsInvokeError extracts an *InvokeError from an error chain.
func AsInvokeError(err error) (*InvokeError, bool) {
	var ie *InvokeError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// CredentialSource resolves stored credentials for servers whose auth
// mode is keychain. The dispatch façade's auth store implements it.
type CredentialSource interface {
	// Token returns the stored bearer token for the named server, or an
	// error if none is stored.
	Token(server string) (string, error)
}

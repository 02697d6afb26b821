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

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/switchboard-mcp/switchboard/internal/config"
)

// clientName identifies Switchboard in the MCP initialize handshake.
const clientName = "switchboard"

// Options configures transport construction.
type Options struct {
	// ClientVersion is reported in the MCP initialize handshake.
	ClientVersion string

	// Credentials resolves keychain-mode bearer tokens at connect time.
	// Optional; servers with auth mode keychain fail to connect without it.
	Credentials CredentialSource
}

// New builds a transport for the given server spec. This is the only
// place in the codebase that branches on the transport kind.
func New(spec *config.ServerSpec, opts Options) (Transport, error) {
	switch spec.Transport {
	case config.TransportStdio, config.TransportStreamableHTTP, config.TransportSSE:
		return &mcpTransport{
			spec:    spec,
			opts:    opts,
			id:      uuid.NewString(),
			timeout: spec.CallTimeout(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q for server %s", spec.Transport, spec.Name)
	}
}

// mcpTransport reaches a downstream server with an mcp-go client. One
// value handles all three kinds; only the client constructor differs.
type mcpTransport struct {
	// spec is the server's registry entry.
	spec *config.ServerSpec

	// opts carries construction options.
	opts Options

	// id uniquely identifies this connection instance, so log lines can
	// distinguish an old handle from its replacement after a reconnect.
	id string

	// mu guards client and closed. The reconciler may Close this handle
	// while dispatch is still invoking on it.
	mu sync.Mutex

	// client is the underlying MCP protocol client, nil until Connect.
	// It stays set after Close so in-flight calls fail on the closed
	// client instead of dereferencing nil.
	client *client.Client

	// closed records that Close already ran.
	closed bool

	// timeout is the default per-call timeout.
	timeout time.Duration
}

// ConnectionID returns the unique id of this connection instance.
func (t *mcpTransport) ConnectionID() string {
	return t.id
}

// Kind reports the configured transport kind.
func (t *mcpTransport) Kind() config.TransportKind {
	return t.spec.Transport
}

// Connect opens the connection and runs the MCP initialize handshake.
func (t *mcpTransport) Connect(ctx context.Context) error {
	mcpClient, err := t.newClient()
	if err != nil {
		return fmt.Errorf("failed to create client for %s: %w", t.spec.Name, err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("failed to start connection to %s: %w", t.spec.Name, err)
	}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: t.opts.ClientVersion,
			},
		},
	}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("initialize handshake with %s failed: %w", t.spec.Name, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = mcpClient.Close()
		return fmt.Errorf("connection to %s already closed", t.spec.Name)
	}
	t.client = mcpClient
	t.mu.Unlock()
	return nil
}

// currentClient reads the client pointer once under the lock. Callers
// hold the returned client across the call; a concurrent Close makes
// calls on it fail rather than panic.
func (t *mcpTransport) currentClient() *client.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

// newClient constructs the kind-specific mcp-go client.
func (t *mcpTransport) newClient() (*client.Client, error) {
	switch t.spec.Transport {
	case config.TransportStdio:
		return client.NewStdioMCPClient(t.spec.Command, t.spec.Env, t.spec.Args...)

	case config.TransportStreamableHTTP:
		headers, err := t.requestHeaders()
		if err != nil {
			return nil, err
		}
		return client.NewStreamableHttpClient(t.spec.URL,
			mcptransport.WithHTTPHeaders(headers),
		)

	case config.TransportSSE:
		headers, err := t.requestHeaders()
		if err != nil {
			return nil, err
		}
		return client.NewSSEMCPClient(t.spec.URL,
			mcptransport.WithHeaders(headers),
		)

	default:
		return nil, fmt.Errorf("unknown transport kind %q", t.spec.Transport)
	}
}

// requestHeaders merges configured headers with a keychain-resolved
// bearer token when the server's auth mode asks for one.
func (t *mcpTransport) requestHeaders() (map[string]string, error) {
	headers := make(map[string]string, len(t.spec.Headers)+1)
	for k, v := range t.spec.Headers {
		headers[k] = v
	}

	if t.spec.Auth != nil && t.spec.Auth.Mode == config.AuthKeychain {
		if t.opts.Credentials == nil {
			return nil, fmt.Errorf("server %s requires keychain credentials but no credential source is configured", t.spec.Name)
		}
		token, err := t.opts.Credentials.Token(t.spec.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve keychain credential for %s: %w", t.spec.Name, err)
		}
		headers["Authorization"] = "Bearer " + token
	}

	return headers, nil
}

// ListActions retrieves the server's tool list as ActionSpecs.
func (t *mcpTransport) ListActions(ctx context.Context) ([]ActionSpec, error) {
	mcpClient := t.currentClient()
	if mcpClient == nil {
		return nil, fmt.Errorf("server %s is not connected", t.spec.Name)
	}

	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list actions on %s: %w", t.spec.Name, err)
	}

	actions := make([]ActionSpec, len(result.Tools))
	for i, tool := range result.Tools {
		schema, err := toolSchema(tool)
		if err != nil {
			return nil, fmt.Errorf("malformed schema for %s/%s: %w", t.spec.Name, tool.Name, err)
		}
		actions[i] = ActionSpec{
			Server:      t.spec.Name,
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		}
	}

	return actions, nil
}

// toolSchema extracts the input schema from an MCP tool definition,
// preferring the raw form when the server provided one.
func toolSchema(tool mcp.Tool) (json.RawMessage, error) {
	if len(tool.RawInputSchema) > 0 {
		return json.RawMessage(tool.RawInputSchema), nil
	}
	schema, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil, err
	}
	return schema, nil
}

// Invoke executes one action with the per-call timeout applied. A caller
// deadline sooner than the configured timeout wins.
func (t *mcpTransport) Invoke(ctx context.Context, action string, args map[string]any) (*Result, error) {
	mcpClient := t.currentClient()
	if mcpClient == nil {
		return nil, &InvokeError{
			Server:  t.spec.Name,
			Action:  action,
			Class:   ErrorClassTransport,
			Message: "not connected",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	result, err := mcpClient.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      action,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, t.classify(action, err)
	}

	res := convertResult(result)
	if res.IsError {
		return nil, &InvokeError{
			Server:  t.spec.Name,
			Action:  action,
			Class:   ErrorClassRemote,
			Message: res.Text(),
		}
	}

	return res, nil
}

// classify maps a CallTool failure onto the invoke error taxonomy.
func (t *mcpTransport) classify(action string, err error) *InvokeError {
	class := ErrorClassTransport
	if errors.Is(err, context.DeadlineExceeded) {
		class = ErrorClassTimeout
	}
	return &InvokeError{
		Server:  t.spec.Name,
		Action:  action,
		Class:   class,
		Message: err.Error(),
		Cause:   err,
	}
}

// convertResult reshapes an mcp-go tool result into the transport's
// neutral Result form.
func convertResult(result *mcp.CallToolResult) *Result {
	res := &Result{
		IsError: result.IsError,
		Content: make([]ContentItem, len(result.Content)),
	}

	for i, content := range result.Content {
		item := ContentItem{}

		if textContent, ok := mcp.AsTextContent(content); ok {
			item.Type = textContent.Type
			item.Text = textContent.Text
		} else if imageContent, ok := mcp.AsImageContent(content); ok {
			item.Type = imageContent.Type
			item.Data = imageContent.Data
			item.MimeType = imageContent.MIMEType
		} else if raw, err := json.Marshal(content); err == nil {
			// Unknown content kinds pass through as their JSON shape.
			var m map[string]any
			if json.Unmarshal(raw, &m) == nil {
				item.Type, _ = m["type"].(string)
				item.Text, _ = m["text"].(string)
				item.Data, _ = m["data"].(string)
				item.MimeType, _ = m["mimeType"].(string)
			}
		}

		res.Content[i] = item
	}

	return res
}

// Close tears the connection down. Safe on a never-connected handle and
// idempotent. The client field is left set so invokes racing this Close
// fail on the closed client instead of hitting a nil pointer.
func (t *mcpTransport) Close() error {
	t.mu.Lock()
	mcpClient := t.client
	alreadyClosed := t.closed
	t.closed = true
	t.mu.Unlock()

	if mcpClient == nil || alreadyClosed {
		return nil
	}
	return mcpClient.Close()
}

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

// Package server exposes the dispatch façade as an MCP server with
// exactly five tools: discover_actions, get_action_details,
// execute_action, search_documentation, and handle_auth_failure.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/switchboard-mcp/switchboard/internal/dispatch"
)

// Server wraps the MCP server around a Dispatcher.
type Server struct {
	mcpServer   *server.MCPServer
	dispatcher  *dispatch.Dispatcher
	rateLimiter *RateLimiter
	logger      *slog.Logger
	name        string
	version     string
}

// Config configures the MCP surface.
type Config struct {
	// Name is the advertised server name (default: "switchboard")
	Name string

	// Version is the advertised server version
	Version string

	// Dispatcher handles the actual operations (required)
	Dispatcher *dispatch.Dispatcher

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// ExecutesPerMinute caps execute_action calls (default: 10)
	ExecutesPerMinute int

	// CallsPerMinute caps all tool calls (default: 100)
	CallsPerMinute int
}

// NewServer creates the MCP surface and registers the five tools.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Name == "" {
		cfg.Name = "switchboard"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.ExecutesPerMinute <= 0 {
		cfg.ExecutesPerMinute = 10
	}
	if cfg.CallsPerMinute <= 0 {
		cfg.CallsPerMinute = 100
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcpServer:   server.NewMCPServer(cfg.Name, cfg.Version),
		dispatcher:  cfg.Dispatcher,
		rateLimiter: NewRateLimiter(cfg.ExecutesPerMinute, cfg.CallsPerMinute),
		logger:      logger,
		name:        cfg.Name,
		version:     cfg.Version,
	}
	s.registerTools()

	return s, nil
}

// registerTools registers the five routing tools.
func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "discover_actions",
		Description: "List available actions per connected server. Server names may be literals or glob patterns (git*); a non-empty query narrows each server's list to relevant actions.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Free-text query to narrow the action lists (optional)",
				},
				"serverNames": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Server names or glob patterns; empty means all connected servers",
				},
			},
		},
	}, s.handleDiscoverActions)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_action_details",
		Description: "Return the description and parameter schema of one action, to be read before calling execute_action.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"serverName": map[string]interface{}{
					"type":        "string",
					"description": "The server that owns the action",
				},
				"actionName": map[string]interface{}{
					"type":        "string",
					"description": "The action to describe",
				},
			},
			Required: []string{"serverName", "actionName"},
		},
	}, s.handleGetActionDetails)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "execute_action",
		Description: "Execute one action on a connected server. This is the only tool with external side effects; calls are never retried.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"serverName": map[string]interface{}{
					"type":        "string",
					"description": "The server to execute on",
				},
				"actionName": map[string]interface{}{
					"type":        "string",
					"description": "The action to execute",
				},
				"pathParams": map[string]interface{}{
					"type":        "object",
					"description": "Path parameters (highest precedence on key collisions)",
				},
				"queryParams": map[string]interface{}{
					"type":        "object",
					"description": "Query parameters",
				},
				"bodyParams": map[string]interface{}{
					"type":        "object",
					"description": "Body parameters (lowest precedence on key collisions)",
				},
			},
			Required: []string{"serverName", "actionName"},
		},
	}, s.handleExecuteAction)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "search_documentation",
		Description: "Ranked free-text search over action names, descriptions, and parameters, scoped to one server.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Free-text search query",
				},
				"serverName": map[string]interface{}{
					"type":        "string",
					"description": "Server to search; empty searches all connected servers",
				},
				"maxResults": map[string]interface{}{
					"type":        "number",
					"description": "Maximum number of results (default: 10)",
				},
			},
			Required: []string{"query"},
		},
	}, s.handleSearchDocumentation)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "handle_auth_failure",
		Description: "Repair a server's credentials: getAuthUrl returns an authorization URL to visit, saveAuthData stores the resulting credential for the next connect.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"serverName": map[string]interface{}{
					"type":        "string",
					"description": "The server whose credentials need repair",
				},
				"intention": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"getAuthUrl", "saveAuthData"},
					"description": "What to do: fetch an authorization URL or store a credential",
				},
				"authData": map[string]interface{}{
					"type":        "string",
					"description": "The credential to store (saveAuthData only)",
				},
			},
			Required: []string{"serverName", "intention"},
		},
	}, s.handleAuthFailure)
}

// Run serves MCP over stdio until the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting mcp server", "name", s.name, "version", s.version, "transport", "stdio")

	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("mcp server error: %w", err)
	}
	return nil
}

// RunHTTP serves MCP over streamable HTTP on the given address until the
// context is cancelled, then stops the listener gracefully.
func (s *Server) RunHTTP(ctx context.Context, addr string) error {
	s.logger.Info("starting mcp server", "name", s.name, "version", s.version, "transport", "http", "addr", addr)

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start(addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("mcp server shutdown error: %w", err)
		}
		// Start returns once the listener closes; its shutdown error is
		// expected and already handled above.
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("mcp server error: %w", err)
		}
		return nil
	}
}

// errorResponse builds a tool-error result.
func errorResponse(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

// rateLimitedResponse is the structured denial for a rate-limited call.
func rateLimitedResponse() *mcp.CallToolResult {
	return errorResponse(`{"code":"RATE_LIMITED","message":"rate limit exceeded, try again later"}`)
}

// routerErrorResponse serializes a dispatch error as a tool-error result
// so callers see the code and attribution, not just prose.
func routerErrorResponse(err error) *mcp.CallToolResult {
	if re, ok := dispatch.AsRouterError(err); ok {
		if payload, marshalErr := json.Marshal(re); marshalErr == nil {
			return errorResponse(string(payload))
		}
	}
	return errorResponse(err.Error())
}

// jsonResponse marshals a value as the tool's text result.
func jsonResponse(v any) *mcp.CallToolResult {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResponse(fmt.Sprintf("failed to encode result: %v", err))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(payload))},
	}
}

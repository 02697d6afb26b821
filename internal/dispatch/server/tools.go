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

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/switchboard-mcp/switchboard/internal/dispatch"
)

// handleDiscoverActions implements the discover_actions tool.
func (s *Server) handleDiscoverActions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.rateLimiter.AllowCall() {
		return rateLimitedResponse(), nil
	}

	query := request.GetString("query", "")
	serverNames := request.GetStringSlice("serverNames", nil)

	result, err := s.dispatcher.DiscoverActions(ctx, query, serverNames)
	if err != nil {
		return routerErrorResponse(err), nil
	}
	return jsonResponse(result), nil
}

// handleGetActionDetails implements the get_action_details tool.
func (s *Server) handleGetActionDetails(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.rateLimiter.AllowCall() {
		return rateLimitedResponse(), nil
	}

	serverName, err := request.RequireString("serverName")
	if err != nil {
		return errorResponse("missing or invalid 'serverName' argument"), nil
	}
	actionName, err := request.RequireString("actionName")
	if err != nil {
		return errorResponse("missing or invalid 'actionName' argument"), nil
	}

	details, err := s.dispatcher.GetActionDetails(ctx, serverName, actionName)
	if err != nil {
		return routerErrorResponse(err), nil
	}
	return jsonResponse(details), nil
}

// handleExecuteAction implements the execute_action tool.
func (s *Server) handleExecuteAction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.rateLimiter.AllowCall() {
		return rateLimitedResponse(), nil
	}
	if !s.rateLimiter.AllowExecute() {
		return rateLimitedResponse(), nil
	}

	serverName, err := request.RequireString("serverName")
	if err != nil {
		return errorResponse("missing or invalid 'serverName' argument"), nil
	}
	actionName, err := request.RequireString("actionName")
	if err != nil {
		return errorResponse("missing or invalid 'actionName' argument"), nil
	}

	args := request.GetArguments()
	result, err := s.dispatcher.ExecuteAction(ctx, serverName, actionName,
		mapArgument(args, "pathParams"),
		mapArgument(args, "queryParams"),
		mapArgument(args, "bodyParams"),
	)
	if err != nil {
		return routerErrorResponse(err), nil
	}
	return jsonResponse(result), nil
}

// mapArgument extracts an object-valued argument; absent or mistyped
// values come back nil.
func mapArgument(args map[string]any, key string) map[string]any {
	value, _ := args[key].(map[string]any)
	return value
}

// handleSearchDocumentation implements the search_documentation tool.
func (s *Server) handleSearchDocumentation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.rateLimiter.AllowCall() {
		return rateLimitedResponse(), nil
	}

	query, err := request.RequireString("query")
	if err != nil {
		return errorResponse("missing or invalid 'query' argument"), nil
	}
	serverName := request.GetString("serverName", "")
	maxResults := request.GetInt("maxResults", dispatch.DefaultSearchLimit)

	hits, err := s.dispatcher.SearchDocumentation(ctx, query, serverName, maxResults)
	if err != nil {
		return routerErrorResponse(err), nil
	}
	return jsonResponse(hits), nil
}

// handleAuthFailure implements the handle_auth_failure tool.
func (s *Server) handleAuthFailure(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.rateLimiter.AllowCall() {
		return rateLimitedResponse(), nil
	}

	serverName, err := request.RequireString("serverName")
	if err != nil {
		return errorResponse("missing or invalid 'serverName' argument"), nil
	}
	intention, err := request.RequireString("intention")
	if err != nil {
		return errorResponse("missing or invalid 'intention' argument"), nil
	}
	authData := request.GetString("authData", "")

	outcome, err := s.dispatcher.HandleAuthFailure(ctx, serverName, dispatch.AuthIntention(intention), authData)
	if err != nil {
		return routerErrorResponse(err), nil
	}
	return jsonResponse(outcome), nil
}

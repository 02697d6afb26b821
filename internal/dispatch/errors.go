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
	"errors"
	"fmt"

	"github.com/switchboard-mcp/switchboard/internal/transport"
)

// ErrorCode categorizes a routing error.
type ErrorCode string

const (
	// ErrorCodeNotFound indicates an unknown server or action name.
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrorCodeUnavailable indicates a known server with no live connection.
	ErrorCodeUnavailable ErrorCode = "UNAVAILABLE"
	// ErrorCodeValidation indicates a malformed request.
	ErrorCodeValidation ErrorCode = "VALIDATION"
	// ErrorCodeTransport indicates the call never reached the server.
	ErrorCodeTransport ErrorCode = "TRANSPORT"
	// ErrorCodeRemote indicates the server executed the action and reported failure.
	ErrorCodeRemote ErrorCode = "REMOTE"
	// ErrorCodeTimeout indicates the call exceeded its deadline.
	ErrorCodeTimeout ErrorCode = "TIMEOUT"
	// ErrorCodeAuth indicates a credential problem the caller can repair.
	ErrorCodeAuth ErrorCode = "AUTH"
)

// RouterError is the structured error every dispatch operation returns.
// Server and Action attribute the failure so a caller can decide whether
// to retry, pick another server, or start a credential-repair flow.
type RouterError struct {
	// Code is the error category.
	Code ErrorCode `json:"code"`
	// Server is the server the error originated from, if applicable.
	Server string `json:"server,omitempty"`
	// Action is the action involved, if applicable.
	Action string `json:"action,omitempty"`
	// Message is the primary error message.
	Message string `json:"message"`
	// Cause is the underlying error, if any.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *RouterError) Error() string {
	switch {
	case e.Server != "" && e.Action != "":
		return fmt.Sprintf("%s: %s/%s: %s", e.Code, e.Server, e.Action, e.Message)
	case e.Server != "":
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Server, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying error.
func (e *RouterError) Unwrap() error {
	return e.Cause
}

// AsRouterError extracts a RouterError from an error chain.
func AsRouterError(err error) (*RouterError, bool) {
	var re *RouterError
	ok := errors.As(err, &re)
	return re, ok
}

// ErrServerNotFound reports an unknown server name.
func ErrServerNotFound(server string) *RouterError {
	return &RouterError{
		Code:    ErrorCodeNotFound,
		Server:  server,
		Message: "server is not in the registry or not connected",
	}
}

// ErrServerUnavailable reports a known server with no live connection.
func ErrServerUnavailable(server string, cause error) *RouterError {
	return &RouterError{
		Code:    ErrorCodeUnavailable,
		Server:  server,
		Message: "server is not currently connected",
		Cause:   cause,
	}
}

// ErrActionNotFound reports an action the server does not advertise.
func ErrActionNotFound(server, action string) *RouterError {
	return &RouterError{
		Code:    ErrorCodeNotFound,
		Server:  server,
		Action:  action,
		Message: "server does not advertise this action",
	}
}

// ErrValidation reports a malformed request.
func ErrValidation(message string) *RouterError {
	return &RouterError{Code: ErrorCodeValidation, Message: message}
}

// ErrAuth reports a credential problem for one server.
func ErrAuth(server, message string) *RouterError {
	return &RouterError{Code: ErrorCodeAuth, Server: server, Message: message}
}

// fromInvokeError maps a transport invoke failure onto the dispatch
// error codes, preserving the attribution and the original message.
func fromInvokeError(err *transport.InvokeError) *RouterError {
	code := ErrorCodeTransport
	switch err.Class {
	case transport.ErrorClassRemote:
		code = ErrorCodeRemote
	case transport.ErrorClassTimeout:
		code = ErrorCodeTimeout
	}
	return &RouterError{
		Code:    code,
		Server:  err.Server,
		Action:  err.Action,
		Message: err.Message,
		Cause:   err,
	}
}

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

// Package config defines the declarative server registry for Switchboard.
//
// The registry is a single YAML file listing downstream tool servers by
// name, each with a transport kind and its connection parameters. The
// router treats a successfully parsed and validated file as the desired
// state; the Watcher in this package turns file edits into a stream of
// Snapshot values the reconciler consumes.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerNameRegex validates server names.
// Names must start with a letter and contain only letters, numbers,
// hyphens, and underscores. Maximum length is 64 characters.
var ServerNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// TransportKind identifies how a downstream server is reached.
type TransportKind string

const (
	// TransportStdio runs the server as a local child process speaking
	// MCP over its stdin/stdout pipes.
	TransportStdio TransportKind = "stdio"
	// TransportStreamableHTTP reaches the server over MCP streamable
	// HTTP request/response.
	TransportStreamableHTTP TransportKind = "streamable-http"
	// TransportSSE reaches the server over an HTTP endpoint that pushes
	// responses as server-sent events.
	TransportSSE TransportKind = "sse"
)

// AuthMode tags how a remote server expects to be authenticated.
type AuthMode string

const (
	// AuthNone disables authentication.
	AuthNone AuthMode = "none"
	// AuthOAuth marks the server as OAuth-protected. Switchboard never
	// runs the exchange itself; it only builds authorization URLs and
	// stores tokens handed to it (see dispatch.HandleAuthFailure).
	AuthOAuth AuthMode = "oauth"
	// AuthKeychain resolves a bearer token from the OS keychain at
	// connect time, keyed by server name.
	AuthKeychain AuthMode = "keychain"
)

// AuthConfig configures authentication signaling for a remote server.
type AuthConfig struct {
	// Mode selects the authentication behavior.
	Mode AuthMode `yaml:"mode,omitempty"`

	// ClientID is the OAuth client identifier (mode: oauth).
	ClientID string `yaml:"client_id,omitempty"`

	// AuthorizeURL is the OAuth authorization endpoint (mode: oauth).
	AuthorizeURL string `yaml:"authorize_url,omitempty"`

	// TokenURL is the OAuth token endpoint (mode: oauth).
	TokenURL string `yaml:"token_url,omitempty"`

	// RedirectURL is the OAuth redirect URI handed to the caller as part
	// of auth-failure guidance (mode: oauth).
	RedirectURL string `yaml:"redirect_url,omitempty"`

	// Scopes are the OAuth scopes to request (mode: oauth).
	Scopes []string `yaml:"scopes,omitempty"`
}

// ServerSpec describes one downstream tool server.
type ServerSpec struct {
	// Name is the unique identifier for this server. Filled from the
	// registry map key on load.
	Name string `yaml:"name,omitempty"`

	// Transport selects how the server is reached.
	Transport TransportKind `yaml:"transport"`

	// Command is the executable to run (transport: stdio).
	Command string `yaml:"command,omitempty"`

	// Args are command-line arguments (transport: stdio).
	Args []string `yaml:"args,omitempty"`

	// Env are environment variables in KEY=VALUE format (transport: stdio).
	Env []string `yaml:"env,omitempty"`

	// URL is the base endpoint (transport: streamable-http or sse).
	URL string `yaml:"url,omitempty"`

	// Headers are sent with every request to a remote server.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Auth configures authentication signaling for remote servers.
	Auth *AuthConfig `yaml:"auth,omitempty"`

	// Enabled controls whether the reconciler opens a connection.
	// Defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Timeout is the per-call timeout in seconds. Defaults to the
	// registry-wide default (30s).
	Timeout int `yaml:"timeout,omitempty"`
}

// Defaults provides registry-wide default values.
type Defaults struct {
	// Timeout is the default per-call timeout in seconds (default: 30).
	Timeout int `yaml:"timeout,omitempty"`
}

// Snapshot is the full desired state parsed from one registry file at one
// point in time. Snapshots are immutable once returned from Load; the
// reconciler compares them structurally to detect no-op changes.
type Snapshot struct {
	// Servers maps server name to its spec.
	Servers map[string]*ServerSpec `yaml:"servers,omitempty"`

	// Defaults provides default values applied to every spec on load.
	Defaults Defaults `yaml:"defaults,omitempty"`
}

// IsEnabled reports whether the reconciler should hold a connection open
// for this server. An omitted enabled flag means enabled.
func (s *ServerSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// CallTimeout returns the per-call timeout as a duration.
func (s *ServerSpec) CallTimeout() time.Duration {
	if s.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.Timeout) * time.Second
}

// Equal reports structural equality with another spec.
func (s *ServerSpec) Equal(o *ServerSpec) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Name != o.Name || s.Transport != o.Transport ||
		s.Command != o.Command || s.URL != o.URL ||
		s.IsEnabled() != o.IsEnabled() || s.Timeout != o.Timeout {
		return false
	}
	if !stringSlicesEqual(s.Args, o.Args) || !stringSlicesEqual(s.Env, o.Env) {
		return false
	}
	if !stringMapsEqual(s.Headers, o.Headers) {
		return false
	}
	return authEqual(s.Auth, o.Auth)
}

func authEqual(a, b *AuthConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Mode == b.Mode && a.ClientID == b.ClientID &&
		a.AuthorizeURL == b.AuthorizeURL && a.TokenURL == b.TokenURL &&
		a.RedirectURL == b.RedirectURL && stringSlicesEqual(a.Scopes, b.Scopes)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringMapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Equal reports structural equality with another snapshot.
func (c *Snapshot) Equal(o *Snapshot) bool {
	if c == nil || o == nil {
		return c == o
	}
	if len(c.Servers) != len(o.Servers) {
		return false
	}
	for name, spec := range c.Servers {
		other, ok := o.Servers[name]
		if !ok || !spec.Equal(other) {
			return false
		}
	}
	return true
}

// Validate checks the whole snapshot and rejects it wholesale on the
// first problem, so a bad registry file never partially applies.
//
// The YAML mapping form makes in-file duplicate names a parse error; an
// explicit name field disagreeing with its map key is rejected here.
func (c *Snapshot) Validate() error {
	for name, spec := range c.Servers {
		if spec == nil {
			return fmt.Errorf("server %q: empty entry", name)
		}
		if err := ValidateServerName(name); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
		if spec.Name != "" && spec.Name != name {
			return fmt.Errorf("server %q: name field %q disagrees with registry key", name, spec.Name)
		}
		if err := spec.validate(); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
	}
	return nil
}

func (s *ServerSpec) validate() error {
	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
		if s.URL != "" {
			return fmt.Errorf("url is not valid for stdio transport")
		}
		for i, env := range s.Env {
			if !strings.Contains(env, "=") {
				return fmt.Errorf("env[%d]: must be in KEY=VALUE format", i)
			}
		}
	case TransportStreamableHTTP, TransportSSE:
		if s.URL == "" {
			return fmt.Errorf("url is required for %s transport", s.Transport)
		}
		u, err := url.Parse(s.URL)
		if err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("url must use http or https, got %q", u.Scheme)
		}
		if s.Command != "" {
			return fmt.Errorf("command is not valid for %s transport", s.Transport)
		}
	case "":
		return fmt.Errorf("transport is required")
	default:
		return fmt.Errorf("unknown transport %q (must be stdio, streamable-http, or sse)", s.Transport)
	}

	if s.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}

	if s.Auth != nil && s.Auth.Mode == AuthOAuth {
		if s.Transport == TransportStdio {
			return fmt.Errorf("oauth auth mode is only valid for remote transports")
		}
		if s.Auth.AuthorizeURL == "" || s.Auth.TokenURL == "" {
			return fmt.Errorf("oauth auth mode requires authorize_url and token_url")
		}
	}

	return nil
}

// ValidateServerName validates a server name.
func ValidateServerName(name string) error {
	if name == "" {
		return fmt.Errorf("server name is required")
	}
	if !ServerNameRegex.MatchString(name) {
		return fmt.Errorf("invalid server name: must start with a letter and contain only letters, numbers, hyphens, and underscores (max 64 chars)")
	}
	return nil
}

// Load reads and validates the registry file at path.
// A missing file yields an empty snapshot rather than an error, so a
// fresh installation starts with no servers instead of failing.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{Servers: make(map[string]*ServerSpec)}, nil
		}
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	return Parse(data)
}

// Parse parses and validates registry file contents.
func Parse(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse registry file: %w", err)
	}

	if snap.Servers == nil {
		snap.Servers = make(map[string]*ServerSpec)
	}
	snap.applyDefaults()

	if err := snap.Validate(); err != nil {
		return nil, err
	}

	return &snap, nil
}

// Save writes the snapshot to path via a temp file and rename, so a
// concurrent reader (or the Watcher) never observes a half-written file.
func Save(path string, snap *Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write registry file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save registry file: %w", err)
	}

	return nil
}

func (c *Snapshot) applyDefaults() {
	timeout := c.Defaults.Timeout
	if timeout == 0 {
		timeout = 30
	}

	for name, spec := range c.Servers {
		if spec == nil {
			continue
		}
		if spec.Name == "" {
			spec.Name = name
		}
		if spec.Timeout == 0 {
			spec.Timeout = timeout
		}
	}
}

// sensitiveKeyPatterns are patterns that indicate a sensitive value.
var sensitiveKeyPatterns = []string{
	"SECRET", "TOKEN", "KEY", "PASSWORD", "CREDENTIAL", "AUTH", "API_KEY",
}

// IsSensitiveKey returns true if the key appears to name sensitive data.
func IsSensitiveKey(key string) bool {
	upperKey := strings.ToUpper(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(upperKey, pattern) {
			return true
		}
	}
	return false
}

// RedactEnv redacts sensitive values from an environment variable list
// for logging.
func RedactEnv(envs []string) []string {
	result := make([]string, len(envs))
	for i, env := range envs {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 && IsSensitiveKey(parts[0]) {
			result[i] = parts[0] + "=***REDACTED***"
		} else {
			result[i] = env
		}
	}
	return result
}

// RedactHeaders redacts sensitive header values for logging.
func RedactHeaders(headers map[string]string) map[string]string {
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		if IsSensitiveKey(k) {
			result[k] = "***REDACTED***"
		} else {
			result[k] = v
		}
	}
	return result
}

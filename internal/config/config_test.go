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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_ValidRegistry(t *testing.T) {
	data := []byte(`
servers:
  github:
    transport: stdio
    command: npx
    args: ["-y", "@modelcontextprotocol/server-github"]
    env: ["GITHUB_TOKEN=abc"]
  linear:
    transport: streamable-http
    url: https://mcp.linear.app/mcp
    headers:
      Authorization: Bearer xyz
  calendar:
    transport: sse
    url: https://calendar.example.com/sse
    enabled: false
defaults:
  timeout: 45
`)

	snap, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, snap.Servers, 3)

	gh := snap.Servers["github"]
	if gh.Name != "github" {
		t.Errorf("Name = %q, want github (filled from map key)", gh.Name)
	}
	if gh.Transport != TransportStdio {
		t.Errorf("Transport = %q, want stdio", gh.Transport)
	}
	if !gh.IsEnabled() {
		t.Error("github should default to enabled")
	}
	if gh.Timeout != 45 {
		t.Errorf("Timeout = %d, want registry default 45", gh.Timeout)
	}

	if snap.Servers["calendar"].IsEnabled() {
		t.Error("calendar should be disabled")
	}
}

func TestParse_RejectsInvalidSpecs(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "stdio without command",
			yaml: `
servers:
  broken:
    transport: stdio
`,
			wantErr: "command is required",
		},
		{
			name: "http without url",
			yaml: `
servers:
  broken:
    transport: streamable-http
`,
			wantErr: "url is required",
		},
		{
			name: "unknown transport",
			yaml: `
servers:
  broken:
    transport: carrier-pigeon
    command: echo
`,
			wantErr: "unknown transport",
		},
		{
			name: "missing transport",
			yaml: `
servers:
  broken:
    command: echo
`,
			wantErr: "transport is required",
		},
		{
			name: "bad server name",
			yaml: `
servers:
  "1bad":
    transport: stdio
    command: echo
`,
			wantErr: "invalid server name",
		},
		{
			name: "name field disagrees with key",
			yaml: `
servers:
  alpha:
    name: beta
    transport: stdio
    command: echo
`,
			wantErr: "disagrees with registry key",
		},
		{
			name: "non-http url scheme",
			yaml: `
servers:
  broken:
    transport: sse
    url: ftp://example.com
`,
			wantErr: "http or https",
		},
		{
			name: "oauth on stdio",
			yaml: `
servers:
  broken:
    transport: stdio
    command: echo
    auth:
      mode: oauth
`,
			wantErr: "only valid for remote transports",
		},
		{
			name: "oauth without endpoints",
			yaml: `
servers:
  broken:
    transport: sse
    url: https://example.com
    auth:
      mode: oauth
`,
			wantErr: "requires authorize_url and token_url",
		},
		{
			name: "malformed env entry",
			yaml: `
servers:
  broken:
    transport: stdio
    command: echo
    env: ["NOVALUE"]
`,
			wantErr: "KEY=VALUE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("Parse() succeeded, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_RejectsDuplicateNames(t *testing.T) {
	// yaml.v3 rejects duplicate mapping keys, which is how duplicate
	// server names manifest in the registry format.
	_, err := Parse([]byte(`
servers:
  github:
    transport: stdio
    command: echo
  github:
    transport: stdio
    command: echo
`))
	if err == nil {
		t.Fatal("Parse() should reject duplicate server names")
	}
}

func TestLoad_MissingFileReturnsEmptySnapshot(t *testing.T) {
	snap, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	if len(snap.Servers) != 0 {
		t.Errorf("expected empty snapshot, got %d servers", len(snap.Servers))
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")

	enabled := false
	snap := &Snapshot{
		Servers: map[string]*ServerSpec{
			"jira": {
				Name:      "jira",
				Transport: TransportStreamableHTTP,
				URL:       "https://jira.example.com/mcp",
				Headers:   map[string]string{"X-Team": "infra"},
				Enabled:   &enabled,
				Timeout:   60,
			},
		},
	}

	require.NoError(t, Save(path, snap))

	// Atomic save must not leave the temp file behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after Save")
	}

	loaded, err := Load(path)
	require.NoError(t, err)
	if !loaded.Equal(snap) {
		t.Error("loaded snapshot differs from saved snapshot")
	}
}

func TestSnapshot_Equal(t *testing.T) {
	base := func() *Snapshot {
		return &Snapshot{
			Servers: map[string]*ServerSpec{
				"a": {Name: "a", Transport: TransportStdio, Command: "echo", Args: []string{"hi"}, Timeout: 30},
			},
		}
	}

	if !base().Equal(base()) {
		t.Error("identical snapshots should be equal")
	}

	changedArg := base()
	changedArg.Servers["a"].Args = []string{"bye"}
	if base().Equal(changedArg) {
		t.Error("changed args should break equality")
	}

	disabled := base()
	off := false
	disabled.Servers["a"].Enabled = &off
	if base().Equal(disabled) {
		t.Error("enabled toggle should break equality")
	}

	extra := base()
	extra.Servers["b"] = &ServerSpec{Name: "b", Transport: TransportStdio, Command: "cat", Timeout: 30}
	if base().Equal(extra) {
		t.Error("added server should break equality")
	}
}

func TestRedactEnv(t *testing.T) {
	redacted := RedactEnv([]string{"GITHUB_TOKEN=secret", "PORT=8080"})
	if redacted[0] != "GITHUB_TOKEN=***REDACTED***" {
		t.Errorf("token not redacted: %q", redacted[0])
	}
	if redacted[1] != "PORT=8080" {
		t.Errorf("benign value altered: %q", redacted[1])
	}
}

func TestRedactHeaders(t *testing.T) {
	redacted := RedactHeaders(map[string]string{
		"Authorization": "Bearer abc",
		"Accept":        "application/json",
	})
	if redacted["Authorization"] != "***REDACTED***" {
		t.Errorf("Authorization not redacted: %q", redacted["Authorization"])
	}
	if redacted["Accept"] != "application/json" {
		t.Errorf("benign header altered: %q", redacted["Accept"])
	}
}

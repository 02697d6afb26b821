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

// Package cli builds the root command and holds build-time version info.
package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion records build information (called from main via ldflags).
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns the recorded build information.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// NewRootCommand creates the root Cobra command for Switchboard.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "switchboard",
		Short: "Switchboard - one MCP server routing to many",
		Long: `Switchboard is an MCP server that routes to a fleet of downstream MCP
servers. It connects to every server in its registry, indexes their
actions for ranked search, and exposes five tools a client uses to
discover, inspect, and execute any downstream action.

Point your MCP client at 'switchboard serve' and edit the registry file
to add or remove servers; connections follow the file live.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	return cmd
}

// DefaultRegistryPath returns the default registry file location.
func DefaultRegistryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "servers.yaml"
	}
	return filepath.Join(home, ".config", "switchboard", "servers.yaml")
}

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

// Package validate implements the validate command for registry files.
package validate

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/switchboard-mcp/switchboard/internal/cli"
	"github.com/switchboard-mcp/switchboard/internal/config"
)

// NewCommand creates the validate command.
func NewCommand() *cobra.Command {
	var registryPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the server registry file",
		Long: `Validate the server registry file without connecting to anything.

Checks YAML syntax, server name rules, per-transport required fields,
and auth configuration. Exits non-zero on the first invalid entry.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, registryPath)
		},
	}

	cmd.Flags().StringVar(&registryPath, "registry", cli.DefaultRegistryPath(), "Path to the server registry file")

	return cmd
}

func runValidate(cmd *cobra.Command, registryPath string) error {
	snap, err := config.Load(registryPath)
	if err != nil {
		return fmt.Errorf("failed to load registry %s: %w", registryPath, err)
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("registry %s is invalid: %w", registryPath, err)
	}

	names := make([]string, 0, len(snap.Servers))
	for name := range snap.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	cmd.Printf("registry %s is valid: %d server(s)\n", registryPath, len(names))
	for _, name := range names {
		spec := snap.Servers[name]
		state := "enabled"
		if !spec.IsEnabled() {
			state = "disabled"
		}
		cmd.Printf("  %-20s %-16s %s\n", name, spec.Transport, state)
	}

	return nil
}

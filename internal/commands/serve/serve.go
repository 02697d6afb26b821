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

// Package serve implements the serve command: connect the registry,
// watch it for changes, and expose the routing tools over MCP.
package serve

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/switchboard-mcp/switchboard/internal/cli"
	"github.com/switchboard-mcp/switchboard/internal/config"
	"github.com/switchboard-mcp/switchboard/internal/dispatch"
	mcpserver "github.com/switchboard-mcp/switchboard/internal/dispatch/server"
	"github.com/switchboard-mcp/switchboard/internal/log"
	"github.com/switchboard-mcp/switchboard/internal/router"
	"github.com/switchboard-mcp/switchboard/internal/tracing"
)

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var (
		registryPath string
		logLevel     string
		logFormat    string
		httpAddr     string
		metricsAddr  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Switchboard MCP server",
		Long: `Start the Switchboard MCP server.

Switchboard connects to every enabled server in the registry file,
indexes their actions, and serves the five routing tools over stdio
(the default, for MCP client integration) or streamable HTTP (--http).

The registry file is watched: edits are picked up live, connecting new
servers and disconnecting removed ones without a restart.

Configuration example for an MCP client:
  {
    "mcpServers": {
      "switchboard": {
        "command": "switchboard",
        "args": ["serve"]
      }
    }
  }`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(registryPath, logLevel, logFormat, httpAddr, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&registryPath, "registry", cli.DefaultRegistryPath(), "Path to the server registry file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Logging verbosity (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "Log output format (json, text)")
	cmd.Flags().StringVar(&httpAddr, "http", "", "Serve streamable HTTP on this address instead of stdio (e.g. :8080)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090); disabled when empty")

	return cmd
}

func runServe(registryPath, logLevel, logFormat, httpAddr, metricsAddr string) error {
	// Logs go to stderr so they never interfere with MCP stdio framing.
	logger := log.New(&log.Config{
		Level:  logLevel,
		Format: log.Format(logFormat),
		Output: os.Stderr,
	})

	versionStr, _, _ := cli.GetVersion()

	provider, err := tracing.NewProvider("switchboard", versionStr)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", provider.MetricsHandler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("metrics endpoint failed", "addr", metricsAddr, "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keystore := dispatch.KeychainStore{}

	rec := router.New(router.Config{
		Logger:        logger,
		ClientVersion: versionStr,
		Credentials:   keystore,
	})
	defer rec.Shutdown()

	snap, err := config.Load(registryPath)
	if err != nil {
		return fmt.Errorf("failed to load registry %s: %w", registryPath, err)
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid registry %s: %w", registryPath, err)
	}

	results := rec.Initialize(ctx, snap)
	for server, ok := range results {
		if !ok {
			logger.Warn("server did not connect at startup, will retry on registry change", "server", server)
		}
	}
	logger.Info("registry applied",
		"path", registryPath,
		"servers", len(results),
		"connected", len(rec.ListConnected()),
	)

	watcher, err := config.NewWatcher(config.WatcherConfig{
		Path:    registryPath,
		Logger:  logger,
		Initial: snap,
	})
	if err != nil {
		return fmt.Errorf("failed to watch registry: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	go rec.Run(ctx, watcher.Snapshots())

	dispatcher := dispatch.New(dispatch.Config{
		Router:   rec,
		Index:    rec.Index(),
		Logger:   logger,
		Keystore: keystore,
	})

	srv, err := mcpserver.NewServer(mcpserver.Config{
		Version:    versionStr,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if httpAddr != "" {
			errCh <- srv.RunHTTP(ctx, httpAddr)
			return
		}
		errCh <- srv.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return nil
	case err := <-errCh:
		return err
	}
}

// Package main provides the CLI entry point for the Nexus LLM proxy.
//
// Nexus sits in front of an upstream LLM API (OpenAI- or Gemini-shaped)
// and drives the agentic tool-calling loop on the server side, so a
// thin client only ever sees a single request/response or SSE stream.
//
// # Basic Usage
//
// Start the gateway:
//
//	nexus serve --config nexus.yaml
//
// # Environment Variables
//
//   - NEXUS_CONFIG: Path to configuration file (default: nexus.yaml)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/engine"
	"github.com/haasonsaas/nexus/internal/gateway"
	"github.com/haasonsaas/nexus/internal/mcp"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/registry"
	"github.com/haasonsaas/nexus/internal/upstream"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nexus",
		Short: "An agentic LLM proxy with server-side tool calling",
	}
	rootCmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "nexus %s (%s)\n", version, commit)
			return nil
		},
	}
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the Nexus gateway.

The server will:
1. Load configuration from the specified file (or nexus.yaml).
2. Scan the tool server registry and start auto-start servers.
3. Connect to the configured upstream LLM API.
4. Serve the OpenAI and Gemini dialects over HTTP until a shutdown signal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

func resolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv("NEXUS_CONFIG")); env != "" {
		return env
	}
	return "nexus.yaml"
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := newLogger(level, cfg.Logging.Format)
	metrics := observability.NewMetrics()

	logger.Info("starting nexus gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"upstream_dialect", cfg.Upstream.Dialect,
	)

	reg := registry.New(cfg.Tools.RegistryDir, logger)
	if err := reg.Scan(); err != nil {
		return fmt.Errorf("failed to scan tool registry: %w", err)
	}

	manager := mcp.NewManager(reg.ManagerConfig(), logger, metrics)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start tool servers: %w", err)
	}
	defer func() {
		if err := manager.Stop(); err != nil {
			logger.Warn("tool server shutdown reported errors", "error", err)
		}
	}()

	upstreamClient, err := newUpstreamClient(ctx, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("failed to initialize upstream client: %w", err)
	}

	eng := engine.New(upstreamClient, manager, engine.Config{
		MaxIterations:   cfg.Engine.MaxIterations,
		RetryCount:      cfg.Engine.RetryCount,
		RetryDelay:      cfg.Engine.RetryDelay,
		SystemPrompt:    cfg.Engine.SystemPrompt,
		CollisionPolicy: engine.CollisionPolicy(cfg.Engine.CollisionPolicy),
	}, logger, metrics)

	srv := gateway.New(gateway.Config{
		Addr:        cfg.Gateway.Addr,
		AccessKeys:  cfg.Gateway.AccessKeys,
		UpstreamKey: cfg.Gateway.UpstreamKey,
	}, eng, logger, metrics)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	logger.Info("nexus gateway started", "addr", cfg.Gateway.Addr)

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("nexus gateway stopped gracefully")
	return nil
}

func newUpstreamClient(ctx context.Context, cfg config.UpstreamConfig) (engine.UpstreamClient, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Dialect)) {
	case "gemini":
		return upstream.NewGeminiClient(ctx, upstream.GeminiConfig{APIKey: cfg.Gemini.APIKey})
	default:
		return upstream.NewOpenAIClient(upstream.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
		}), nil
	}
}

func newLogger(level, format string) *slog.Logger {
	var slogLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: slogLevel}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

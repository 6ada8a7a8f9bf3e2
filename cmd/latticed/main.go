// Package main is the latticed entry point: the local daemon holding the
// shared outline, serving editor panes over HTTP and WebSocket and agents
// over MCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lattice-core/infrastructure/config"
	"lattice-core/infrastructure/di"
	"lattice-core/interfaces/mcp"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "latticed",
		Short: "Lattice outline daemon",
		Long: `latticed holds the shared outline in memory and serves it to editor
panes over HTTP and WebSocket and to agents over MCP. Edits are versioned,
conflict-checked and persisted in the background.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("latticed v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the outline daemon",
		Long:  "Start the daemon serving the REST API, the websocket event stream and metrics on one listener.",
		RunE:  runServe,
	}
	addConfigFlags(serveCmd)
	serveCmd.Flags().String("addr", "", "listen address (default 127.0.0.1:6460)")
	rootCmd.AddCommand(serveCmd)

	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the outline to an agent over stdio",
		Long: `Speak the Model Context Protocol on stdin/stdout. Meant to be spawned
by an agent runtime; logs go to stderr so the protocol stream stays clean.`,
		RunE: runMCP,
	}
	addConfigFlags(mcpCmd)
	rootCmd.AddCommand(mcpCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// addConfigFlags registers the flags shared by every long-running command.
func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "YAML config overlay (default $LATTICE_CONFIG_FILE)")
	cmd.Flags().String("backend", "", "persistence backend: memory, sqlite, badger or dynamo")
	cmd.Flags().String("db", "", "database path for the sqlite and badger backends")
	cmd.Flags().Int("debounce-ms", 0, "idle delay before a dirty node is written")
	cmd.Flags().Bool("test-mode", false, "skip real persistence, keep scheduling live")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn or error")
}

// loadConfig layers the resolved configuration: defaults, then the YAML
// overlay, then environment variables, then explicit flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	var cfg *config.Config
	var err error
	if path, _ := flags.GetString("config"); path != "" {
		cfg, err = config.LoadFrom(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if flags.Changed("addr") {
		cfg.HTTPAddr, _ = flags.GetString("addr")
	}
	if flags.Changed("backend") {
		cfg.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("db") {
		path, _ := flags.GetString("db")
		cfg.SQLitePath = path
		cfg.BadgerPath = path
	}
	if flags.Changed("debounce-ms") {
		ms, _ := flags.GetInt("debounce-ms")
		cfg.DebounceWindow = time.Duration(ms) * time.Millisecond
	}
	if flags.Changed("test-mode") {
		cfg.TestMode, _ = flags.GetBool("test-mode")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := di.NewContainer(ctx, cfg)
	if err != nil {
		return err
	}
	if err := container.Start(ctx); err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = container.Shutdown(shutdownCtx)
		return err
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      container.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		container.Logger.Info("listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("backend", cfg.Backend),
			zap.String("environment", cfg.Environment),
			zap.String("version", version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			container.Logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	container.Logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Drain HTTP first so in-flight edits reach the store, then let the
	// container flush them to the backend.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		container.Logger.Error("http drain failed", zap.Error(err))
	}
	return container.Shutdown(shutdownCtx)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	container, err := di.NewContainer(ctx, cfg)
	if err != nil {
		return err
	}
	if err := container.Start(ctx); err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = container.Shutdown(shutdownCtx)
		return err
	}

	container.Logger.Info("serving mcp over stdio",
		zap.String("backend", cfg.Backend),
		zap.String("version", version),
	)

	serveErr := mcp.Serve(ctx, container.MCPServer)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := container.Shutdown(shutdownCtx); err != nil {
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

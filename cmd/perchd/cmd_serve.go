// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/teradata-labs/perch/pkg/engine"
	"github.com/teradata-labs/perch/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the perch control plane",
	Long: heredoc.Doc(`
		Start the control plane: the pipeline polls the observability backend
		for traces, the evaluator scores them, the monitor arms the quality
		threshold, and the HTTP API serves status, history, triggers, reports,
		and the live event stream.

		Press Ctrl+C to gracefully shutdown.
	`),
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	// Validate configuration
	if err := config.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	// Create production logger (stack traces only for ERROR level)
	zapConfig := zap.NewProductionConfig()

	// Parse and set log level from config
	logLevel := zap.InfoLevel // default
	if config.Logging.Level != "" {
		if err := logLevel.UnmarshalText([]byte(config.Logging.Level)); err != nil {
			log.Printf("Invalid log level %q, using INFO: %v", config.Logging.Level, err)
		}
	}
	zapConfig.Level = zap.NewAtomicLevelAt(logLevel)

	if config.Logging.Format != "" {
		zapConfig.Encoding = config.Logging.Format
	}

	// Configure log output file if specified
	if config.Logging.File != "" {
		zapConfig.OutputPaths = []string{config.Logging.File}
		zapConfig.ErrorOutputPaths = []string{config.Logging.File}
	}

	logger, err := zapConfig.Build(zap.AddStacktrace(zap.ErrorLevel))
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting perch control plane", zap.String("version", rootCmd.Version))

	// Show actual config file used (not just the --config flag)
	configFileUsed := viper.ConfigFileUsed()
	if configFileUsed != "" {
		logger.Info("Config file loaded", zap.String("path", configFileUsed))
	} else {
		logger.Info("No config file found", zap.String("searched", "$PERCH_DATA_DIR/perchd.yaml, ./perchd.yaml, /etc/perch/perchd.yaml"))
		logger.Info("Using defaults + environment variables")
	}

	ctx := context.Background()

	eng, err := engine.New(ctx, config.EngineConfig(logger))
	if err != nil {
		logger.Fatal("Failed to build control plane", zap.Error(err))
	}
	if err := eng.Start(ctx); err != nil {
		logger.Fatal("Failed to start control plane", zap.Error(err))
	}

	srv, err := server.NewWithCORS(eng, config.Server.Addr, logger, config.ServerCORSConfig())
	if err != nil {
		_ = eng.Stop(ctx)
		logger.Fatal("Failed to build HTTP server", zap.Error(err))
	}

	// Handle graceful shutdown
	go func() {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)
		<-sigch
		logger.Info("Shutting down gracefully... (press Ctrl+C again to force)")

		// Start a goroutine to listen for second Ctrl+C (force shutdown)
		go func() {
			<-sigch
			logger.Warn("Force shutdown requested")
			os.Exit(1)
		}()

		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Stop the engine first (pipeline, monitor, maintenance, stores).
		// The HTTP server tolerates the event bus closing underneath it.
		if err := eng.Stop(stopCtx); err != nil {
			logger.Warn("Error stopping control plane", zap.Error(err))
		} else {
			logger.Info("Control plane stopped")
		}

		// Stop the HTTP server last so the serve loop below returns only
		// after everything else is down.
		if err := srv.Stop(stopCtx); err != nil {
			logger.Warn("Error stopping HTTP server", zap.Error(err))
		} else {
			logger.Info("HTTP server stopped")
		}

		logger.Info("Shutdown complete")
	}()

	logger.Info("HTTP API listening", zap.String("addr", config.Server.Addr))
	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to serve", zap.Error(err))
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Damonbodine/meetingcoder-sub000/internal/config"
	"github.com/Damonbodine/meetingcoder-sub000/internal/events"
	"github.com/Damonbodine/meetingcoder-sub000/internal/metrics"
	"github.com/Damonbodine/meetingcoder-sub000/internal/server"
)

func newServeCmd() *cobra.Command {
	var source string
	var meetingName string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transcription service",
		Long: "Run the capture pipeline and HTTP API until interrupted.\n" +
			"Meetings are controlled over the HTTP API; --source starts one immediately.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, fromFile, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cfg, fromFile, source, meetingName)
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Start a meeting on this source at boot (microphone, system:<device>, file:<path>)")
	cmd.Flags().StringVar(&meetingName, "meeting", "", "Name for the meeting started with --source")

	return cmd
}

func runServe(cfg *config.Config, watchConfig bool, source, meetingName string) error {
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("capture_source", cfg.Capture.Source),
		slog.Int("buffer_seconds", cfg.Capture.BufferSeconds),
		slog.Float64("chunk_seconds", cfg.Segmenter.TranscriptionChunkSeconds),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("model", cfg.Transcription.Model),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Governs the config watcher, not the meeting: meetings are torn down
	// through pipeline Shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	publisher := events.NewPublisher(serviceName, logger)
	defer publisher.Close()

	p, err := buildPipeline(cfg, appMetrics, publisher, logger)
	if err != nil {
		return err
	}
	logger.Info("Pipeline initialized",
		slog.String("engine_endpoint", cfg.Transcription.Endpoint),
		slog.String("model", cfg.Transcription.Model),
	)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, p, appMetrics)
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	if watchConfig {
		watcher := config.NewWatcher(configPath, logger, p.ApplyConfig)
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				logger.Error("Config watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	if source != "" {
		// A failed boot-time start leaves the service up; the operator can
		// retry over the API.
		if err := p.Start(context.Background(), source, meetingName); err != nil {
			logger.Error("Failed to start meeting",
				slog.String("source", source),
				slog.String("error", err.Error()))
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	cancel()

	snapshot := p.Snapshot()

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := p.Shutdown(); err != nil {
		logger.Error("Error stopping pipeline", slog.String("error", err.Error()))
	}

	if meeting := p.Meeting(); meeting != nil {
		logger.Info("Final meeting statistics",
			slog.String("meeting_id", meeting.ID),
			slog.String("status", string(meeting.Status)),
			slog.Int("segments", len(meeting.Segments)),
			slog.Duration("duration", meeting.Duration()),
		)
	}
	logger.Info("Final capture statistics",
		slog.Uint64("overwritten_samples", snapshot.OverwrittenSamples),
		slog.Uint64("silent_chunks", snapshot.SilentChunks),
		slog.Uint64("restart_attempts", snapshot.RestartAttemptsTotal),
	)

	logger.Info("Service stopped")
	return nil
}

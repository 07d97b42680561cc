// Command meetingcoder captures meeting audio, segments it at natural
// pauses, and transcribes the segments through a local HTTP transcription
// engine. The serve subcommand runs the long-lived service; import
// transcribes a WAV file offline.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Damonbodine/meetingcoder-sub000/internal/config"
	"github.com/Damonbodine/meetingcoder-sub000/internal/events"
	"github.com/Damonbodine/meetingcoder-sub000/internal/metrics"
	"github.com/Damonbodine/meetingcoder-sub000/internal/pipeline"
	"github.com/Damonbodine/meetingcoder-sub000/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "meetingcoder"
	serviceVersion    = "1.0.0"
)

// configPath is bound to the persistent --config flag.
var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meetingcoder",
		Short: "Capture, segment, and transcribe meeting audio",
		Long: "meetingcoder records meeting audio, segments it at natural pauses,\n" +
			"and transcribes the segments through a local HTTP transcription engine.",
		Version:       serviceVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newImportCmd())

	return root
}

// loadConfig reads the configured file. When the default path does not exist
// and no explicit --config was given, the built-in defaults are used;
// fromFile reports which case applied.
func loadConfig(cmd *cobra.Command) (cfg *config.Config, fromFile bool, err error) {
	cfg, err = config.Load(configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !cmd.Flags().Changed("config") && errors.Is(err, os.ErrNotExist) {
		return config.DefaultConfig(), false, nil
	}
	return nil, false, fmt.Errorf("failed to load configuration: %w", err)
}

// buildPipeline assembles the transcription engine and pipeline from config.
func buildPipeline(cfg *config.Config, m *metrics.Metrics, pub *events.Publisher, logger *slog.Logger) (*pipeline.Pipeline, error) {
	// Item-level retries live in the queue; the engine client adds one
	// transport-level retry for connection blips.
	engine, err := transcription.NewHTTPEngine(transcription.Config{
		Endpoint:      cfg.Transcription.Endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		MaxRetries:    1,
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
		Model:         cfg.Transcription.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transcription engine: %w", err)
	}

	p, err := pipeline.New(cfg, engine, nil, m, pub, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return p, nil
}

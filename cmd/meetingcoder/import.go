package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Damonbodine/meetingcoder-sub000/internal/config"
)

func newImportCmd() *cobra.Command {
	var meetingName string
	var fixedWindows bool

	cmd := &cobra.Command{
		Use:   "import <file.wav>",
		Short: "Transcribe a WAV file offline",
		Long: "Decode a 16-bit PCM mono WAV file, segment it, transcribe every chunk,\n" +
			"and print the resulting transcript.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// The transcript owns stdout; logs go to stderr.
			if cfg.Logging.Output == "stdout" {
				cfg.Logging.Output = "stderr"
			}
			if cmd.Flags().Changed("fixed-windows") {
				cfg.Segmenter.UseFixedWindowsForImports = fixedWindows
			}
			return runImport(cfg, args[0], meetingName)
		},
	}

	cmd.Flags().StringVar(&meetingName, "meeting", "", "Meeting name (defaults to the file name)")
	cmd.Flags().BoolVar(&fixedWindows, "fixed-windows", false, "Segment into fixed overlapping windows instead of silence boundaries")

	return cmd
}

func runImport(cfg *config.Config, path, meetingName string) error {
	logger := initLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(cfg, nil, nil, logger)
	if err != nil {
		return err
	}
	defer p.Shutdown()

	meeting, err := p.Import(ctx, path, meetingName)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	fmt.Printf("Meeting: %s\n", meeting.Name)
	fmt.Printf("Segments: %d\n\n", len(meeting.Segments))

	transcript := meeting.Transcript()
	if transcript == "" {
		fmt.Println("No speech detected.")
		return nil
	}
	fmt.Print(transcript)
	return nil
}

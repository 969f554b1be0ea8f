package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"go.aimuz.me/voicelink/config"
	"go.aimuz.me/voicelink/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Shared CLI flags.
var (
	logLevel string
	logJSON  bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "voicelink",
		Short: "Talk to a voice agent over a realtime socket",
		Long: `voicelink streams the microphone to a realtime voice backend and plays
the agent's spoken replies as they arrive.

Press Enter (or the global hotkey) to start and stop talking, q to quit.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := config.LoadDotEnv(); err != nil {
				slog.Warn("ignoring .env", "error", err)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssistant(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON")

	opts.bind(cmd.Flags())

	cmd.AddCommand(runCmd(), sessionCmd(), devserverCmd(), versionCmd())
	return cmd
}

func runCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interactive voice session (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssistant(cmd.Context(), opts)
		},
	}
	opts.bind(cmd.Flags())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "voicelink %s (%s, %s)\n", version, commit, date)
		},
	}
}

// loadConfig reads the config file and installs the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level := logLevel
	if level == "" {
		level = cfg.LogLevel
	}
	if err := logging.Setup(logging.Options{Level: level, JSON: logJSON}); err != nil {
		return nil, err
	}
	return cfg, nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/walkerholic/fallwatch/internal/config"
	"github.com/walkerholic/fallwatch/internal/logging"
)

var (
	cfgFile string
	version = "dev"
	cfg     *config.Config
	logger  = slog.Default()
	logFile io.Closer

	rootCmd = &cobra.Command{
		Use:   "fallwatch",
		Short: "Real-time fall-detection alerting client",
		Long: `fallwatch connects to a fall-detection backend, raises audible and
desktop alerts when the wearer falls, and runs the "are you OK?" countdown
that escalates to an emergency when nobody answers.`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (YAML)")
	pf.String("ws-url", "", "WebSocket endpoint prefix; the user id is appended")
	pf.String("api-url", "", "REST base URL of the backend")
	pf.String("user", "", "user id to monitor")
	pf.String("prefs-dir", "", "directory holding preferences.yaml")
	pf.String("journal", "", "path of the SQLite audit journal")
	pf.Bool("no-journal", false, "do not record the audit journal")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (text, json)")
	pf.String("log-file", "", "write logs to this file instead of stderr")

	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(prefsCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(mockserverCmd())
	rootCmd.AddCommand(versionCmd())
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if logFile != nil {
		logFile.Close()
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initConfig loads configuration from file, environment and the command's
// flags, then sets up logging. The monitor command redirects logging itself
// once the terminal is taken over.
func initConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	cfg = c

	if cfg.Logging.File == "" {
		logger, err = logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
		return err
	}
	f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	logFile = f
	logger, err = logging.SetupWriter(f, cfg.Logging.Level, cfg.Logging.Format)
	return err
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fallwatch %s\n", version)
		},
	}
}

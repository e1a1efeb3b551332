package main

import (
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/walkerholic/fallwatch/internal/app"
	"github.com/walkerholic/fallwatch/internal/logging"
)

func monitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Open the terminal console",
		Long: `Shows the connection and activity state of the monitored user, a log of
recent events and, after a fall, the confirmation countdown.

Keys: o answers "I'm OK", h asks for help, esc dismisses the banner, q quits.`,
		RunE: runMonitor,
	}
	cmd.Flags().Int("countdown", 0, "seconds to answer a fall before escalating")
	return cmd
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	// The console owns the terminal, so logs go to a file.
	path := cfg.Logging.File
	if path == "" {
		path = filepath.Join(os.TempDir(), "fallwatch.log")
	}
	f, err := tea.LogToFile(path, "fallwatch")
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	fileLog, err := logging.SetupWriter(f, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	rt := newRuntime(ctx, cfg, fileLog, os.Stdout)
	defer rt.close()

	bridge := app.NewBridge(rt.bus, 256)
	defer bridge.Close()

	p := tea.NewProgram(app.New(bridge, rt.workflow, cfg.Server.UserID),
		tea.WithAltScreen(), tea.WithContext(ctx))

	rt.start(ctx)

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("console: %w", err)
	}
	if n := bridge.Dropped(); n > 0 {
		fileLog.Warn("console dropped events", "count", n)
	}
	return nil
}

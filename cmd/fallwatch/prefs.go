package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/walkerholic/fallwatch/internal/alert"
	"github.com/walkerholic/fallwatch/internal/prefs"
	"gopkg.in/yaml.v3"
)

func prefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show or change alert preferences",
		Long: `Alert preferences control the volume and enable flag of each alert
category. They are stored as YAML in the preferences directory.`,
	}
	cmd.AddCommand(prefsShowCmd())
	cmd.AddCommand(prefsSetCmd())
	cmd.AddCommand(prefsResetCmd())
	cmd.AddCommand(prefsTestCmd())
	return cmd
}

func loadPrefs() (*prefs.Store, error) {
	store := prefs.NewStore(cfg.Prefs.Dir)
	if _, err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}

func prefsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current preferences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := loadPrefs()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(store.Current())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", store.Path(), out)
			return nil
		},
	}
}

func prefsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one preference",
		Long:  "Keys: " + strings.Join(prefs.Keys(), ", "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadPrefs()
			if err != nil {
				return err
			}
			if _, err := store.Update(func(p *prefs.Preferences) error {
				return p.Set(args[0], args[1])
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
			return nil
		},
	}
}

func prefsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Restore the default preferences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := prefs.NewStore(cfg.Prefs.Dir)
			if err := store.Reset(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "preferences reset (%s)\n", store.Path())
			return nil
		},
	}
}

const previewGrace = 500 * time.Millisecond

func testableTones() []alert.ToneName {
	return append(alert.ToneNames(), alert.ToneEmergency, alert.ToneCritical)
}

func prefsTestCmd() *cobra.Command {
	names := make([]string, 0, len(testableTones()))
	for _, n := range testableTones() {
		names = append(names, string(n))
	}
	return &cobra.Command{
		Use:       "test <tone>",
		Short:     "Play a tone at its configured volume",
		Long:      "Tones: " + strings.Join(names, ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := alert.ToneName(args[0])
			known := false
			for _, n := range testableTones() {
				known = known || n == name
			}
			if !known {
				return fmt.Errorf("unknown tone %q", args[0])
			}

			store, err := loadPrefs()
			if err != nil {
				return err
			}
			player := alert.NewCommandPlayer(logger)
			defer player.Close()
			d := alert.NewDispatcher(nil, alert.Options{Tones: player, Prefs: store, Logger: logger})
			if err := d.Preview(name); err != nil {
				logger.Warn("tone preview failed, ringing the terminal bell", "error", err)
				return alert.Bell{W: cmd.OutOrStdout()}.Play(alert.ToneCue(name, 1))
			}

			// Playback is asynchronous; closing the player would cut it off.
			length := alert.ToneCue(name, 1).Length()
			if name == alert.ToneEmergency || name == alert.ToneCritical {
				length = alert.EmergencyCue(name == alert.ToneCritical, 1).Length()
			}
			select {
			case <-time.After(length + previewGrace):
			case <-cmd.Context().Done():
			}
			return nil
		},
	}
}

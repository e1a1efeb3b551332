package main

import (
	"github.com/spf13/cobra"
	"github.com/walkerholic/fallwatch/internal/mockserver"
)

func mockserverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mockserver",
		Short: "Run a local stand-in for the fall-detection backend",
		Long: `Serves /ws/{user_id}, the emergency REST endpoints and /health. Every
connected user walks and idles in turn, and falls every --fall-every. A fall
nobody answers becomes a declared emergency after the window.

POST /api/mock/fall/{user_id} injects a fall on demand.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv := mockserver.New(mockserver.Options{
				Interval:  cfg.Mock.Interval,
				FallEvery: cfg.Mock.FallEvery,
				Window:    cfg.Mock.Window,
				Logger:    logger,
			})
			return srv.ListenAndServe(cmd.Context(), cfg.Mock.Listen)
		},
	}
	cmd.Flags().String("listen", "", "address to listen on (default localhost:8000)")
	cmd.Flags().Duration("interval", 0, "telemetry period per user (default 1s)")
	cmd.Flags().Duration("fall-every", 0, "automatic fall period, 0 disables (default 45s)")
	return cmd
}

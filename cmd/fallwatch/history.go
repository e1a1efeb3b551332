package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/walkerholic/fallwatch/internal/journal"
)

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent confirmations and emergencies from the audit journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Journal.Disabled {
				return errors.New("the audit journal is disabled")
			}
			path := cfg.Journal.Path
			if path == "" {
				path = journal.DefaultPath()
			}
			j, err := journal.Open(cmd.Context(), path, logger)
			if err != nil {
				return err
			}
			defer j.Close()

			entries, err := j.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			counts, err := j.Counts(cmd.Context())
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), entries, counts)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}

func printHistory(out io.Writer, entries []journal.Entry, counts map[string]int) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(out, "No journal entries yet.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tKIND\tUSER\tOUTCOME\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.At.Local().Format(time.DateTime), e.Kind, e.UserID, e.Outcome, e.Detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	outcomes := make([]string, 0, len(counts))
	for o := range counts {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	fmt.Fprint(out, "\nConfirmations:")
	for _, o := range outcomes {
		fmt.Fprintf(out, " %s=%d", o, counts[o])
	}
	_, err := fmt.Fprintln(out)
	return err
}

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"crabstack.local/projects/cu-backend/internal/eventlog"
	"crabstack.local/projects/cu-backend/internal/events"
)

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openInspectStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return listSessions(cmd, store, cmd.OutOrStdout())
		},
	}
}

func newEventsCmd() *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "events <session-id>",
		Short: "Print a session log as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openInspectStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return dumpEvents(cmd, store, args[0], after, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64Var(&after, "after", events.NoOffset, "only print events after this offset")
	return cmd
}

func openInspectStore() (eventlog.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.DBDriver == "memory" {
		return nil, fmt.Errorf("the memory store keeps nothing to inspect")
	}
	return openStore(cfg, newLogger())
}

func listSessions(cmd *cobra.Command, store eventlog.Store, out io.Writer) error {
	records, err := store.ListSessions(cmd.Context())
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, rec := range records {
		fmt.Fprintf(out, "%s  %-11s  %-28s  %s\n", rec.ID, rec.Status, rec.Model, rec.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

func dumpEvents(cmd *cobra.Command, store eventlog.Store, sessionID string, after int64, out io.Writer) error {
	if _, err := store.GetSession(cmd.Context(), sessionID); err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}
	const pageSize = 500
	enc := json.NewEncoder(out)
	for {
		page, err := store.ReadFrom(cmd.Context(), sessionID, after, pageSize)
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}
		for _, ev := range page {
			if err := enc.Encode(ev); err != nil {
				return err
			}
			after = ev.Offset
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

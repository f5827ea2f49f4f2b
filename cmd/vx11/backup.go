package main

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/vx11/internal/config"
	"github.com/basket/vx11/internal/persistence"
)

type backupReport struct {
	Source     string           `json:"source"`
	Dest       string           `json:"dest"`
	DurationMS int64            `json:"duration_ms"`
	Counts     map[string]int64 `json:"counts"`
	Verified   bool             `json:"verified"`
}

func backupCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "backup <dest>",
		Short: "Write a consistent copy of the store",
		Long: `backup copies vx11.db with VACUUM INTO. It is safe while serve is running.
With --verify (the default) the copy is reopened and its row counts are
compared with the live store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			rep, err := runBackup(cmd.Context(), config.DBPath(homeDir()), dest, verify)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput() {
				return printJSON(out, rep)
			}
			fmt.Fprintf(out, "backup=%s duration_ms=%d\n", rep.Dest, rep.DurationMS)
			for _, table := range slices.Sorted(maps.Keys(rep.Counts)) {
				fmt.Fprintf(out, "%s=%d\n", table, rep.Counts[table])
			}
			if verify {
				fmt.Fprintln(out, "verified=true")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", true, "reopen the copy and compare row counts")
	return cmd
}

func runBackup(ctx context.Context, source, dest string, verify bool) (backupReport, error) {
	rep := backupReport{Source: source, Dest: dest}
	store, err := persistence.Open(source, nil)
	if err != nil {
		return rep, fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	start := time.Now()
	if err := store.Backup(ctx, dest); err != nil {
		return rep, err
	}
	rep.DurationMS = time.Since(start).Milliseconds()
	if rep.Counts, err = store.TableCounts(ctx); err != nil {
		return rep, err
	}
	if !verify {
		return rep, nil
	}

	copyStore, err := persistence.Open(dest, nil)
	if err != nil {
		return rep, fmt.Errorf("open backup: %w", err)
	}
	defer copyStore.Close()
	got, err := copyStore.TableCounts(ctx)
	if err != nil {
		return rep, err
	}
	// The live store may only have grown since the copy was taken.
	for table, n := range got {
		if n > rep.Counts[table] {
			return rep, fmt.Errorf("backup has %d %s rows, live store has %d", n, table, rep.Counts[table])
		}
	}
	rep.Counts = got
	rep.Verified = true
	return rep, nil
}

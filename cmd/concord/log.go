package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hyperengineering/concord/internal/store"
	"github.com/spf13/cobra"
)

var tailCount int

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Inspect the replication log",
}

var logTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent replication log entries",
	Args:  cobra.NoArgs,
	RunE:  runLogTail,
}

func init() {
	logCmd.PersistentFlags().StringVar(&dbOverride, "db", "",
		"Node database path (overrides config and CONCORD_DB_PATH)")
	logCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")
	logTailCmd.Flags().IntVarP(&tailCount, "lines", "n", 20,
		"Number of entries to show")

	logCmd.AddCommand(logTailCmd)
}

func runLogTail(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	if tailCount <= 0 {
		return fmt.Errorf("--lines must be positive")
	}

	nodeID, dbPath, _, err := resolvePaths()
	if err != nil {
		return err
	}
	st, err := store.NewSQLiteStore(dbPath, store.WithNodeID(nodeID))
	if err != nil {
		return err
	}
	defer st.Close()

	current, err := st.CurrentSequence(ctx)
	if err != nil {
		return err
	}
	var after uint64
	if current > uint64(tailCount) {
		after = current - uint64(tailCount)
	}
	entries, err := st.EntriesAfter(ctx, after, tailCount)
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"current_sequence": current,
			"entries":          entries,
		})
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Replication log is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "SEQ\tORIGIN\tAUTHOR\tOPERATION\tTARGET\tKEY\tAGE")
	for _, e := range entries {
		target := e.Database
		if e.Collection != "" {
			target += "/" + e.Collection
		}
		key := e.Key
		if key == "" {
			key = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Sequence,
			e.Origin(),
			e.NodeID,
			e.Operation,
			target,
			key,
			humanize.Time(time.UnixMilli(int64(e.Timestamp))),
		)
	}
	w.Flush()

	return nil
}

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var databaseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all databases",
	Args:  cobra.NoArgs,
	RunE:  runDatabaseList,
}

func runDatabaseList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	dbs, err := engine.ListDatabases(ctx)
	if err != nil {
		return fmt.Errorf("list databases: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"databases": dbs,
			"total":     len(dbs),
		})
	}

	if len(dbs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No databases found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "NAME\tCOLLECTIONS\tDOCUMENTS\tSIZE\tLAST ACCESSED")
	for _, db := range dbs {
		colls := strings.Join(db.Collections, ",")
		if colls == "" {
			colls = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			db.Name,
			colls,
			humanize.Comma(db.Documents),
			humanize.IBytes(uint64(db.SizeBytes)),
			humanize.Time(db.LastAccessed),
		)
	}
	w.Flush()

	return nil
}

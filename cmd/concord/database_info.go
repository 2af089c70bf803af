package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var databaseInfoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show detailed information about a database",
	Args:  cobra.ExactArgs(1),
	RunE:  runDatabaseInfo,
}

func runDatabaseInfo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	info, err := engine.DatabaseInfo(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, info)
	}

	colls := strings.Join(info.Collections, ", ")
	if colls == "" {
		colls = "-"
	}

	fmt.Fprintf(out, "Database:      %s\n", info.Name)
	if info.Description != "" {
		fmt.Fprintf(out, "Description:   %s\n", info.Description)
	}
	fmt.Fprintf(out, "Created:       %s\n", info.Created.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "Last Accessed: %s (%s)\n", info.LastAccessed.Format("2006-01-02 15:04:05 MST"), humanize.Time(info.LastAccessed))
	fmt.Fprintf(out, "Size:          %s\n", humanize.IBytes(uint64(info.SizeBytes)))
	fmt.Fprintf(out, "Collections:   %s\n", colls)
	fmt.Fprintf(out, "Documents:     %s\n", humanize.Comma(info.Documents))

	return nil
}

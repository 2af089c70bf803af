package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/hyperengineering/concord/internal/docstore"
	"github.com/spf13/cobra"
)

var deleteForce bool

var databaseDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a database and all its data",
	Long:  "Permanently delete a database on every node. Requires --force or interactive confirmation.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDatabaseDelete,
}

func init() {
	databaseDeleteCmd.Flags().BoolVar(&deleteForce, "force", false,
		"Skip confirmation prompt")
}

func runDatabaseDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	ctx := context.Background()

	if err := docstore.ValidateName(name); err != nil {
		return err
	}

	// Interactive confirmation unless --force
	if !deleteForce {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "WARNING: This will permanently delete database %q and all its data.\n", name)
		fmt.Fprint(errOut, "Type the database name to confirm: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}

		if strings.TrimSpace(input) != name {
			fmt.Fprintln(errOut, "Aborted. Database name did not match.")
			return nil
		}
	}

	a, err := openAdminNode()
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := a.writer.DeleteDatabase(ctx, name)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"name":     name,
			"deleted":  true,
			"sequence": entry.Sequence,
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted database %q\n", name)
	return nil
}

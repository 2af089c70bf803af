package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/concord/internal/docstore"
	"github.com/spf13/cobra"
)

var createIfNotExists bool

var databaseCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new database",
	Long:  "Create a new, empty database. Names are alphanumeric with hyphens or underscores.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDatabaseCreate,
}

func init() {
	databaseCreateCmd.Flags().BoolVar(&createIfNotExists, "if-not-exists", false,
		"Exit 0 if the database already exists")
}

func runDatabaseCreate(cmd *cobra.Command, args []string) error {
	name := args[0]
	ctx := context.Background()

	if err := docstore.ValidateName(name); err != nil {
		return err
	}

	a, err := openAdminNode()
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := a.writer.CreateDatabase(ctx, name)
	if err != nil {
		if errors.Is(err, docstore.ErrAlreadyExists) && createIfNotExists {
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"name":            name,
					"already_existed": true,
				})
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Database %q already exists\n", name)
			return nil
		}
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"name":     name,
			"sequence": entry.Sequence,
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created database %q (sequence %d)\n", name, entry.Sequence)
	return nil
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/hyperengineering/concord/internal/config"
	"github.com/hyperengineering/concord/internal/docstore"
	"github.com/hyperengineering/concord/internal/replication"
	"github.com/hyperengineering/concord/internal/store"
	"github.com/hyperengineering/concord/internal/vclock"
	"github.com/spf13/cobra"
)

var (
	rootOverride string
	dbOverride   string
	jsonOutput   bool
)

var databaseCmd = &cobra.Command{
	Use:     "database",
	Aliases: []string{"db"},
	Short:   "Manage Concord databases",
	Long: "Create, list, inspect, and delete databases without running the server. " +
		"Creates and deletes are sequenced into the node's replication log and reach peers on the next gossip round.",
}

func init() {
	databaseCmd.PersistentFlags().StringVar(&rootOverride, "root", "",
		"Document storage root (overrides config and CONCORD_STORAGE_ROOT)")
	databaseCmd.PersistentFlags().StringVar(&dbOverride, "db", "",
		"Node database path (overrides config and CONCORD_DB_PATH)")
	databaseCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	databaseCmd.AddCommand(databaseCreateCmd)
	databaseCmd.AddCommand(databaseListCmd)
	databaseCmd.AddCommand(databaseInfoCmd)
	databaseCmd.AddCommand(databaseDeleteCmd)
}

// adminNode is the subset of a node the offline commands need.
type adminNode struct {
	store  *store.SQLiteStore
	engine *docstore.SQLiteEngine
	writer *replication.Writer
}

func (a *adminNode) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// resolvePaths returns the node database and storage root from config with
// the --db and --root overrides applied.
func resolvePaths() (nodeID, dbPath, rootPath string, err error) {
	cfg, err := config.LoadLocal()
	if err != nil {
		return "", "", "", fmt.Errorf("load config: %w", err)
	}
	dbPath, rootPath = cfg.Database.Path, cfg.Storage.RootPath
	if dbOverride != "" {
		dbPath = dbOverride
	}
	if rootOverride != "" {
		rootPath = rootOverride
	}
	return cfg.Node.ID, dbPath, rootPath, nil
}

// openEngine opens only the document engine, for read-only commands.
func openEngine() (*docstore.SQLiteEngine, error) {
	_, _, rootPath, err := resolvePaths()
	if err != nil {
		return nil, err
	}
	return docstore.NewSQLiteEngine(rootPath)
}

// openAdminNode opens the engine and node database behind a local writer.
func openAdminNode() (*adminNode, error) {
	nodeID, dbPath, rootPath, err := resolvePaths()
	if err != nil {
		return nil, err
	}
	a := &adminNode{}
	a.store, err = store.NewSQLiteStore(dbPath, store.WithNodeID(nodeID))
	if err != nil {
		return nil, err
	}
	a.engine, err = docstore.NewSQLiteEngine(rootPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.writer = replication.NewWriter(nodeID, a.engine, a.store, vclock.NewClock(), nil)
	return a, nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

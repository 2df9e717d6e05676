package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/provadorai/provador/internal/database"
	"github.com/provadorai/provador/internal/store"
)

// app carries the persistent flags shared by every command.
type app struct {
	dbPath    string
	serverURL string
	envFile   string
	asJSON    bool
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:          "tryonctl",
		Short:        "Operate the try-on credit ledger",
		Long:         "tryonctl manages store credit accounts directly in the ledger database, follows a store's live balance from a running service, and fetches archived results.",
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.dbPath, "db", "provador.db", "path to the ledger database")
	flags.StringVar(&a.serverURL, "server", "http://localhost:8080", "base URL of the try-on service")
	flags.StringVar(&a.envFile, "env-file", ".env", "env file with archive settings")
	flags.BoolVar(&a.asJSON, "json", false, "print JSON instead of text")

	rootCmd.AddCommand(
		newAccountCmd(a),
		newEligibilityCmd(a),
		newWatchCmd(a),
		newArchiveCmd(a),
	)
	return rootCmd
}

// openStore opens the ledger without a change notifier. Services following
// the feed pick the change up on their next refetch.
func (a *app) openStore() (*store.AccountStore, func(), error) {
	db, err := database.Open(a.dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return store.NewAccountStore(db, nil), func() { db.Close() }, nil
}

func (a *app) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/vincentbai/engagetrace/internal/database"
	"github.com/vincentbai/engagetrace/internal/identity"
)

var sessionCmd = &cobra.Command{
	Use:   "session [origin]",
	Short: "Print the persisted session id for an origin, creating it if absent",
	Args:  cobra.ExactArgs(1),
	RunE:  runSession,
}

func runSession(cmd *cobra.Command, args []string) error {
	origin, err := normalizeOrigin(args[0])
	if err != nil {
		return err
	}

	storagePath := cfg.StoragePath
	if storagePath == "" {
		storagePath, err = defaultStoragePath()
		if err != nil {
			return err
		}
	}
	db, err := database.NewDatabase(storagePath)
	if err != nil {
		return err
	}
	defer db.Close()

	sessionID := identity.NewStore(db.Origin(origin), logger).GetOrCreateSessionID()
	fmt.Fprintln(cmd.OutOrStdout(), sessionID)
	return nil
}

func normalizeOrigin(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid origin %q: expected scheme://host", raw)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

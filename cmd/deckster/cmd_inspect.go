package main

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/deckster/internal/store"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [session-id]",
	Short: "Print a stored session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := a.Repo.GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("%w: %s", store.ErrNotFound, args[0])
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(sess); err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		return nil
	},
}

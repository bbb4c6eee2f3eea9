package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meow-stack/ledger/internal/logging"
	"github.com/meow-stack/ledger/internal/operation"
	"github.com/meow-stack/ledger/internal/store"
)

var abortParticipant string

// abortCmd sets the persisted abort flag directly via the store, without
// going through a registry.Ledger, since aborting never requires holding a
// live session.
var abortCmd = &cobra.Command{
	Use:   "abort <operationId>",
	Short: "Set the abort flag, observable by every participant on their next heartbeat",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st := store.New(cfg.BasePath, lockOptionsFrom(cfg))
		core := operation.New(st, args[0], abortParticipant, 0, logging.NewDefault())
		if err := core.SetAbortFlag(true); err != nil {
			return err
		}
		fmt.Printf("aborted %s\n", args[0])
		return nil
	},
}

func init() {
	abortCmd.Flags().StringVar(&abortParticipant, "participant", "ledgerctl", "participant id recorded as the abort requester")
	rootCmd.AddCommand(abortCmd)
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meow-stack/ledger/internal/logging"
	"github.com/meow-stack/ledger/internal/registry"
)

var completeParticipant string

// completeCmd attaches as initiator, then completes the operation, which
// archives its three files under backup/<opId>/ and runs retention
// (registry.Ledger.Complete, spec.md §4.7).
var completeCmd = &cobra.Command{
	Use:   "complete <operationId>",
	Short: "Complete and archive an operation (initiator only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ledger, err := registry.New(cfg.BasePath, ledgerOptionsFrom(cfg), logging.NewDefault())
		if err != nil {
			return err
		}

		if _, err := ledger.JoinOperation(args[0], completeParticipant, os.Getpid()); err != nil {
			return err
		}
		if err := ledger.Complete(args[0], completeParticipant); err != nil {
			return err
		}
		fmt.Printf("completed %s\n", args[0])
		return nil
	},
}

func init() {
	completeCmd.Flags().StringVar(&completeParticipant, "participant", "ledgerctl", "participant id; must match the operation's initiator")
	rootCmd.AddCommand(completeCmd)
}

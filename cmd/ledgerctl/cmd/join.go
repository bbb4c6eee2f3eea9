package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meow-stack/ledger/internal/logging"
	"github.com/meow-stack/ledger/internal/registry"
)

var joinParticipant string

var joinCmd = &cobra.Command{
	Use:   "join <operationId>",
	Short: "Join an existing operation as a new participant session",
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

		sess, err := ledger.JoinOperation(args[0], joinParticipant, os.Getpid())
		if err != nil {
			return err
		}
		fmt.Printf("joined %s as session %d\n", sess.Core().OperationID(), sess.ID())
		return nil
	},
}

func init() {
	joinCmd.Flags().StringVar(&joinParticipant, "participant", "ledgerctl", "participant id to join as")
	rootCmd.AddCommand(joinCmd)
}

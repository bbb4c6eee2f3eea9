package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meow-stack/ledger/internal/logging"
	"github.com/meow-stack/ledger/internal/registry"
)

var (
	leaveParticipant string
	leaveCancel      bool
)

var leaveCmd = &cobra.Command{
	Use:   "leave <operationId>",
	Short: "Deregister a participant from an operation",
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

		sess, err := ledger.JoinOperation(args[0], leaveParticipant, os.Getpid())
		if err != nil {
			return err
		}
		if err := ledger.LeaveOperation(sess, leaveCancel); err != nil {
			return err
		}
		fmt.Printf("%s left %s\n", leaveParticipant, args[0])
		return nil
	},
}

func init() {
	leaveCmd.Flags().StringVar(&leaveParticipant, "participant", "ledgerctl", "participant id to leave as")
	leaveCmd.Flags().BoolVar(&leaveCancel, "cancel-pending", false, "cancel this participant's pending spawned calls instead of failing")
	rootCmd.AddCommand(leaveCmd)
}

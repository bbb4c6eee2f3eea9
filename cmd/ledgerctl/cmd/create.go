package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meow-stack/ledger/internal/logging"
	"github.com/meow-stack/ledger/internal/registry"
)

var createParticipant string
var createDescription string

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new operation and print its id",
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ledger, err := registry.New(cfg.BasePath, ledgerOptionsFrom(cfg), logging.NewDefault())
		if err != nil {
			return err
		}

		sess, err := ledger.CreateOperation(createParticipant, os.Getpid(), createDescription)
		if err != nil {
			return err
		}
		fmt.Println(sess.Core().OperationID())
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createParticipant, "participant", "ledgerctl", "participant id to create as")
	createCmd.Flags().StringVar(&createDescription, "description", "", "operation description")
	rootCmd.AddCommand(createCmd)
}

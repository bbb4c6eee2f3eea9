package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meow-stack/ledger/internal/store"
)

// statusCmd renders human-readable operation inspection, grounded on the
// teacher's internal/status/format.go table-rendering conventions.
var statusCmd = &cobra.Command{
	Use:   "status <operationId>",
	Short: "Show participants, call frames, and temp resources for an operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st := store.New(cfg.BasePath, lockOptionsFrom(cfg))

		op, err := st.Read(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("operation       %s\n", op.OperationID)
		fmt.Printf("initiator       %s\n", op.InitiatorID)
		fmt.Printf("state           %s\n", op.OperationState)
		fmt.Printf("aborted         %t\n", op.Aborted)
		fmt.Printf("lastHeartbeat   %s (%s ago)\n", op.LastHeartbeat.Format(time.RFC3339), time.Since(op.LastHeartbeat).Round(time.Second))
		fmt.Printf("\ncall frames (%d):\n", len(op.CallFrames))
		for _, f := range op.CallFrames {
			fmt.Printf("  %-24s participant=%-12s pid=%-8d age=%-10s failOnCrash=%t %s\n",
				f.CallID, f.ParticipantID, f.PID, time.Since(f.LastHeartbeat).Round(time.Second), f.FailOnCrash, f.Description)
		}
		fmt.Printf("\ntemp resources (%d):\n", len(op.TempResources))
		for _, r := range op.TempResources {
			fmt.Printf("  %-40s owner=%-8d registered=%s\n", r.Path, r.Owner, r.RegisteredAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

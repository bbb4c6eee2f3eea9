package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meow-stack/ledger/internal/ledgerindex"
)

// listCmd rebuilds the secondary bbolt index from the operation files in
// basePath on every run, then prints the entries read back from the index.
// It does not skip the directory scan.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known operations from the secondary index",
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		idx, err := ledgerindex.Open(cfg.IndexPath)
		if err != nil {
			return err
		}
		defer idx.Close()

		if err := ledgerindex.Rebuild(cfg.BasePath, idx); err != nil {
			return err
		}

		entries, err := idx.List()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no operations")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%-40s initiator=%-12s state=%-10s frames=%d lastHeartbeat=%s\n",
				e.OperationID, e.InitiatorID, e.OperationState, e.CallFrameCount, e.LastHeartbeat.Format("2006-01-02T15:04:05Z07:00"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

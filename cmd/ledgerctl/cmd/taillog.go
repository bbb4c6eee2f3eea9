package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meow-stack/ledger/internal/store"
)

var tailLogDebug bool

var tailLogCmd = &cobra.Command{
	Use:   "tail-log <operationId>",
	Short: "Print an operation's log file (--debug for the debug log)",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st := store.New(cfg.BasePath, lockOptionsFrom(cfg))

		path := st.LogPath(args[0])
		if tailLogDebug {
			path = st.DebugLogPath(args[0])
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	tailLogCmd.Flags().BoolVar(&tailLogDebug, "debug", false, "tail the debug log instead of the main log")
	rootCmd.AddCommand(tailLogCmd)
}

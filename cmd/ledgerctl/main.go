// Command ledgerctl is the ledger operator CLI: ambient tooling for manual
// participation and inspection, not exercised by the hard core's tests.
// Grounded on the teacher's cmd/meow/cmd/root.go: cobra root command with
// persistent flags, one file per subcommand.
package main

import (
	"fmt"
	"os"

	"github.com/meow-stack/ledger/cmd/ledgerctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

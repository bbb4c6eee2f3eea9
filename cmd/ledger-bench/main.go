// Command ledger-bench measures lock-acquisition and heartbeat-tick
// latency under a synthetic multi-participant workload, adapted from
// octoreflex's bench/cmd/latency (flag-driven, percentile-reporting)
// generalized to a YAML scenario file since this harness has more moving
// parts than latency's single target address.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/meow-stack/ledger/internal/logging"
)

func main() {
	scenarioPath := flag.String("scenario", "", "path to a YAML scenario file (defaults baked in if omitted)")
	baseDir := flag.String("base-dir", "", "scratch ledger base directory (a temp dir is created if omitted)")
	flag.Parse()

	scn, err := loadScenario(*scenarioPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load scenario: %v\n", err)
		os.Exit(1)
	}

	dir := *baseDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "ledger-bench-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "create scratch dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	logger := logging.NewDefault()
	results, err := run(scn, dir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("ledger-bench: %d operations, %d participants/op, %d calls/participant\n",
		results.Operations, scn.ParticipantsPerOp, scn.CallsPerParticipant)
	fmt.Printf("  calls completed:  %d\n", results.TotalCalls)
	fmt.Printf("  simulated crashes: %d\n", results.Crashes)
	fmt.Printf("  lock acquisition   p50=%s p95=%s p99=%s\n", results.LockP50, results.LockP95, results.LockP99)
	fmt.Printf("  heartbeat interval p50=%s p95=%s p99=%s\n", results.HeartbeatP50, results.HeartbeatP95, results.HeartbeatP99)
}

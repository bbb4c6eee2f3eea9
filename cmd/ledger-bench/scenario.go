package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario describes a synthetic workload against a scratch ledger base
// directory: some number of participants per operation each racing to
// start/end calls, and occasionally "crash" (stop heartbeating
// without ending their call), adapted from octoreflex's bench/cmd/latency
// flag-and-CSV style but driven by a YAML file since this harness has more
// shape than a handful of flags can carry cleanly.
type Scenario struct {
	Operations          int           `yaml:"operations"`
	ParticipantsPerOp   int           `yaml:"participantsPerOp"`
	CallsPerParticipant int           `yaml:"callsPerParticipant"`
	CrashProbability    float64       `yaml:"crashProbability"`
	HeartbeatInterval   time.Duration `yaml:"heartbeatInterval"`
	StaleThreshold      time.Duration `yaml:"staleThreshold"`
	RunFor              time.Duration `yaml:"runFor"`
}

func defaultScenario() Scenario {
	return Scenario{
		Operations:          4,
		ParticipantsPerOp:   3,
		CallsPerParticipant: 20,
		CrashProbability:    0.1,
		HeartbeatInterval:   100 * time.Millisecond,
		StaleThreshold:      300 * time.Millisecond,
		RunFor:              2 * time.Second,
	}
}

func loadScenario(path string) (Scenario, error) {
	s := defaultScenario()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meow-stack/ledger/internal/heartbeat"
	"github.com/meow-stack/ledger/internal/operation"
	"github.com/meow-stack/ledger/internal/registry"
)

// latencies collects samples under a mutex; percentile reporting sorts a
// copy rather than keeping the slice sorted on every insert.
type latencies struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (l *latencies) add(d time.Duration) {
	l.mu.Lock()
	l.samples = append(l.samples, d)
	l.mu.Unlock()
}

func (l *latencies) percentiles() (p50, p95, p99 time.Duration) {
	l.mu.Lock()
	cp := append([]time.Duration(nil), l.samples...)
	l.mu.Unlock()
	if len(cp) == 0 {
		return 0, 0, 0
	}
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	at := func(pct float64) time.Duration {
		idx := int(pct * float64(len(cp)-1))
		return cp[idx]
	}
	return at(0.50), at(0.95), at(0.99)
}

// Results summarizes one scenario run.
type Results struct {
	Operations   int
	TotalCalls   int
	Crashes      int
	LockP50      time.Duration
	LockP95      time.Duration
	LockP99      time.Duration
	HeartbeatP50 time.Duration
	HeartbeatP95 time.Duration
	HeartbeatP99 time.Duration
}

// run spins up scn.Operations operations, each with scn.ParticipantsPerOp
// concurrent synthetic participants racing calls against the same operation
// state, and reports lock-acquisition and heartbeat-tick-interval
// percentiles. The first participant per operation goes through
// registry.Ledger (exercising the real attach/session/heartbeat wiring);
// the rest build raw operation.Core + heartbeat.Engine pairs directly
// against the same store, since one registry.Ledger process binds a single
// participant identity per operation (spec.md's "Core" is a per-participant
// local view) and a benchmark wants many distinct participants contending
// on one operation's lock file.
func run(scn Scenario, basePath string, logger *slog.Logger) (Results, error) {
	ledger, err := registry.New(basePath, registry.Options{
		HeartbeatInterval: scn.HeartbeatInterval,
		StaleThreshold:    scn.StaleThreshold,
	}, logger)
	if err != nil {
		return Results{}, err
	}

	lockLat := &latencies{}
	hbLat := &latencies{}
	var crashes int32
	var totalCalls int32

	var wg sync.WaitGroup
	for op := 0; op < scn.Operations; op++ {
		initiator := fmt.Sprintf("bench-op%d-p0", op)
		sess, err := ledger.CreateOperation(initiator, 10000+op, "ledger-bench scenario run")
		if err != nil {
			return Results{}, err
		}
		opID := sess.Core().OperationID()

		for p := 0; p < scn.ParticipantsPerOp; p++ {
			p := p
			var core *operation.Core
			var stopHeartbeat func()

			if p == 0 {
				core = sess.Core()
				stopHeartbeat = func() { _ = ledger.LeaveOperation(sess, false) }
			} else {
				pid := 10000 + op*100 + p
				participantID := fmt.Sprintf("bench-op%d-p%d", op, p)
				core = operation.New(ledger.Store(), opID, participantID, pid, logger)
				onResult := tickRecorder(hbLat)
				hb := heartbeat.New(core, heartbeat.Options{
					Interval:           scn.HeartbeatInterval,
					StalenessThreshold: scn.StaleThreshold,
				}, logger, onResult, nil, nil, nil)
				hb.Start()
				stopHeartbeat = hb.Stop
			}

			wg.Add(1)
			go func(core *operation.Core, stop func()) {
				defer wg.Done()
				defer stop()
				runParticipant(scn, core, lockLat, &crashes, &totalCalls)
			}(core, stopHeartbeat)
		}
	}
	wg.Wait()

	lp50, lp95, lp99 := lockLat.percentiles()
	hp50, hp95, hp99 := hbLat.percentiles()
	return Results{
		Operations:   scn.Operations,
		TotalCalls:   int(totalCalls),
		Crashes:      int(crashes),
		LockP50:      lp50,
		LockP95:      lp95,
		LockP99:      lp99,
		HeartbeatP50: hp50,
		HeartbeatP95: hp95,
		HeartbeatP99: hp99,
	}, nil
}

// tickRecorder returns an onResult callback that records the wall-clock gap
// between consecutive successful ticks for one core, a proxy for
// heartbeat-loop jitter around the configured interval.
func tickRecorder(lat *latencies) func(heartbeat.Result) {
	var last time.Time
	var mu sync.Mutex
	return func(heartbeat.Result) {
		now := time.Now()
		mu.Lock()
		prev := last
		last = now
		mu.Unlock()
		if !prev.IsZero() {
			lat.add(now.Sub(prev))
		}
	}
}

func runParticipant(scn Scenario, core *operation.Core, lockLat *latencies, crashes, totalCalls *int32) {
	for c := 0; c < scn.CallsPerParticipant; c++ {
		start := time.Now()
		call, err := core.StartCall("bench call", true)
		lockLat.add(time.Since(start))
		if err != nil {
			continue
		}
		atomic.AddInt32(totalCalls, 1)

		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)

		if rand.Float64() < scn.CrashProbability {
			atomic.AddInt32(crashes, 1)
			return // simulate a crash: never End(), stop heartbeating via defer in caller
		}
		_ = call.End()
	}
}

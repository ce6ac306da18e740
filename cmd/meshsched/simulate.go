package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	meshsched "github.com/meshbbs/meshsched"
	"github.com/meshbbs/meshsched/contracts"
	"github.com/meshbbs/meshsched/internal/config"
	"github.com/meshbbs/meshsched/internal/reliability"
	"github.com/meshbbs/meshsched/messaging"
	"github.com/meshbbs/meshsched/transports/loopback"
	"github.com/spf13/cobra"
)

// simulation describes one synthetic traffic burst
type simulation struct {
	Messages      int
	Nodes         int
	BroadcastRate float64
	DropRate      float64
	AckDelay      time.Duration
	SendGap       time.Duration
	Seed          int64
}

// simulationResult summarises a finished run
type simulationResult struct {
	Submitted  int
	Rejected   map[string]int
	Delivered  int
	Failed     map[string]int
	ByPriority map[contracts.Priority]int
	Stats      contracts.Stats
	Elapsed    time.Duration
}

func newSimulateCommand(flags *globalFlags) *cobra.Command {
	sim := simulation{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Push a burst of mixed-priority traffic through an in-process radio",
		Long: `simulate runs the scheduler over a loopback radio that acknowledges direct
frames after a delay, optionally losing some, and reports what happened to
every message.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			res, err := runSimulation(ctx, cfg, sim, cfg.NewLogger())
			if err != nil {
				return err
			}
			printSimulation(cmd.OutOrStdout(), res)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&sim.Messages, "messages", "n", 50, "Number of messages to submit")
	f.IntVar(&sim.Nodes, "nodes", 8, "Number of distinct destination nodes")
	f.Float64Var(&sim.BroadcastRate, "broadcast-rate", 0.2, "Fraction of messages sent as channel broadcasts")
	f.Float64Var(&sim.DropRate, "drop-rate", 0.1, "Fraction of direct frames whose acknowledgment is lost")
	f.DurationVar(&sim.AckDelay, "ack-delay", 200*time.Millisecond, "Delay before the radio acknowledges a direct frame")
	f.DurationVar(&sim.SendGap, "send-gap", 20*time.Millisecond, "Minimum gap between radio writes")
	f.Int64Var(&sim.Seed, "seed", 1, "Seed for traffic and loss decisions")
	return cmd
}

// runSimulation submits sim.Messages messages and waits until each has a
// final outcome or ctx ends
func runSimulation(ctx context.Context, cfg config.Config, sim simulation, logger *slog.Logger) (*simulationResult, error) {
	if sim.Messages <= 0 || sim.Nodes <= 0 {
		return nil, errors.New("messages and nodes must be positive")
	}

	transport := loopback.New(
		loopback.WithAckDelay(sim.AckDelay),
		loopback.WithDropRate(sim.DropRate),
		loopback.WithSeed(sim.Seed),
		loopback.WithLogger(logger))

	schedCfg := cfg.SchedulerConfig()
	schedCfg.MinSendGap = sim.SendGap
	// ack expiry follows the simulated radio
	schedCfg.PendingMaxAge = 5 * sim.AckDelay
	schedCfg.PendingCleanupInterval = sim.AckDelay
	if schedCfg.PendingMaxAge <= 0 {
		schedCfg.PendingMaxAge = time.Second
		schedCfg.PendingCleanupInterval = 200 * time.Millisecond
	}

	client, err := meshsched.NewClientWithOptions(transport,
		meshsched.WithLogger(logger),
		meshsched.WithSchedulerConfig(schedCfg),
		meshsched.WithRetryPolicy(reliability.NewFixedDelay(sim.AckDelay, cfg.MaxRetries)))
	if err != nil {
		return nil, err
	}
	defer client.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	runDone := make(chan error, 1)
	go func() {
		runDone <- client.Run(runCtx)
	}()

	start := time.Now()
	rng := rand.New(rand.NewSource(sim.Seed))
	res := &simulationResult{
		Rejected:   make(map[string]int),
		Failed:     make(map[string]int),
		ByPriority: make(map[contracts.Priority]int),
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		handles []*messaging.MessageHandle
	)
	for i := 0; i < sim.Messages; i++ {
		priority := contracts.Priority(rng.Intn(int(contracts.MaxPriority) + 1))
		payload := []byte(fmt.Sprintf("sim %d %s", i, priority))

		var h *messaging.MessageHandle
		if rng.Float64() < sim.BroadcastRate {
			h, err = client.Broadcast(ctx, payload, priority)
		} else {
			dest := contracts.NodeID(0x1000 + rng.Intn(sim.Nodes))
			h, err = client.Direct(ctx, dest, payload, priority)
		}
		if err != nil {
			res.Rejected[reliability.FailureCode(err)]++
			continue
		}
		res.Submitted++
		res.ByPriority[priority]++
		handles = append(handles, h)
	}

	for _, h := range handles {
		wg.Add(1)
		go func(h *messaging.MessageHandle) {
			defer wg.Done()
			outcome, err := h.Wait(ctx)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed["interrupted"]++
			case outcome.Delivered:
				res.Delivered++
			default:
				res.Failed[reliability.FailureCode(outcome.Err)]++
			}
		}(h)
	}
	wg.Wait()

	res.Stats = client.Stats()
	res.Elapsed = time.Since(start)

	stop()
	if err := <-runDone; err != nil {
		return nil, err
	}
	return res, nil
}

func printSimulation(w io.Writer, res *simulationResult) {
	fmt.Fprintf(w, "Simulation finished in %s\n", res.Elapsed.Truncate(time.Millisecond))
	fmt.Fprintln(w, strings.Repeat("-", 40))
	fmt.Fprintf(w, "%-20s %d\n", "Submitted", res.Submitted)
	for p := contracts.PriorityLow; p <= contracts.MaxPriority; p++ {
		fmt.Fprintf(w, "  %-18s %d\n", p, res.ByPriority[p])
	}
	fmt.Fprintf(w, "%-20s %d\n", "Delivered", res.Delivered)
	for code, n := range res.Failed {
		fmt.Fprintf(w, "%-20s %d\n", "Failed ("+code+")", n)
	}
	for code, n := range res.Rejected {
		fmt.Fprintf(w, "%-20s %d\n", "Rejected ("+code+")", n)
	}
	fmt.Fprintln(w, strings.Repeat("-", 40))
	fmt.Fprintf(w, "%-20s %d\n", "Dispatched", res.Stats.DispatchedTotal)
	fmt.Fprintf(w, "%-20s %d\n", "Dropped", res.Stats.DroppedTotal)
	fmt.Fprintf(w, "%-20s %d\n", "Escalations", res.Stats.EscalationsTotal)
}

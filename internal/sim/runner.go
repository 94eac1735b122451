package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"

	"github.com/safmesh/safmesh/internal/access"
	"github.com/safmesh/safmesh/internal/clock"
	"github.com/safmesh/safmesh/internal/config"
	"github.com/safmesh/safmesh/internal/metrics"
	"github.com/safmesh/safmesh/internal/saf"
	"github.com/safmesh/safmesh/internal/tracing"
)

// Options are the run's optional collaborators.
type Options struct {
	RunID    string               // generated when empty
	Registry *prometheus.Registry // fresh registry when nil
	Recorder *tracing.Recorder    // no packet trace when nil
	Logger   zerolog.Logger
}

// NodeSummary is a node's end-of-run cache state.
type NodeSummary struct {
	Index    int    `yaml:"index"`
	Address  string `yaml:"address"`
	Replicas int    `yaml:"replicas"`
}

// Result is the outcome of one simulation run.
type Result struct {
	RunID     string             `yaml:"run_id"`
	Duration  config.Duration    `yaml:"duration"`
	Events    uint64             `yaml:"events"`
	Medium    MediumStats        `yaml:"medium"`
	Nodes     []NodeSummary      `yaml:"nodes"`
	Report    *metrics.Report    `yaml:"report"`
	Collector *metrics.Collector `yaml:"-"`
}

// Seed derives the run's root seed. Different runs of the same seed give
// independent streams.
func Seed(seed, run uint64) uint64 {
	return seed*0x9e3779b97f4a7c15 + run
}

type member struct {
	node *saf.Node
	port *Port
}

// Run validates cfg, builds the network and drives it from zero to cfg.RunTime.
func Run(ctx context.Context, cfg *config.Config, opts Options) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := opts.Logger.With().Str("run", runID).Logger()
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	clk := clock.NewVirtual()
	root := rand.New(rand.NewSource(Seed(cfg.Seed, cfg.Run)))
	child := func() *rand.Rand { return rand.New(rand.NewSource(root.Uint64())) }

	medium := NewMedium(MediumConfig{
		Clock:    clk,
		Radius:   cfg.Radio.WifiRadius,
		Loss:     cfg.Radio.Loss,
		Delay:    cfg.Radio.PropagationDelay.Std(),
		Rand:     child(),
		Recorder: opts.Recorder,
		Logger:   logger,
	})
	collector := metrics.NewCollector(reg)

	wp := WaypointConfig{
		Width:    cfg.Area.Width,
		Length:   cfg.Area.Length,
		MinSpeed: cfg.Mobility.MinSpeed,
		MaxSpeed: cfg.Mobility.MaxSpeed,
		MinPause: cfg.Mobility.MinPause.Std(),
		MaxPause: cfg.Mobility.MaxPause.Std(),
	}

	members := make([]member, 0, cfg.TotalNodes)
	for i := 0; i < cfg.TotalNodes; i++ {
		addr := Address(i)
		port, err := medium.Attach(addr, NewWaypoint(wp, child()))
		if err != nil {
			return nil, fmt.Errorf("attach node %d: %w", i, err)
		}
		node, err := saf.New(saf.Config{
			Index:              i,
			Address:            addr,
			TotalNodes:         cfg.TotalNodes,
			TotalItems:         cfg.DataItems,
			ReplicaCapacity:    cfg.ReplicaSpace,
			DataSize:           cfg.DataSize,
			ReallocationPeriod: cfg.RelocationPeriod.Std(),
			RequestTimeout:     cfg.RequestTimeout.Std(),
			Mode:               access.Mode(cfg.AccessFrequencyType),
			StdDev:             cfg.StandardDeviation,
			MinLookupDelay:     cfg.MinLookupDelay.Std(),
			StopAt:             cfg.RunTime.Std(),
			Clock:              clk,
			Transport:          port,
			Stats:              collector.ForNode(i),
			Rand:               child(),
			Logger:             logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create node %d: %w", i, err)
		}
		members = append(members, member{node: node, port: port})
	}

	clk.ScheduleAt(cfg.StartDelay.Std(), func() {
		for _, m := range members {
			m.port.SetUp(true)
		}
		for _, m := range members {
			m.node.OnStart()
		}
	})
	clk.ScheduleAt(cfg.RunTime.Std(), func() {
		for _, m := range members {
			m.node.OnStop()
			m.port.SetUp(false)
		}
	})

	logger.Info().
		Int("nodes", cfg.TotalNodes).
		Int("items", cfg.DataItems).
		Dur("run_time", cfg.RunTime.Std()).
		Msg("simulation starting")
	started := time.Now()

	if err := clk.Run(ctx, cfg.RunTime.Std()); err != nil {
		return nil, fmt.Errorf("simulation interrupted at %s: %w", clk.Now(), err)
	}

	report, err := collector.Snapshot()
	if err != nil {
		return nil, err
	}
	report.RunID = runID

	res := &Result{
		RunID:     runID,
		Duration:  cfg.RunTime,
		Events:    clk.Processed(),
		Medium:    medium.Stats(),
		Report:    report,
		Collector: collector,
	}
	for _, m := range members {
		res.Nodes = append(res.Nodes, NodeSummary{
			Index:    m.node.Index(),
			Address:  m.node.Address(),
			Replicas: m.node.Store().ReplicaCount(),
		})
	}

	logger.Info().
		Uint64("events", res.Events).
		Uint64("packets", res.Medium.Sent).
		Dur("wall", time.Since(started)).
		Msg("simulation finished")
	return res, nil
}

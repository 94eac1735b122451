// Package saf implements the replica caching and lookup protocol run by every node.
//
// A node holds a fixed partition of original items and a bounded pool of
// replicas. It looks items up on a per-item exponential schedule, periodically
// chases missing high-value items as replicas, and answers peers' requests for
// anything it holds. All work runs on the node's clock; nothing here blocks.
package saf

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"

	"github.com/safmesh/safmesh/internal/access"
	"github.com/safmesh/safmesh/internal/cache"
	"github.com/safmesh/safmesh/internal/clock"
	"github.com/safmesh/safmesh/internal/config"
	"github.com/safmesh/safmesh/internal/metrics"
	"github.com/safmesh/safmesh/internal/pending"
)

// Config contains everything a node needs. Zero values are not defaulted;
// New rejects anything invalid.
type Config struct {
	Index              int // position in the network, 0-based
	Address            string
	TotalNodes         int
	TotalItems         int
	ReplicaCapacity    int
	DataSize           uint32
	ReallocationPeriod time.Duration
	RequestTimeout     time.Duration
	Mode               access.Mode
	StdDev             float64
	MinLookupDelay     time.Duration
	StopAt             time.Duration // absolute; 0 means the node may run forever

	Clock     clock.Scheduler
	Transport Transport
	Stats     StatsSink
	Rand      *rand.Rand
	Logger    zerolog.Logger
}

func (c *Config) validate() error {
	switch {
	case c.Clock == nil:
		return fmt.Errorf("%w: clock is required", config.ErrInvalidConfig)
	case c.Transport == nil:
		return fmt.Errorf("%w: transport is required", config.ErrInvalidConfig)
	case c.Rand == nil:
		return fmt.Errorf("%w: random source is required", config.ErrInvalidConfig)
	case c.TotalNodes <= 0:
		return fmt.Errorf("%w: total nodes must be positive, got %d", config.ErrInvalidConfig, c.TotalNodes)
	case c.TotalItems <= 0 || c.TotalItems > math.MaxUint16:
		return fmt.Errorf("%w: total items out of range: %d", config.ErrInvalidConfig, c.TotalItems)
	case c.TotalItems%c.TotalNodes != 0:
		return fmt.Errorf("%w: total items %d not divisible by total nodes %d",
			config.ErrInvalidConfig, c.TotalItems, c.TotalNodes)
	case c.Index < 0 || c.Index >= c.TotalNodes:
		return fmt.Errorf("%w: node index %d out of range", config.ErrInvalidConfig, c.Index)
	case c.DataSize == 0:
		return fmt.Errorf("%w: data size must be positive", config.ErrInvalidConfig)
	case c.ReplicaCapacity < 0:
		return fmt.Errorf("%w: replica capacity must be non-negative", config.ErrInvalidConfig)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("%w: request timeout must be positive", config.ErrInvalidConfig)
	case c.ReallocationPeriod <= 0:
		return fmt.Errorf("%w: reallocation period must be positive", config.ErrInvalidConfig)
	case !c.Mode.Valid():
		return fmt.Errorf("%w: %w: %d", config.ErrInvalidConfig, access.ErrInvalidMode, int(c.Mode))
	case c.StdDev < 0:
		return fmt.Errorf("%w: standard deviation must be non-negative", config.ErrInvalidConfig)
	}
	return nil
}

// Node is one protocol participant. It implements NetworkNode.
// A node is driven by a single event loop and is not safe for concurrent use.
type Node struct {
	cfg    Config
	clock  clock.Scheduler
	tx     Transport
	stats  StatsSink
	logger zerolog.Logger

	store      *cache.Store
	model      *access.Model
	pending    *pending.Registry
	replicator *Replicator

	lookups map[uint16]clock.Timer // next scheduled lookup per item
	nextID  uint32
	running bool
}

var _ NetworkNode = (*Node)(nil)

// New builds a node and registers it with the transport. Nothing is
// scheduled until OnStart.
func New(cfg Config) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Stats == nil {
		cfg.Stats = nopStats{}
	}
	if cfg.MinLookupDelay <= 0 {
		cfg.MinLookupDelay = time.Millisecond
	}

	logger := cfg.Logger.With().Int("node", cfg.Index).Logger()

	originals, err := cache.Partition(cfg.Index, cfg.TotalNodes, cfg.TotalItems, cfg.DataSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	model, err := access.New(access.Config{
		Mode:       cfg.Mode,
		StdDev:     cfg.StdDev,
		Period:     cfg.ReallocationPeriod,
		MinDelay:   cfg.MinLookupDelay,
		TotalItems: cfg.TotalItems,
	}, cfg.Rand)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	n := &Node{
		cfg:     cfg,
		clock:   cfg.Clock,
		tx:      cfg.Transport,
		stats:   cfg.Stats,
		logger:  logger.With().Str("component", "saf").Logger(),
		store:   cache.New(originals, cfg.ReplicaCapacity, cfg.TotalItems, logger),
		model:   model,
		lookups: make(map[uint16]clock.Timer, cfg.TotalItems),
	}
	n.pending = pending.New(pending.Config{
		Clock:     cfg.Clock,
		Timeout:   cfg.RequestTimeout,
		StopAt:    cfg.StopAt,
		OnTimeout: n.onTimeout,
		Logger:    logger,
	})
	n.replicator = NewReplicator(ReplicatorConfig{
		Clock:  cfg.Clock,
		Period: cfg.ReallocationPeriod,
		Store:  n.store,
		Model:  model,
		Fetch: func(id uint16) bool {
			_, sent := n.askPeers(id, pending.Reallocation)
			return sent
		},
		Logger: logger,
	})

	cfg.Transport.RegisterHandler(n.OnMessage)
	return n, nil
}

// Index returns the node's position in the network.
func (n *Node) Index() int {
	return n.cfg.Index
}

// Address returns the node's transport address.
func (n *Node) Address() string {
	return n.cfg.Address
}

// Store exposes the node's cache for inspection.
func (n *Node) Store() *cache.Store {
	return n.store
}

// Model exposes the node's access frequency model.
func (n *Node) Model() *access.Model {
	return n.model
}

// Replicator exposes the node's reallocation scheduler.
func (n *Node) Replicator() *Replicator {
	return n.replicator
}

// Running reports whether the node is between OnStart and OnStop.
func (n *Node) Running() bool {
	return n.running
}

// PendingCount returns the number of outstanding requests of a kind.
func (n *Node) PendingCount(kind pending.Kind) int {
	return n.pending.Len(kind)
}

// OnStart schedules the first lookup of every item and the first reallocation cycle.
func (n *Node) OnStart() {
	if n.running {
		return
	}
	n.running = true
	n.logger.Info().
		Int("originals", len(n.store.Originals())).
		Int("replica_capacity", n.store.Capacity()).
		Str("mode", n.model.Mode().String()).
		Msg("node started")

	for id := 1; id <= n.cfg.TotalItems; id++ {
		n.scheduleLookup(uint16(id))
	}
	n.replicator.Start()
}

// OnStop cancels all scheduled work and reports requests that never resolved.
func (n *Node) OnStop() {
	if !n.running {
		return
	}
	n.running = false
	n.replicator.Stop()

	for id, t := range n.lookups {
		t.Cancel()
		delete(n.lookups, id)
	}

	for _, req := range n.pending.Shutdown() {
		n.logger.Info().
			Uint32("request", req.ID).
			Str("kind", req.Kind.String()).
			Uint16("item", req.ItemID).
			Msg("simulation ended before request resolved")
		if req.Kind == pending.Reallocation {
			n.stats.Inc(metrics.ReallocUnresolved)
		} else {
			n.stats.Inc(metrics.LookupUnresolved)
		}
	}

	n.logger.Info().Int("replicas", n.store.ReplicaCount()).Msg("node stopped")
}

func (n *Node) nextRequestID() uint32 {
	n.nextID++
	if n.nextID == 0 {
		n.nextID = 1
	}
	return n.nextID
}

// scheduleLookup arms the next lookup of id, unless it would fire at or after stop.
func (n *Node) scheduleLookup(id uint16) {
	delay := n.model.NextDelay(id)
	if n.cfg.StopAt > 0 && n.clock.Now()+delay >= n.cfg.StopAt {
		delete(n.lookups, id)
		return
	}
	n.lookups[id] = n.clock.ScheduleAfter(delay, func() {
		if !n.running {
			return
		}
		n.Lookup(id)
		n.scheduleLookup(id)
	})
}

func (n *Node) onTimeout(req pending.Request) {
	if !n.running {
		return
	}
	if req.Kind == pending.Reallocation {
		n.stats.Inc(metrics.ReallocTimeout)
	} else {
		n.stats.Inc(metrics.LookupTimeout)
	}
}

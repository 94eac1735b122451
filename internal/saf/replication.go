package saf

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/safmesh/safmesh/internal/access"
	"github.com/safmesh/safmesh/internal/cache"
	"github.com/safmesh/safmesh/internal/clock"
)

// State is the reallocation scheduler's lifecycle state.
type State int

const (
	Idle State = iota
	Evaluating
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Evaluating:
		return "evaluating"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ReplicatorConfig holds the scheduler's collaborators.
type ReplicatorConfig struct {
	Clock  clock.Scheduler
	Period time.Duration
	Store  *cache.Store
	Model  *access.Model
	Fetch  func(id uint16) bool // issues a reallocation request, reports whether it was sent
	Logger zerolog.Logger
}

// Replicator periodically requests the highest-ranked items the node is missing.
type Replicator struct {
	clock  clock.Scheduler
	period time.Duration
	store  *cache.Store
	model  *access.Model
	fetch  func(id uint16) bool
	logger zerolog.Logger

	state  State
	timer  clock.Timer
	cycles int
}

// NewReplicator creates an idle scheduler. Nothing fires until Start.
func NewReplicator(cfg ReplicatorConfig) *Replicator {
	return &Replicator{
		clock:  cfg.Clock,
		period: cfg.Period,
		store:  cfg.Store,
		model:  cfg.Model,
		fetch:  cfg.Fetch,
		logger: cfg.Logger.With().Str("component", "replicator").Logger(),
		state:  Idle,
	}
}

// State returns the current state.
func (r *Replicator) State() State {
	return r.state
}

// Cycles returns how many times the timer has fired.
func (r *Replicator) Cycles() int {
	return r.cycles
}

// Start arms the first cycle one period from now.
func (r *Replicator) Start() {
	if r.state == Stopped || r.timer != nil {
		return
	}
	r.timer = r.clock.ScheduleAfter(r.period, r.fire)
}

// Stop cancels the timer. A stopped scheduler never fires again.
func (r *Replicator) Stop() {
	if r.timer != nil {
		r.timer.Cancel()
		r.timer = nil
	}
	r.transition(Stopped)
}

func (r *Replicator) fire() {
	if r.state == Stopped {
		return
	}
	r.cycles++
	r.transition(Evaluating)
	issued := r.Evaluate()
	r.transition(Idle)
	r.logger.Debug().Int("cycle", r.cycles).Int("requests", issued).Msg("reallocation cycle")
	r.timer = r.clock.ScheduleAfter(r.period, r.fire)
}

// Evaluate requests every top-ranked item the node does not hold and returns
// how many requests were sent. Items held as originals or replicas are not
// requested. A full pool issues nothing.
func (r *Replicator) Evaluate() int {
	if r.store.Full() {
		return 0
	}
	issued := 0
	for _, ranked := range r.model.Top(r.store.Capacity()) {
		if r.store.ContainsStored(ranked.ID) {
			continue
		}
		if r.fetch(ranked.ID) {
			issued++
		}
	}
	return issued
}

func (r *Replicator) transition(to State) {
	if r.state == to {
		return
	}
	r.logger.Debug().
		Str("from", r.state.String()).
		Str("to", to.String()).
		Msg("state transition")
	r.state = to
}

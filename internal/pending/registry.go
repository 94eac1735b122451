// Package pending tracks requests awaiting a response.
//
// Lookups and reallocations live in separate sets keyed by request id. An entry
// leaves its set exactly once: resolved by a response, expired by its timeout,
// or drained at shutdown.
package pending

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/safmesh/safmesh/internal/clock"
)

// Kind separates the two request sets.
type Kind int

const (
	Lookup Kind = iota
	Reallocation
)

func (k Kind) String() string {
	if k == Reallocation {
		return "reallocation"
	}
	return "lookup"
}

// KindOf maps a wire reallocation flag to a Kind.
func KindOf(reallocation bool) Kind {
	if reallocation {
		return Reallocation
	}
	return Lookup
}

// Request is an outstanding request.
type Request struct {
	ID       uint32
	Kind     Kind
	ItemID   uint16
	IssuedAt time.Duration
}

type entry struct {
	req   Request
	timer clock.Timer
}

// Config holds the registry's collaborators and limits.
type Config struct {
	Clock     clock.Scheduler
	Timeout   time.Duration
	StopAt    time.Duration // timeouts are not armed at or past this time; 0 means never stop
	OnTimeout func(Request)
	Logger    zerolog.Logger
}

// Registry holds the lookup and reallocation sets of one node.
// Not safe for concurrent use.
type Registry struct {
	clock     clock.Scheduler
	timeout   time.Duration
	stopAt    time.Duration
	onTimeout func(Request)
	logger    zerolog.Logger
	sets      [2]map[uint32]*entry
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	return &Registry{
		clock:     cfg.Clock,
		timeout:   cfg.Timeout,
		stopAt:    cfg.StopAt,
		onTimeout: cfg.OnTimeout,
		logger:    cfg.Logger.With().Str("component", "pending").Logger(),
		sets: [2]map[uint32]*entry{
			Lookup:       make(map[uint32]*entry),
			Reallocation: make(map[uint32]*entry),
		},
	}
}

func (r *Registry) set(k Kind) map[uint32]*entry {
	if k == Reallocation {
		return r.sets[Reallocation]
	}
	return r.sets[Lookup]
}

// Register adds req to its kind's set. An existing entry with the same id is replaced.
func (r *Registry) Register(req Request) {
	set := r.set(req.Kind)
	if old, ok := set[req.ID]; ok && old.timer != nil {
		old.timer.Cancel()
	}
	set[req.ID] = &entry{req: req}
}

// ArmTimeout schedules the timeout for a registered request. It returns false,
// scheduling nothing, if the request is unknown or the deadline would fall at
// or after the stop time.
func (r *Registry) ArmTimeout(id uint32, kind Kind) bool {
	e, ok := r.set(kind)[id]
	if !ok {
		return false
	}
	deadline := r.clock.Now() + r.timeout
	if r.stopAt > 0 && deadline >= r.stopAt {
		r.logger.Debug().
			Uint32("request", id).
			Dur("deadline", deadline).
			Msg("deadline past stop time, timeout not armed")
		return false
	}
	if e.timer != nil {
		e.timer.Cancel()
	}
	e.timer = r.clock.ScheduleAfter(r.timeout, func() { r.expire(id, kind) })
	return true
}

func (r *Registry) expire(id uint32, kind Kind) {
	set := r.set(kind)
	e, ok := set[id]
	if !ok {
		return
	}
	delete(set, id)
	r.logger.Debug().
		Uint32("request", id).
		Str("kind", kind.String()).
		Uint16("item", e.req.ItemID).
		Msg("request timed out")
	if r.onTimeout != nil {
		r.onTimeout(e.req)
	}
}

// Resolve removes the request and cancels its timeout. It returns false if the
// id is not pending in the kind's set.
func (r *Registry) Resolve(id uint32, kind Kind) (Request, bool) {
	set := r.set(kind)
	e, ok := set[id]
	if !ok {
		return Request{}, false
	}
	delete(set, id)
	if e.timer != nil {
		e.timer.Cancel()
	}
	return e.req, true
}

// Pending reports whether id is pending in the kind's set.
func (r *Registry) Pending(id uint32, kind Kind) bool {
	_, ok := r.set(kind)[id]
	return ok
}

// Len returns the number of pending requests of a kind.
func (r *Registry) Len(kind Kind) int {
	return len(r.set(kind))
}

// Shutdown cancels every timeout and empties both sets. The unresolved
// requests are returned lookups first, each kind ordered by id.
func (r *Registry) Shutdown() []Request {
	var out []Request
	for _, kind := range []Kind{Lookup, Reallocation} {
		set := r.set(kind)
		reqs := make([]Request, 0, len(set))
		for id, e := range set {
			if e.timer != nil {
				e.timer.Cancel()
			}
			reqs = append(reqs, e.req)
			delete(set, id)
		}
		sort.Slice(reqs, func(i, j int) bool { return reqs[i].ID < reqs[j].ID })
		out = append(out, reqs...)
	}
	return out
}

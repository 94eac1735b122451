package cache

import (
	"github.com/rs/zerolog"
)

// AdmitResult is the outcome of offering a replica to the store.
type AdmitResult int

const (
	Admitted AdmitResult = iota
	Duplicate
	Full
	Invalid
)

func (r AdmitResult) String() string {
	switch r {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	case Full:
		return "full"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Store is a node's cache. Originals are fixed at construction and never evicted.
// Replicas fill a bounded pool in admission order. Not safe for concurrent use.
type Store struct {
	originals []Item
	replicas  []Item
	index     map[uint16]int // replica id -> position in replicas
	capacity  int
	logger    zerolog.Logger
}

// New creates a store holding originals with room for capacity replicas.
// Capacity is clamped to [0, totalItems].
func New(originals []Item, capacity, totalItems int, logger zerolog.Logger) *Store {
	if capacity > totalItems {
		capacity = totalItems
	}
	if capacity < 0 {
		capacity = 0
	}
	orig := make([]Item, len(originals))
	copy(orig, originals)
	return &Store{
		originals: orig,
		replicas:  make([]Item, 0, capacity),
		index:     make(map[uint16]int, capacity),
		capacity:  capacity,
		logger:    logger.With().Str("component", "cache").Logger(),
	}
}

// Get returns the held item with id, checking originals before replicas.
func (s *Store) Get(id uint16) (Item, bool) {
	for _, it := range s.originals {
		if it.ID == id {
			return it, true
		}
	}
	if i, ok := s.index[id]; ok {
		return s.replicas[i], true
	}
	return Item{}, false
}

// ContainsStored reports whether id is held and usable.
func (s *Store) ContainsStored(id uint16) bool {
	it, ok := s.Get(id)
	return ok && it.Stored()
}

// Admit offers a replica to the pool. Held ids are never duplicated and a full
// pool rejects the item without evicting anything.
func (s *Store) Admit(item Item) AdmitResult {
	if item.Size == 0 {
		s.logger.Debug().Uint16("item", item.ID).Msg("rejecting zero-size replica")
		return Invalid
	}
	if _, ok := s.Get(item.ID); ok {
		s.logger.Debug().Uint16("item", item.ID).Msg("item already held")
		return Duplicate
	}
	if len(s.replicas) >= s.capacity {
		s.logger.Debug().
			Uint16("item", item.ID).
			Int("capacity", s.capacity).
			Msg("replica pool full, dropping item")
		return Full
	}

	item.Provenance = Replica
	item.Status = StatusStored
	s.index[item.ID] = len(s.replicas)
	s.replicas = append(s.replicas, item)
	s.logger.Debug().
		Uint16("item", item.ID).
		Int("replicas", len(s.replicas)).
		Msg("replica admitted")
	return Admitted
}

// Originals returns a copy of the node's originals.
func (s *Store) Originals() []Item {
	out := make([]Item, len(s.originals))
	copy(out, s.originals)
	return out
}

// Replicas returns a copy of the replica pool in admission order.
func (s *Store) Replicas() []Item {
	out := make([]Item, len(s.replicas))
	copy(out, s.replicas)
	return out
}

// ReplicaCount returns the number of occupied replica slots.
func (s *Store) ReplicaCount() int {
	return len(s.replicas)
}

// Capacity returns the effective replica capacity.
func (s *Store) Capacity() int {
	return s.capacity
}

// Full reports whether every replica slot is occupied.
func (s *Store) Full() bool {
	return len(s.replicas) >= s.capacity
}

// Package access models how often each data item is looked up.
//
// Every item gets a popularity score in [0,1]. The score sets the mean of an
// exponential inter-lookup delay and orders items for replication.
package access

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/exp/rand"
)

// Mode selects the score function.
type Mode int

const (
	// ModeLinear scores 0.5*(1+0.01*id).
	ModeLinear Mode = 1
	// ModeSteep scores 0.025*id.
	ModeSteep Mode = 2
	// ModeGaussian samples a normal around the linear score.
	ModeGaussian Mode = 3
)

func (m Mode) String() string {
	switch m {
	case ModeLinear:
		return "linear"
	case ModeSteep:
		return "steep"
	case ModeGaussian:
		return "gaussian"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m >= ModeLinear && m <= ModeGaussian
}

// ErrInvalidMode is returned for a mode outside 1..3.
var ErrInvalidMode = errors.New("invalid access frequency mode")

// Score computes the popularity of id under mode. Mode 3 draws from rng; the
// other modes ignore stddev and rng. The result is clamped to [0,1].
func Score(mode Mode, id uint16, stddev float64, rng *rand.Rand) (float64, error) {
	linear := 0.5 * (1 + 0.01*float64(id))
	var s float64
	switch mode {
	case ModeLinear:
		s = linear
	case ModeSteep:
		s = 0.025 * float64(id)
	case ModeGaussian:
		s = linear
		if stddev > 0 {
			if rng == nil {
				return 0, fmt.Errorf("gaussian mode needs a random source")
			}
			s += rng.NormFloat64() * stddev
		}
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}
	return clamp01(s), nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Exponential is an exponential delay distribution.
type Exponential struct {
	Mean time.Duration
}

// Sample draws one delay.
func (e Exponential) Sample(rng *rand.Rand) time.Duration {
	return time.Duration(rng.ExpFloat64() * float64(e.Mean))
}

// RankedItem pairs an item with its score.
type RankedItem struct {
	ID    uint16
	Score float64
}

// Config parameterizes a Model.
type Config struct {
	Mode       Mode
	StdDev     float64
	Period     time.Duration // lookup period; mean delay is Period*(1-score)
	MinDelay   time.Duration // floor on the mean delay
	TotalItems int
}

// Model holds per-item scores and independent delay streams for ids 1..TotalItems.
type Model struct {
	cfg     Config
	scores  []float64 // indexed by id, [0] unused
	streams []*rand.Rand
	ranked  []RankedItem
}

// New computes every item's score. rng seeds the Gaussian draws and the
// per-item delay streams, so equal seeds give identical models.
func New(cfg Config, rng *rand.Rand) (*Model, error) {
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, int(cfg.Mode))
	}
	if cfg.StdDev < 0 {
		return nil, fmt.Errorf("standard deviation must be non-negative, got %g", cfg.StdDev)
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("period must be positive, got %s", cfg.Period)
	}
	if cfg.TotalItems <= 0 || cfg.TotalItems > math.MaxUint16 {
		return nil, fmt.Errorf("total items out of range: %d", cfg.TotalItems)
	}
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}

	m := &Model{
		cfg:     cfg,
		scores:  make([]float64, cfg.TotalItems+1),
		streams: make([]*rand.Rand, cfg.TotalItems+1),
		ranked:  make([]RankedItem, 0, cfg.TotalItems),
	}
	for id := 1; id <= cfg.TotalItems; id++ {
		s, err := Score(cfg.Mode, uint16(id), cfg.StdDev, rng)
		if err != nil {
			return nil, err
		}
		m.scores[id] = s
		m.streams[id] = rand.New(rand.NewSource(rng.Uint64()))
		m.ranked = append(m.ranked, RankedItem{ID: uint16(id), Score: s})
	}
	sort.SliceStable(m.ranked, func(i, j int) bool {
		if m.ranked[i].Score != m.ranked[j].Score {
			return m.ranked[i].Score > m.ranked[j].Score
		}
		return m.ranked[i].ID < m.ranked[j].ID
	})
	return m, nil
}

// Mode returns the configured mode.
func (m *Model) Mode() Mode {
	return m.cfg.Mode
}

// TotalItems returns the size of the item namespace.
func (m *Model) TotalItems() int {
	return m.cfg.TotalItems
}

// Score returns the score of id, or 0 for an id outside the namespace.
func (m *Model) Score(id uint16) float64 {
	if int(id) < 1 || int(id) > m.cfg.TotalItems {
		return 0
	}
	return m.scores[id]
}

// MeanDelay returns Period*(1-score), never below MinDelay.
func (m *Model) MeanDelay(id uint16) time.Duration {
	mean := time.Duration(float64(m.cfg.Period) * (1 - m.Score(id)))
	if mean < m.cfg.MinDelay {
		mean = m.cfg.MinDelay
	}
	return mean
}

// Distribution returns the inter-lookup delay distribution for id.
func (m *Model) Distribution(id uint16) Exponential {
	return Exponential{Mean: m.MeanDelay(id)}
}

// NextDelay draws the next inter-lookup delay for id from its own stream.
func (m *Model) NextDelay(id uint16) time.Duration {
	if int(id) < 1 || int(id) > m.cfg.TotalItems {
		return m.MeanDelay(id)
	}
	return m.Distribution(id).Sample(m.streams[id])
}

// Rank returns every item ordered by score descending, ties by ascending id.
func (m *Model) Rank() []RankedItem {
	out := make([]RankedItem, len(m.ranked))
	copy(out, m.ranked)
	return out
}

// Top returns the n highest-ranked items.
func (m *Model) Top(n int) []RankedItem {
	if n < 0 {
		n = 0
	}
	if n > len(m.ranked) {
		n = len(m.ranked)
	}
	out := make([]RankedItem, n)
	copy(out, m.ranked[:n])
	return out
}

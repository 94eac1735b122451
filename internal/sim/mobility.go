// Package sim runs safmesh nodes over a simulated wireless medium.
package sim

import (
	"math"
	"time"

	"golang.org/x/exp/rand"
)

// Point is a position in meters.
type Point struct {
	X, Y float64
}

// Distance returns the Euclidean distance between p and q.
func (p Point) Distance(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Positioner reports where a node is at a virtual time.
type Positioner interface {
	Position(at time.Duration) Point
}

// Static is a node that never moves.
type Static Point

// Position implements Positioner.
func (s Static) Position(time.Duration) Point {
	return Point(s)
}

// WaypointConfig parameterizes random-waypoint movement.
type WaypointConfig struct {
	Width, Length      float64
	MinSpeed, MaxSpeed float64 // meters/second
	MinPause, MaxPause time.Duration
}

// Waypoint moves a node between uniformly chosen destinations in a rectangle,
// pausing at each. Positions are computed lazily; queries must not go back in time.
type Waypoint struct {
	cfg WaypointConfig
	rng *rand.Rand

	from, to Point
	legStart time.Duration
	arrive   time.Duration
	pauseEnd time.Duration
	static   bool
}

// NewWaypoint places a node uniformly in the rectangle and starts its first leg at time zero.
func NewWaypoint(cfg WaypointConfig, rng *rand.Rand) *Waypoint {
	w := &Waypoint{cfg: cfg, rng: rng}
	start := w.randomPoint()
	w.static = cfg.MaxSpeed <= 0 || (cfg.Width == 0 && cfg.Length == 0)
	w.from, w.to = start, start
	if !w.static {
		w.startLeg(0, start)
	}
	return w
}

func (w *Waypoint) randomPoint() Point {
	return Point{X: w.rng.Float64() * w.cfg.Width, Y: w.rng.Float64() * w.cfg.Length}
}

func (w *Waypoint) uniform(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + w.rng.Float64()*(hi-lo)
}

func (w *Waypoint) startLeg(at time.Duration, from Point) {
	w.from = from
	w.to = w.randomPoint()
	w.legStart = at

	speed := w.uniform(w.cfg.MinSpeed, w.cfg.MaxSpeed)
	if speed <= 0 {
		speed = w.cfg.MaxSpeed
	}
	travel := time.Duration(from.Distance(w.to) / speed * float64(time.Second))
	w.arrive = at + travel

	pause := time.Duration(w.uniform(float64(w.cfg.MinPause), float64(w.cfg.MaxPause)))
	w.pauseEnd = w.arrive + pause
	if w.pauseEnd <= at {
		w.pauseEnd = at + time.Millisecond
	}
}

// Position implements Positioner.
func (w *Waypoint) Position(at time.Duration) Point {
	if w.static {
		return w.from
	}
	for at >= w.pauseEnd {
		w.startLeg(w.pauseEnd, w.to)
	}
	if at >= w.arrive {
		return w.to
	}
	if at <= w.legStart {
		return w.from
	}
	frac := float64(at-w.legStart) / float64(w.arrive-w.legStart)
	return Point{
		X: w.from.X + (w.to.X-w.from.X)*frac,
		Y: w.from.Y + (w.to.Y-w.from.Y)*frac,
	}
}

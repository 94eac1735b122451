package saf

import (
	"time"

	"github.com/safmesh/safmesh/internal/metrics"
)

// Transport carries encoded messages between nodes.
// Delivery is at-most-once, unordered and unacknowledged.
type Transport interface {
	// Broadcast sends data to every node in range.
	Broadcast(data []byte) error

	// SendTo sends data to a single node by address.
	SendTo(to string, data []byte) error

	// RegisterHandler registers the callback for incoming messages.
	RegisterHandler(handler func(from string, data []byte))
}

// StatsSink receives protocol counters and timing samples.
type StatsSink interface {
	Inc(e metrics.Event)
	Observe(o metrics.Outcome, d time.Duration)
}

// NetworkNode is what the simulation drives.
type NetworkNode interface {
	OnStart()
	OnStop()
	OnMessage(from string, data []byte)
}

type nopStats struct{}

func (nopStats) Inc(metrics.Event) {}
func (nopStats) Observe(metrics.Outcome, time.Duration) {}

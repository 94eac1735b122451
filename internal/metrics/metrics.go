// Package metrics collects protocol statistics for safmesh nodes.
package metrics

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NewRegistry returns a registry carrying the Go runtime and process
// collectors. Each run gets its own, so runs in one process do not collide.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

const (
	eventsMetric = "safmesh_events_total"
	delayMetric  = "safmesh_response_delay_seconds"
)

// Event is a counted protocol occurrence.
type Event int

const (
	CacheHit Event = iota
	LookupSent
	LookupReceived
	LookupResponseSent
	LookupTimeout
	ReallocTimeout
	ReallocSent
	ReallocReceived
	ReallocResponseSent
	Malformed
	LookupUnresolved
	ReallocUnresolved
	ReplicaAdmitted
	ReplicaRejected
	numEvents
)

var eventKeys = [numEvents]string{
	CacheHit:            "cache-hit",
	LookupSent:          "lookup-sent",
	LookupReceived:      "lookup-rcv",
	LookupResponseSent:  "lookup-rsp-sent",
	LookupTimeout:       "lookup-timeout",
	ReallocTimeout:      "realloc-timeout",
	ReallocSent:         "realloc-sent",
	ReallocReceived:     "realloc-rcv",
	ReallocResponseSent: "realloc-rsp-sent",
	Malformed:           "malformed",
	LookupUnresolved:    "lookup-unresolved",
	ReallocUnresolved:   "realloc-unresolved",
	ReplicaAdmitted:     "replica-admitted",
	ReplicaRejected:     "replica-rejected",
}

func (e Event) String() string {
	if e < 0 || e >= numEvents {
		return fmt.Sprintf("event(%d)", int(e))
	}
	return eventKeys[e]
}

// Events returns every event in report order.
func Events() []Event {
	out := make([]Event, numEvents)
	for i := range out {
		out[i] = Event(i)
	}
	return out
}

// Outcome classifies a response timing sample.
type Outcome int

const (
	LookupOnTime Outcome = iota
	LookupLate
	ReallocOnTime
	ReallocLate
	numOutcomes
)

var outcomeKeys = [numOutcomes]string{
	LookupOnTime:  "lookup-ontime-delay",
	LookupLate:    "lookup-late-delay",
	ReallocOnTime: "realloc-ontime-delay",
	ReallocLate:   "realloc-late-delay",
}

func (o Outcome) String() string {
	if o < 0 || o >= numOutcomes {
		return fmt.Sprintf("outcome(%d)", int(o))
	}
	return outcomeKeys[o]
}

// Outcomes returns every outcome in report order.
func Outcomes() []Outcome {
	out := make([]Outcome, numOutcomes)
	for i := range out {
		out[i] = Outcome(i)
	}
	return out
}

// OutcomeFor picks the outcome for a response of the given kind and timeliness.
func OutcomeFor(reallocation, onTime bool) Outcome {
	switch {
	case reallocation && onTime:
		return ReallocOnTime
	case reallocation:
		return ReallocLate
	case onTime:
		return LookupOnTime
	default:
		return LookupLate
	}
}

// Summary is a running min/max/avg/total over timing samples.
type Summary struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Total time.Duration
}

// Add folds one sample into the summary.
func (s *Summary) Add(d time.Duration) {
	if s.Count == 0 || d < s.Min {
		s.Min = d
	}
	if s.Count == 0 || d > s.Max {
		s.Max = d
	}
	s.Count++
	s.Total += d
}

// Avg returns the mean sample, or 0 with no samples.
func (s Summary) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Collector records events and timing samples for every node of a run.
type Collector struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
	delays   *prometheus.HistogramVec

	mu        sync.Mutex
	summaries [numOutcomes]Summary
}

// NewCollector registers the safmesh metrics on reg.
func NewCollector(reg *prometheus.Registry) *Collector {
	return &Collector{
		registry: reg,
		events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: eventsMetric,
			Help: "Protocol events per node",
		}, []string{"node", "event"}),
		delays: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    delayMetric,
			Help:    "Request to response delay per node and outcome",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"node", "outcome"}),
	}
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ForNode returns the stats sink for one node.
func (c *Collector) ForNode(node int) *NodeStats {
	return &NodeStats{c: c, node: strconv.Itoa(node)}
}

func (c *Collector) observe(node string, o Outcome, d time.Duration) {
	c.delays.WithLabelValues(node, o.String()).Observe(d.Seconds())
	c.mu.Lock()
	c.summaries[o].Add(d)
	c.mu.Unlock()
}

// NodeStats is a per-node view of a Collector.
type NodeStats struct {
	c    *Collector
	node string
}

// Inc counts one event.
func (n *NodeStats) Inc(e Event) {
	n.c.events.WithLabelValues(n.node, e.String()).Inc()
}

// Observe records a timing sample.
func (n *NodeStats) Observe(o Outcome, d time.Duration) {
	n.c.observe(n.node, o, d)
}

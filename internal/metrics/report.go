package metrics

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DelayReport is a Summary rendered in milliseconds.
type DelayReport struct {
	Count   uint64  `yaml:"count"`
	MinMs   float64 `yaml:"min_ms"`
	MaxMs   float64 `yaml:"max_ms"`
	AvgMs   float64 `yaml:"avg_ms"`
	TotalMs float64 `yaml:"total_ms"`
}

// Report is a point-in-time view of a Collector.
type Report struct {
	RunID  string                    `yaml:"run_id,omitempty"`
	Totals map[string]uint64         `yaml:"totals"`
	Delays map[string]DelayReport    `yaml:"delays"`
	Nodes  map[int]map[string]uint64 `yaml:"nodes,omitempty"`
}

// Total returns the run-wide count of e.
func (r *Report) Total(e Event) uint64 {
	return r.Totals[e.String()]
}

// Node returns node's count of e.
func (r *Report) Node(node int, e Event) uint64 {
	return r.Nodes[node][e.String()]
}

// Snapshot reads the counters back from the registry and copies the timing summaries.
func (c *Collector) Snapshot() (*Report, error) {
	r := &Report{
		Totals: make(map[string]uint64, numEvents),
		Delays: make(map[string]DelayReport, numOutcomes),
		Nodes:  make(map[int]map[string]uint64),
	}
	for _, e := range Events() {
		r.Totals[e.String()] = 0
	}

	mfs, err := c.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != eventsMetric {
			continue
		}
		for _, m := range mf.GetMetric() {
			var nodeLabel, event string
			for _, lp := range m.GetLabel() {
				switch lp.GetName() {
				case "node":
					nodeLabel = lp.GetValue()
				case "event":
					event = lp.GetValue()
				}
			}
			node, err := strconv.Atoi(nodeLabel)
			if err != nil {
				return nil, fmt.Errorf("bad node label %q: %w", nodeLabel, err)
			}
			v := uint64(m.GetCounter().GetValue())
			r.Totals[event] += v
			if r.Nodes[node] == nil {
				r.Nodes[node] = make(map[string]uint64)
			}
			r.Nodes[node][event] += v
		}
	}

	c.mu.Lock()
	for _, o := range Outcomes() {
		s := c.summaries[o]
		r.Delays[o.String()] = DelayReport{
			Count:   s.Count,
			MinMs:   ms(s.Min),
			MaxMs:   ms(s.Max),
			AvgMs:   ms(s.Avg()),
			TotalMs: ms(s.Total),
		}
	}
	c.mu.Unlock()
	return r, nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Print writes a plain-text summary of the run-wide counters and delays.
func (r *Report) Print(w io.Writer) error {
	if r.RunID != "" {
		if _, err := fmt.Fprintf(w, "run: %s\n", r.RunID); err != nil {
			return err
		}
	}
	for _, e := range Events() {
		if _, err := fmt.Fprintf(w, "%-20s %d\n", e.String(), r.Totals[e.String()]); err != nil {
			return err
		}
	}
	for _, o := range Outcomes() {
		d := r.Delays[o.String()]
		if _, err := fmt.Fprintf(w, "%-20s count=%d min=%.3fms max=%.3fms avg=%.3fms total=%.3fms\n",
			o.String(), d.Count, d.MinMs, d.MaxMs, d.AvgMs, d.TotalMs); err != nil {
			return err
		}
	}

	nodes := make([]int, 0, len(r.Nodes))
	for n := range r.Nodes {
		nodes = append(nodes, n)
	}
	sort.Ints(nodes)
	for _, n := range nodes {
		counts := r.Nodes[n]
		if _, err := fmt.Fprintf(w, "node %d: hits=%d lookups=%d reallocs=%d timeouts=%d\n",
			n, counts[CacheHit.String()], counts[LookupSent.String()], counts[ReallocSent.String()],
			counts[LookupTimeout.String()]+counts[ReallocTimeout.String()]); err != nil {
			return err
		}
	}
	return nil
}

// WriteTextfile writes the registry in the Prometheus text exposition format.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics file: %w", err)
	}
	return nil
}

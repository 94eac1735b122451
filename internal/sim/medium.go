package sim

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"

	"github.com/safmesh/safmesh/internal/clock"
	"github.com/safmesh/safmesh/internal/tracing"
	"github.com/safmesh/safmesh/pkg/proto"
)

// Address returns the transport address of the node at index.
func Address(index int) string {
	host := index + 1
	return fmt.Sprintf("10.1.%d.%d", host/256, host%256)
}

// MediumConfig describes the radio channel.
type MediumConfig struct {
	Clock    clock.Scheduler
	Radius   float64 // meters; 0 means every node hears every other
	Loss     float64 // independent drop probability per delivery
	Delay    time.Duration
	Rand     *rand.Rand
	Recorder *tracing.Recorder
	Logger   zerolog.Logger
}

// MediumStats counts what the medium carried.
type MediumStats struct {
	Sent       uint64 `yaml:"sent"`
	Delivered  uint64 `yaml:"delivered"`
	Lost       uint64 `yaml:"lost"`
	OutOfRange uint64 `yaml:"out_of_range"`
	Down       uint64 `yaml:"down"`
}

// Medium is a shared one-hop broadcast channel. Deliveries are at-most-once,
// unacknowledged and delayed by a fixed propagation time.
type Medium struct {
	cfg    MediumConfig
	logger zerolog.Logger
	ports  []*Port
	byAddr map[string]*Port
	stats  MediumStats
}

// NewMedium creates an empty medium.
func NewMedium(cfg MediumConfig) *Medium {
	return &Medium{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "medium").Logger(),
		byAddr: make(map[string]*Port),
	}
}

// Attach adds a node at addr, positioned by pos. The port starts down.
func (m *Medium) Attach(addr string, pos Positioner) (*Port, error) {
	if _, ok := m.byAddr[addr]; ok {
		return nil, fmt.Errorf("address %s already attached", addr)
	}
	p := &Port{medium: m, addr: addr, pos: pos}
	m.ports = append(m.ports, p)
	m.byAddr[addr] = p
	m.logger.Debug().Str("addr", addr).Int("ports", len(m.ports)).Msg("port attached")
	return p, nil
}

// Stats returns the delivery counters.
func (m *Medium) Stats() MediumStats {
	return m.stats
}

func kindOf(data []byte) string {
	if len(data) == 0 {
		return proto.KindUnknown.String()
	}
	return proto.Kind(data[0]).String()
}

func (m *Medium) trace(event string, from, to *Port, data []byte, reason string) {
	if m.cfg.Recorder == nil {
		return
	}
	ev := tracing.Event{
		TimeMs: m.cfg.Clock.Now().Milliseconds(),
		Event:  event,
		From:   from.addr,
		Kind:   kindOf(data),
		Bytes:  len(data),
		Reason: reason,
	}
	if to != nil {
		ev.To = to.addr
	}
	m.cfg.Recorder.Record(ev)
}

func (m *Medium) inRange(a, b *Port) bool {
	if m.cfg.Radius <= 0 {
		return true
	}
	now := m.cfg.Clock.Now()
	return a.pos.Position(now).Distance(b.pos.Position(now)) <= m.cfg.Radius
}

// transmit offers data from src to dst. Range is evaluated at send time, loss
// is drawn per delivery, and the receiver must still be up on arrival.
func (m *Medium) transmit(src, dst *Port, data []byte) {
	if !dst.up {
		m.stats.Down++
		return
	}
	if !m.inRange(src, dst) {
		m.stats.OutOfRange++
		return
	}
	if m.cfg.Loss > 0 && m.cfg.Rand.Float64() < m.cfg.Loss {
		m.stats.Lost++
		m.trace(tracing.EventDrop, src, dst, data, "loss")
		return
	}

	payload := make([]byte, len(data))
	copy(payload, data)
	m.cfg.Clock.ScheduleAfter(m.cfg.Delay, func() {
		if !dst.up || dst.handler == nil {
			m.stats.Down++
			m.trace(tracing.EventDrop, src, dst, payload, "down")
			return
		}
		m.stats.Delivered++
		m.trace(tracing.EventRx, src, dst, payload, "")
		dst.handler(src.addr, payload)
	})
}

// Port is one node's attachment to the medium. It implements saf.Transport.
type Port struct {
	medium  *Medium
	addr    string
	pos     Positioner
	handler func(from string, data []byte)
	up      bool
}

// Address returns the port's address.
func (p *Port) Address() string {
	return p.addr
}

// SetUp marks the port as able to send and receive.
func (p *Port) SetUp(up bool) {
	p.up = up
}

// Up reports whether the port is up.
func (p *Port) Up() bool {
	return p.up
}

// RegisterHandler sets the receive callback.
func (p *Port) RegisterHandler(handler func(from string, data []byte)) {
	p.handler = handler
}

// Broadcast offers data to every other port.
func (p *Port) Broadcast(data []byte) error {
	if !p.up {
		return fmt.Errorf("port %s is down", p.addr)
	}
	m := p.medium
	m.stats.Sent++
	m.trace(tracing.EventTx, p, nil, data, "")
	for _, dst := range m.ports {
		if dst == p {
			continue
		}
		m.transmit(p, dst, data)
	}
	return nil
}

// SendTo offers data to a single port.
func (p *Port) SendTo(to string, data []byte) error {
	if !p.up {
		return fmt.Errorf("port %s is down", p.addr)
	}
	m := p.medium
	dst, ok := m.byAddr[to]
	if !ok {
		return fmt.Errorf("unknown address %s", to)
	}
	m.stats.Sent++
	m.trace(tracing.EventTx, p, dst, data, "")
	m.transmit(p, dst, data)
	return nil
}

package saf

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/safmesh/safmesh/internal/access"
	"github.com/safmesh/safmesh/internal/cache"
	"github.com/safmesh/safmesh/internal/clock"
	"github.com/safmesh/safmesh/internal/config"
	"github.com/safmesh/safmesh/internal/metrics"
	"github.com/safmesh/safmesh/internal/pending"
	"github.com/safmesh/safmesh/pkg/proto"
)

type unicast struct {
	to   string
	data []byte
}

type mockTransport struct {
	handler    func(from string, data []byte)
	broadcasts [][]byte
	unicasts   []unicast
}

func (m *mockTransport) Broadcast(data []byte) error {
	m.broadcasts = append(m.broadcasts, data)
	return nil
}

func (m *mockTransport) SendTo(to string, data []byte) error {
	m.unicasts = append(m.unicasts, unicast{to: to, data: data})
	return nil
}

func (m *mockTransport) RegisterHandler(handler func(from string, data []byte)) {
	m.handler = handler
}

type sample struct {
	outcome metrics.Outcome
	delay   time.Duration
}

type recordingStats struct {
	counts  map[metrics.Event]int
	samples []sample
}

func newRecordingStats() *recordingStats {
	return &recordingStats{counts: make(map[metrics.Event]int)}
}

func (r *recordingStats) Inc(e metrics.Event) { r.counts[e]++ }

func (r *recordingStats) Observe(o metrics.Outcome, d time.Duration) {
	r.samples = append(r.samples, sample{outcome: o, delay: d})
}

type testNode struct {
	*Node
	clock *clock.Virtual
	tx    *mockTransport
	stats *recordingStats
}

func baseConfig() Config {
	return Config{
		Index:              0,
		Address:            "10.1.0.1",
		TotalNodes:         2,
		TotalItems:         2,
		ReplicaCapacity:    1,
		DataSize:           256,
		ReallocationPeriod: 256 * time.Second,
		RequestTimeout:     10 * time.Second,
		Mode:               access.ModeLinear,
		MinLookupDelay:     time.Second,
		Logger:             zerolog.Nop(),
	}
}

func newTestNode(t *testing.T, modify func(*Config)) *testNode {
	t.Helper()
	tn := &testNode{
		clock: clock.NewVirtual(),
		tx:    &mockTransport{},
		stats: newRecordingStats(),
	}
	cfg := baseConfig()
	cfg.Clock = tn.clock
	cfg.Transport = tn.tx
	cfg.Stats = tn.stats
	cfg.Rand = rand.New(rand.NewSource(1))
	if modify != nil {
		modify(&cfg)
	}
	n, err := New(cfg)
	require.NoError(t, err)
	tn.Node = n
	return tn
}

// activate marks the node running without scheduling its random lookups or
// reallocation cycles, so tests control every event.
func (tn *testNode) activate() {
	tn.running = true
}

func (tn *testNode) runTo(t *testing.T, at time.Duration) {
	t.Helper()
	require.NoError(t, tn.clock.Run(context.Background(), at))
}

func decode(t *testing.T, data []byte) *proto.Message {
	t.Helper()
	msg, err := proto.Unmarshal(data)
	require.NoError(t, err)
	return msg
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"items not divisible", func(c *Config) { c.TotalItems = 3 }},
		{"zero nodes", func(c *Config) { c.TotalNodes = 0 }},
		{"zero items", func(c *Config) { c.TotalItems = 0 }},
		{"index out of range", func(c *Config) { c.Index = 2 }},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"negative period", func(c *Config) { c.ReallocationPeriod = -time.Second }},
		{"zero data size", func(c *Config) { c.DataSize = 0 }},
		{"negative stddev", func(c *Config) { c.StdDev = -0.1 }},
		{"no transport", func(c *Config) { c.Transport = nil }},
		{"no clock", func(c *Config) { c.Clock = nil }},
		{"no rand", func(c *Config) { c.Rand = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.Clock = clock.NewVirtual()
			cfg.Transport = &mockTransport{}
			cfg.Rand = rand.New(rand.NewSource(1))
			tt.modify(&cfg)

			n, err := New(cfg)
			assert.Nil(t, n)
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}
}

func TestNew_InvalidMode(t *testing.T) {
	cfg := baseConfig()
	cfg.Clock = clock.NewVirtual()
	cfg.Transport = &mockTransport{}
	cfg.Rand = rand.New(rand.NewSource(1))
	cfg.Mode = 4

	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.ErrorIs(t, err, access.ErrInvalidMode)
}

func TestNew_RegistersHandler(t *testing.T) {
	tn := newTestNode(t, nil)
	require.NotNil(t, tn.tx.handler)
	assert.False(t, tn.Running())
	assert.Len(t, tn.Store().Originals(), 1)
	assert.Equal(t, uint16(1), tn.Store().Originals()[0].ID)
}

func TestLookup_CacheHit(t *testing.T) {
	tn := newTestNode(t, nil)
	tn.activate()

	assert.True(t, tn.Lookup(1))
	assert.Equal(t, 1, tn.stats.counts[metrics.CacheHit])
	assert.Empty(t, tn.tx.broadcasts)
	assert.Equal(t, 0, tn.PendingCount(pending.Lookup))
}

func TestLookup_MissBroadcastsRequest(t *testing.T) {
	tn := newTestNode(t, nil)
	tn.activate()
	tn.runTo(t, 1500*time.Millisecond)

	assert.False(t, tn.Lookup(2))
	require.Len(t, tn.tx.broadcasts, 1)

	msg := decode(t, tn.tx.broadcasts[0])
	assert.Equal(t, proto.KindRequest, msg.Header.Kind)
	assert.Equal(t, uint32(1), msg.Header.ID)
	assert.Equal(t, uint32(0), msg.Header.ResponseTo)
	assert.Equal(t, int64(1500), msg.Header.SentAt)
	assert.Equal(t, uint16(2), msg.ItemID())
	assert.False(t, msg.Reallocation())

	assert.Equal(t, 1, tn.stats.counts[metrics.LookupSent])
	assert.Equal(t, 1, tn.PendingCount(pending.Lookup))

	tn.runTo(t, 12*time.Second)
	assert.Equal(t, 1, tn.stats.counts[metrics.LookupTimeout])
	assert.Equal(t, 0, tn.PendingCount(pending.Lookup))
}

func TestLookup_RequestIDsIncrease(t *testing.T) {
	tn := newTestNode(t, nil)
	tn.activate()

	for i := 0; i < 3; i++ {
		tn.Lookup(2)
	}
	require.Len(t, tn.tx.broadcasts, 3)
	for i, data := range tn.tx.broadcasts {
		assert.Equal(t, uint32(i+1), decode(t, data).Header.ID)
	}
}

func TestLookup_NoTimeoutPastStop(t *testing.T) {
	tn := newTestNode(t, func(c *Config) { c.StopAt = 5 * time.Second })
	tn.activate()

	tn.Lookup(2)
	tn.runTo(t, 20*time.Second)
	assert.Equal(t, 0, tn.stats.counts[metrics.LookupTimeout])
	assert.Equal(t, 1, tn.PendingCount(pending.Lookup))
}

func TestLookup_NotRunning(t *testing.T) {
	tn := newTestNode(t, nil)
	assert.False(t, tn.Lookup(2))
	assert.Empty(t, tn.tx.broadcasts)

	assert.False(t, tn.Lookup(1), "held item on a stopped node")
	assert.Zero(t, tn.stats.counts[metrics.CacheHit])
}

func respond(t *testing.T, reqData []byte, at time.Duration, size uint32) []byte {
	t.Helper()
	resp := proto.NewResponse(500, at, decode(t, reqData), size)
	data, err := resp.Marshal()
	require.NoError(t, err)
	return data
}

func TestResponse_OnTime(t *testing.T) {
	tn := newTestNode(t, nil)
	tn.activate()
	tn.Lookup(2)

	tn.runTo(t, 3*time.Second)
	tn.OnMessage("10.1.0.2", respond(t, tn.tx.broadcasts[0], 3*time.Second, 256))

	require.Len(t, tn.stats.samples, 1)
	assert.Equal(t, metrics.LookupOnTime, tn.stats.samples[0].outcome)
	assert.Equal(t, 3*time.Second, tn.stats.samples[0].delay)
	assert.Equal(t, 0, tn.PendingCount(pending.Lookup))
	assert.True(t, tn.Store().ContainsStored(2))
	assert.Equal(t, 1, tn.stats.counts[metrics.ReplicaAdmitted])

	tn.runTo(t, 30*time.Second)
	assert.Equal(t, 0, tn.stats.counts[metrics.LookupTimeout], "resolved request must not time out")
}

func TestResponse_LateAfterTimeout(t *testing.T) {
	tn := newTestNode(t, nil)
	tn.activate()
	tn.Lookup(2)

	tn.runTo(t, 11*time.Second)
	require.Equal(t, 1, tn.stats.counts[metrics.LookupTimeout])

	tn.OnMessage("10.1.0.2", respond(t, tn.tx.broadcasts[0], 11*time.Second, 256))

	require.Len(t, tn.stats.samples, 1)
	assert.Equal(t, metrics.LookupLate, tn.stats.samples[0].outcome)
	assert.Equal(t, 11*time.Second, tn.stats.samples[0].delay, "one second beyond the timeout")
	assert.True(t, tn.Store().ContainsStored(2), "late data is still cached")
}

func TestResponse_ClassifiedOnTimeOnce(t *testing.T) {
	tn := newTestNode(t, nil)
	tn.activate()
	tn.Lookup(2)
	tn.runTo(t, time.Second)

	data := respond(t, tn.tx.broadcasts[0], time.Second, 256)
	tn.OnMessage("10.1.0.2", data)
	tn.OnMessage("10.1.0.2", data)
	tn.runTo(t, 30*time.Second)

	require.Len(t, tn.stats.samples, 2)
	assert.Equal(t, metrics.LookupOnTime, tn.stats.samples[0].outcome)
	assert.Equal(t, metrics.LookupLate, tn.stats.samples[1].outcome)
	assert.Equal(t, 0, tn.stats.counts[metrics.LookupTimeout])
}

func TestResponse_ReallocationMatchesOwnSet(t *testing.T) {
	tn := newTestNode(t, nil)
	tn.activate()
	tn.askPeers(2, pending.Reallocation)
	require.Len(t, tn.tx.broadcasts, 1)
	assert.True(t, decode(t, tn.tx.broadcasts[0]).Reallocation())
	assert.Equal(t, 1, tn.stats.counts[metrics.ReallocSent])

	tn.OnMessage("10.1.0.2", respond(t, tn.tx.broadcasts[0], 0, 256))
	require.Len(t, tn.stats.samples, 1)
	assert.Equal(t, metrics.ReallocOnTime, tn.stats.samples[0].outcome)
	assert.Equal(t, 0, tn.PendingCount(pending.Reallocation))
}

func TestResponse_UnknownIDIsLate(t *testing.T) {
	tn := newTestNode(t, nil)
	tn.activate()

	req := proto.NewRequest(77, 0, 2, false)
	data, err := proto.NewResponse(3, 0, req, 256).Marshal()
	require.NoError(t, err)
	tn.OnMessage("10.1.0.2", data)

	require.Len(t, tn.stats.samples, 1)
	assert.Equal(t, metrics.LookupLate, tn.stats.samples[0].outcome)
}

func TestResponse_FullPoolDropsItem(t *testing.T) {
	tn := newTestNode(t, func(c *Config) {
		c.TotalNodes = 1
		c.TotalItems = 3
		c.Index = 0
		c.ReplicaCapacity = 0
	})
	tn.activate()

	req := proto.NewRequest(1, 0, 9, false)
	data, err := proto.NewResponse(2, 0, req, 256).Marshal()
	require.NoError(t, err)
	tn.OnMessage("10.1.0.2", data)

	assert.False(t, tn.Store().ContainsStored(9))
	assert.Equal(t, 1, tn.stats.counts[metrics.ReplicaRejected])
}

func TestRequest_RespondsWhenHeld(t *testing.T) {
	tn := newTestNode(t, nil)
	tn.activate()
	tn.runTo(t, 2*time.Second)

	req, err := proto.NewRequest(42, time.Second, 1, false).Marshal()
	require.NoError(t, err)
	tn.OnMessage("10.1.0.2", req)

	assert.Equal(t, 1, tn.stats.counts[metrics.LookupReceived])
	assert.Equal(t, 1, tn.stats.counts[metrics.LookupResponseSent])
	assert.Empty(t, tn.tx.broadcasts, "responses are unicast")
	require.Len(t, tn.tx.unicasts, 1)
	assert.Equal(t, "10.1.0.2", tn.tx.unicasts[0].to)

	resp := decode(t, tn.tx.unicasts[0].data)
	assert.Equal(t, proto.KindResponse, resp.Header.Kind)
	assert.Equal(t, uint32(42), resp.Header.ResponseTo)
	assert.Equal(t, int64(1000), resp.Header.OriginalSentAt)
	assert.Equal(t, int64(2000), resp.Header.SentAt)
	assert.Equal(t, uint16(1), resp.ItemID())
	assert.Equal(t, uint32(256), resp.Response.DataSize)
	assert.False(t, resp.Reallocation())
	assert.NotZero(t, resp.Header.ID)
}

func TestRequest_ReallocationFlagEchoed(t *testing.T) {
	tn := newTestNode(t, nil)
	tn.activate()

	req, err := proto.NewRequest(5, 0, 1, true).Marshal()
	require.NoError(t, err)
	tn.OnMessage("10.1.0.2", req)

	assert.Equal(t, 1, tn.stats.counts[metrics.ReallocReceived])
	assert.Equal(t, 1, tn.stats.counts[metrics.ReallocResponseSent])
	require.Len(t, tn.tx.unicasts, 1)
	assert.True(t, decode(t, tn.tx.unicasts[0].data).Reallocation())
}

func TestRequest_DroppedWhenNotHeld(t *testing.T) {
	tn := newTestNode(t, nil)
	tn.activate()

	req, err := proto.NewRequest(5, 0, 2, false).Marshal()
	require.NoError(t, err)
	tn.OnMessage("10.1.0.2", req)

	assert.Equal(t, 1, tn.stats.counts[metrics.LookupReceived], "receipt is counted even without an answer")
	assert.Equal(t, 0, tn.stats.counts[metrics.LookupResponseSent])
	assert.Empty(t, tn.tx.unicasts)
}

func TestOnMessage_MalformedDropped(t *testing.T) {
	tn := newTestNode(t, nil)
	tn.activate()
	tn.Lookup(2)

	tn.OnMessage("10.1.0.2", []byte{1, 2, 3})
	tn.OnMessage("10.1.0.2", nil)

	assert.Equal(t, 2, tn.stats.counts[metrics.Malformed])
	assert.Empty(t, tn.tx.unicasts)
	assert.Empty(t, tn.stats.samples)
	assert.Equal(t, 1, tn.PendingCount(pending.Lookup))
	assert.Equal(t, 0, tn.Store().ReplicaCount())
}

func TestReallocation_OnlyMissingItems(t *testing.T) {
	// Node 0 of 4 owns 1..10; the ten highest-ranked items are 31..40.
	tn := newTestNode(t, func(c *Config) {
		c.TotalNodes = 4
		c.TotalItems = 40
		c.ReplicaCapacity = 10
	})
	tn.activate()
	for id := uint16(34); id <= 40; id++ {
		require.Equal(t, cache.Admitted, tn.Store().Admit(cache.NewReplica(id, 256)))
	}

	issued := tn.Replicator().Evaluate()
	assert.Equal(t, 3, issued)
	require.Len(t, tn.tx.broadcasts, 3)

	var items []uint16
	for _, data := range tn.tx.broadcasts {
		msg := decode(t, data)
		assert.True(t, msg.Reallocation())
		items = append(items, msg.ItemID())
	}
	assert.ElementsMatch(t, []uint16{31, 32, 33}, items)
	assert.Equal(t, 3, tn.stats.counts[metrics.ReallocSent])
	assert.Equal(t, 3, tn.PendingCount(pending.Reallocation))
}

// The issued count excludes top-ranked items the node owns as originals.
func TestReallocation_SkipsOriginals(t *testing.T) {
	// Node 39 of 40 owns item 40; the ten highest-ranked items are 31..40.
	tn := newTestNode(t, func(c *Config) {
		c.Index = 39
		c.TotalNodes = 40
		c.TotalItems = 40
		c.ReplicaCapacity = 10
	})
	tn.activate()
	for id := uint16(34); id <= 39; id++ {
		require.Equal(t, cache.Admitted, tn.Store().Admit(cache.NewReplica(id, 256)))
	}

	assert.Equal(t, 3, tn.Replicator().Evaluate())
	var items []uint16
	for _, data := range tn.tx.broadcasts {
		items = append(items, decode(t, data).ItemID())
	}
	assert.ElementsMatch(t, []uint16{31, 32, 33}, items)
}

func TestReallocation_StoppedNodeIssuesNothing(t *testing.T) {
	tn := newTestNode(t, func(c *Config) {
		c.TotalNodes = 4
		c.TotalItems = 40
		c.ReplicaCapacity = 10
	})

	assert.Equal(t, 0, tn.Replicator().Evaluate())
	assert.Empty(t, tn.tx.broadcasts)
	assert.Zero(t, tn.stats.counts[metrics.ReallocSent])
}

func TestReallocation_FullPoolIssuesNothing(t *testing.T) {
	tn := newTestNode(t, func(c *Config) {
		c.TotalNodes = 4
		c.TotalItems = 40
		c.ReplicaCapacity = 2
	})
	tn.activate()
	tn.Store().Admit(cache.NewReplica(11, 256))
	tn.Store().Admit(cache.NewReplica(12, 256))

	assert.Equal(t, 0, tn.Replicator().Evaluate())
	assert.Empty(t, tn.tx.broadcasts)
}

func TestOnStop_ReportsUnresolvedAndCancels(t *testing.T) {
	tn := newTestNode(t, nil)
	tn.activate()
	tn.Lookup(2)
	tn.askPeers(2, pending.Reallocation)

	tn.OnStop()
	assert.False(t, tn.Running())
	assert.Equal(t, 1, tn.stats.counts[metrics.LookupUnresolved])
	assert.Equal(t, 1, tn.stats.counts[metrics.ReallocUnresolved])
	assert.Equal(t, Stopped, tn.Replicator().State())

	tn.runTo(t, time.Minute)
	assert.Equal(t, 0, tn.stats.counts[metrics.LookupTimeout])
	assert.Equal(t, 0, tn.stats.counts[metrics.ReallocTimeout])

	req, err := proto.NewRequest(5, 0, 1, false).Marshal()
	require.NoError(t, err)
	tn.OnMessage("10.1.0.2", req)
	assert.Equal(t, 0, tn.stats.counts[metrics.LookupReceived], "stopped nodes ignore traffic")
}

func TestOnStartOnStop_Lifecycle(t *testing.T) {
	tn := newTestNode(t, func(c *Config) {
		c.StopAt = 2000 * time.Second
		c.ReallocationPeriod = 100 * time.Second
	})

	tn.OnStart()
	require.True(t, tn.Running())
	tn.OnStart()

	tn.runTo(t, 1000*time.Second)
	assert.Equal(t, 10, tn.Replicator().Cycles())
	assert.Equal(t, Idle, tn.Replicator().State())
	assert.Greater(t, tn.stats.counts[metrics.CacheHit]+tn.stats.counts[metrics.LookupSent], 0)

	tn.OnStop()
	assert.Equal(t, 0, tn.clock.Pending(), "stop cancels every timer")
	tn.runTo(t, 5000*time.Second)
	assert.Equal(t, 10, tn.Replicator().Cycles(), "no cycles after stop")
}

package pending

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safmesh/safmesh/internal/clock"
)

type harness struct {
	clock   *clock.Virtual
	reg     *Registry
	expired []Request
}

func newHarness(timeout, stopAt time.Duration) *harness {
	h := &harness{clock: clock.NewVirtual()}
	h.reg = New(Config{
		Clock:     h.clock,
		Timeout:   timeout,
		StopAt:    stopAt,
		OnTimeout: func(r Request) { h.expired = append(h.expired, r) },
		Logger:    zerolog.Nop(),
	})
	return h
}

func (h *harness) runTo(t *testing.T, at time.Duration) {
	t.Helper()
	require.NoError(t, h.clock.Run(context.Background(), at))
}

func TestRegistry_ResolveBeforeTimeout(t *testing.T) {
	h := newHarness(10*time.Second, 0)
	h.reg.Register(Request{ID: 1, Kind: Lookup, ItemID: 5})
	require.True(t, h.reg.ArmTimeout(1, Lookup))

	h.runTo(t, 3*time.Second)
	req, ok := h.reg.Resolve(1, Lookup)
	require.True(t, ok)
	assert.Equal(t, uint16(5), req.ItemID)

	h.runTo(t, 20*time.Second)
	assert.Empty(t, h.expired, "resolved request must not time out")

	_, ok = h.reg.Resolve(1, Lookup)
	assert.False(t, ok, "second resolve finds nothing")
}

func TestRegistry_TimeoutThenLateResolve(t *testing.T) {
	h := newHarness(10*time.Second, 0)
	h.reg.Register(Request{ID: 7, Kind: Reallocation, ItemID: 3})
	require.True(t, h.reg.ArmTimeout(7, Reallocation))

	h.runTo(t, 11*time.Second)
	require.Len(t, h.expired, 1)
	assert.Equal(t, uint32(7), h.expired[0].ID)
	assert.Equal(t, Reallocation, h.expired[0].Kind)

	_, ok := h.reg.Resolve(7, Reallocation)
	assert.False(t, ok)
	assert.Equal(t, 0, h.reg.Len(Reallocation))
}

func TestRegistry_KindsAreSeparate(t *testing.T) {
	h := newHarness(time.Second, 0)
	h.reg.Register(Request{ID: 1, Kind: Lookup})
	h.reg.Register(Request{ID: 1, Kind: Reallocation})

	_, ok := h.reg.Resolve(1, Reallocation)
	require.True(t, ok)
	assert.True(t, h.reg.Pending(1, Lookup))
	assert.False(t, h.reg.Pending(1, Reallocation))
	assert.Equal(t, 1, h.reg.Len(Lookup))
}

func TestRegistry_ArmTimeoutRespectsStop(t *testing.T) {
	h := newHarness(10*time.Second, 15*time.Second)
	h.reg.Register(Request{ID: 1, Kind: Lookup})
	h.reg.Register(Request{ID: 2, Kind: Lookup})

	assert.True(t, h.reg.ArmTimeout(1, Lookup), "deadline 10s < stop 15s")

	h.runTo(t, 5*time.Second)
	assert.False(t, h.reg.ArmTimeout(2, Lookup), "deadline 15s is not before stop")
	assert.False(t, h.reg.ArmTimeout(99, Lookup), "unknown id")

	h.runTo(t, 15*time.Second)
	require.Len(t, h.expired, 1)
	assert.Equal(t, uint32(1), h.expired[0].ID)
	assert.True(t, h.reg.Pending(2, Lookup))
}

func TestRegistry_Shutdown(t *testing.T) {
	h := newHarness(10*time.Second, 0)
	for _, id := range []uint32{9, 2, 5} {
		h.reg.Register(Request{ID: id, Kind: Lookup})
		h.reg.ArmTimeout(id, Lookup)
	}
	h.reg.Register(Request{ID: 4, Kind: Reallocation})
	h.reg.ArmTimeout(4, Reallocation)

	left := h.reg.Shutdown()
	var ids []uint32
	for _, r := range left {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []uint32{2, 5, 9, 4}, ids)
	assert.Equal(t, 0, h.reg.Len(Lookup))
	assert.Equal(t, 0, h.reg.Len(Reallocation))

	h.runTo(t, time.Minute)
	assert.Empty(t, h.expired, "shutdown cancels timeouts")
	assert.Equal(t, 0, h.clock.Pending())
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	h := newHarness(10*time.Second, 0)
	h.reg.Register(Request{ID: 1, Kind: Lookup, ItemID: 1})
	h.reg.ArmTimeout(1, Lookup)
	h.reg.Register(Request{ID: 1, Kind: Lookup, ItemID: 2})

	h.runTo(t, time.Minute)
	assert.Empty(t, h.expired, "replaced entry has no armed timeout")
	req, ok := h.reg.Resolve(1, Lookup)
	require.True(t, ok)
	assert.Equal(t, uint16(2), req.ItemID)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Reallocation, KindOf(true))
	assert.Equal(t, Lookup, KindOf(false))
	assert.Equal(t, "reallocation", Reallocation.String())
	assert.Equal(t, "lookup", Lookup.String())
}

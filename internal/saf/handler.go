package saf

import (
	"time"

	"github.com/safmesh/safmesh/internal/cache"
	"github.com/safmesh/safmesh/internal/metrics"
	"github.com/safmesh/safmesh/internal/pending"
	"github.com/safmesh/safmesh/pkg/proto"
)

// OnMessage decodes and dispatches one incoming packet. Undecodable packets
// are logged and dropped without touching any state.
func (n *Node) OnMessage(from string, data []byte) {
	if !n.running {
		return
	}
	msg, err := proto.Unmarshal(data)
	if err != nil {
		n.stats.Inc(metrics.Malformed)
		n.logger.Warn().Err(err).Str("from", from).Int("bytes", len(data)).Msg("dropping malformed packet")
		return
	}

	switch msg.Header.Kind {
	case proto.KindRequest:
		n.handleRequest(from, msg)
	case proto.KindResponse:
		n.handleResponse(from, msg)
	}
}

func (n *Node) handleRequest(from string, msg *proto.Message) {
	id := msg.Request.ItemID
	realloc := msg.Request.Reallocation

	// Counted whether or not the item is held.
	if realloc {
		n.stats.Inc(metrics.ReallocReceived)
	} else {
		n.stats.Inc(metrics.LookupReceived)
	}

	item, ok := n.store.Get(id)
	if !ok || !item.Stored() {
		n.logger.Debug().Uint16("item", id).Str("from", from).Msg("item not held, not responding")
		return
	}

	resp := proto.NewResponse(n.nextRequestID(), n.clock.Now(), msg, item.Size)
	data, err := resp.Marshal()
	if err != nil {
		n.logger.Error().Err(err).Uint16("item", id).Msg("failed to encode response")
		return
	}
	if realloc {
		n.stats.Inc(metrics.ReallocResponseSent)
	} else {
		n.stats.Inc(metrics.LookupResponseSent)
	}
	if err := n.tx.SendTo(from, data); err != nil {
		n.logger.Debug().Err(err).Str("to", from).Msg("response send failed")
		return
	}
	n.logger.Debug().
		Uint32("request", msg.Header.ID).
		Uint16("item", id).
		Str("to", from).
		Msg("response sent")
}

func (n *Node) handleResponse(from string, msg *proto.Message) {
	id := msg.Response.ItemID
	realloc := msg.Response.Reallocation

	// Late responses still carry usable data.
	switch n.store.Admit(cache.NewReplica(id, msg.Response.DataSize)) {
	case cache.Admitted:
		n.stats.Inc(metrics.ReplicaAdmitted)
	case cache.Full, cache.Invalid:
		n.stats.Inc(metrics.ReplicaRejected)
	}

	_, onTime := n.pending.Resolve(msg.Header.ResponseTo, pending.KindOf(realloc))
	rtt := n.clock.Now() - msDuration(msg.Header.OriginalSentAt)
	n.stats.Observe(metrics.OutcomeFor(realloc, onTime), rtt)

	n.logger.Debug().
		Uint32("response_to", msg.Header.ResponseTo).
		Uint16("item", id).
		Str("from", from).
		Bool("on_time", onTime).
		Dur("rtt", rtt).
		Msg("response received")
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

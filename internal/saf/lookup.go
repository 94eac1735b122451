package saf

import (
	"github.com/safmesh/safmesh/internal/metrics"
	"github.com/safmesh/safmesh/internal/pending"
	"github.com/safmesh/safmesh/pkg/proto"
)

// Lookup serves id from the local cache or asks peers for it.
// It reports whether the item was held locally. A stopped node does nothing.
func (n *Node) Lookup(id uint16) bool {
	if !n.running {
		return false
	}
	if n.store.ContainsStored(id) {
		n.stats.Inc(metrics.CacheHit)
		n.logger.Debug().Uint16("item", id).Msg("cache hit")
		return true
	}
	n.askPeers(id, pending.Lookup)
	return false
}

// askPeers broadcasts a request for id and tracks it until a response or timeout.
func (n *Node) askPeers(id uint16, kind pending.Kind) (uint32, bool) {
	if !n.running {
		return 0, false
	}

	reqID := n.nextRequestID()
	now := n.clock.Now()
	realloc := kind == pending.Reallocation

	data, err := proto.NewRequest(reqID, now, id, realloc).Marshal()
	if err != nil {
		n.logger.Error().Err(err).Uint16("item", id).Msg("failed to encode request")
		return 0, false
	}

	n.pending.Register(pending.Request{ID: reqID, Kind: kind, ItemID: id, IssuedAt: now})
	if err := n.tx.Broadcast(data); err != nil {
		n.logger.Debug().Err(err).Uint32("request", reqID).Msg("broadcast failed")
	}
	if realloc {
		n.stats.Inc(metrics.ReallocSent)
	} else {
		n.stats.Inc(metrics.LookupSent)
	}
	n.pending.ArmTimeout(reqID, kind)

	n.logger.Debug().
		Uint32("request", reqID).
		Uint16("item", id).
		Str("kind", kind.String()).
		Msg("request sent")
	return reqID, true
}

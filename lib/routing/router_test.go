package routing

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/event"
	"github.com/go-i2p/go-dtn/lib/filter"
	"github.com/go-i2p/go-dtn/lib/netdb"
	"github.com/go-i2p/go-dtn/lib/node"
)

func TestNeighborDeliversToDestination(t *testing.T) {
	h := newHarness(t, 5, NewNeighborExtension())
	meta := h.put(t, peer.Add("app"), 1)
	h.put(t, other.Add("app"), 2)

	h.connect(peer)
	queued := h.waitQueued(t, 1)
	require.Len(t, queued, 1)
	assert.Equal(t, meta.ID, queued[0].Bundle().ID)

	queued[0].Complete()
	e := h.waitEvent(t, event.KindBundlePurge, nil)
	assert.Equal(t, event.PurgeDelivered, e.(event.BundlePurgeEvent).Reason)
	require.Eventually(t, func() bool { return !h.store.Contains(meta.ID) }, waitFor, tick)
	assert.True(t, h.router.IsPurged(meta.ID))

	stats, ok := h.db.Tracker().Stats(peer)
	require.True(t, ok)
	assert.Equal(t, 1, stats.Completed)
}

func TestSearchIsBoundedByTransferSlots(t *testing.T) {
	h := newHarness(t, 2, NewNeighborExtension())
	for seq := uint64(1); seq <= 3; seq++ {
		h.put(t, peer.Add("app"), seq)
	}
	h.connect(peer)

	queued := h.waitQueued(t, 2)
	assert.Never(t, func() bool { return len(h.conns.Queued()) > 2 }, 100*time.Millisecond, tick)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.InTransit))

	queued[0].Complete()
	all := h.waitQueued(t, 3)
	ids := queuedIDs(all)
	assert.Len(t, ids, 3)
	assert.NotEqual(t, ids[2], ids[0])
	assert.NotEqual(t, ids[2], ids[1])
}

func TestFloodingSkipsWhatThePeerHas(t *testing.T) {
	h := newHarness(t, 5, NewFloodingExtension())
	held := h.put(t, other.Add("app"), 1)
	fresh := h.put(t, other.Add("app"), 2)
	exhausted := h.put(t, other.Add("app"), 3)
	b, err := h.store.Load(exhausted.ID)
	require.NoError(t, err)
	b.HasHopLimit = true
	b.HopLimit = 0
	require.NoError(t, h.store.Store(b))
	h.put(t, local.Add("inbox"), 4)

	h.db.AddToSummary(peer, held)
	h.connect(peer)

	queued := h.waitQueued(t, 1)
	assert.Never(t, func() bool { return len(h.conns.Queued()) > 1 }, 100*time.Millisecond, tick)
	assert.Equal(t, fresh.ID, queued[0].Bundle().ID)
}

func TestRoutingFilterRefusesBundles(t *testing.T) {
	h := newHarness(t, 5, NewFloodingExtension())
	rule, err := filter.ParseRule("REJECT destination=^dtn://other")
	require.NoError(t, err)
	table := filter.NewTable("routing")
	table.Append(rule)
	h.router.SetRoutingFilter(table)

	h.put(t, other.Add("app"), 1)
	allowed := h.put(t, "dtn://elsewhere/app", 2)
	h.connect(peer)

	queued := h.waitQueued(t, 1)
	assert.Never(t, func() bool { return len(h.conns.Queued()) > 1 }, 100*time.Millisecond, tick)
	assert.Equal(t, allowed.ID, queued[0].Bundle().ID)
}

func TestQueueBundleReachesNeighbors(t *testing.T) {
	h := newHarness(t, 5, NewFloodingExtension())
	h.conns.set(peer, true)
	h.conns.set(other, true)
	h.db.Create(peer)
	h.db.Create(other)

	meta := h.put(t, "dtn://far/app", 1)
	h.bus.Raise(event.QueueBundleEvent{Bundle: meta, Origin: other})

	queued := h.waitQueued(t, 1)
	assert.Never(t, func() bool { return len(h.conns.Queued()) > 1 }, 100*time.Millisecond, tick)
	assert.Equal(t, peer, queued[0].Peer(), "never sent back to where it came from")
}

func TestAbortedTransferReleasesSlot(t *testing.T) {
	h := newHarness(t, 2, NewNeighborExtension())
	ids := map[bundle.ID]bool{}
	for seq := uint64(1); seq <= 3; seq++ {
		ids[h.put(t, peer.Add("app"), seq).ID] = true
	}
	h.connect(peer)

	queued := h.waitQueued(t, 2)
	assert.Never(t, func() bool { return len(h.conns.Queued()) > 2 }, 100*time.Millisecond, tick)
	delete(ids, queued[0].Bundle().ID)
	delete(ids, queued[1].Bundle().ID)
	require.Len(t, ids, 1)

	require.NoError(t, h.store.Remove(queued[0].Bundle().ID))
	queued[0].Abort(event.AbortBundleDeleted)

	queued = h.waitQueued(t, 3)
	assert.True(t, ids[queued[2].Bundle().ID], "the third bundle takes the released slot")
	assert.Never(t, func() bool { return len(h.conns.Queued()) > 3 }, 100*time.Millisecond, tick)
}

func TestAbortedTransferRetriesUntilStale(t *testing.T) {
	h := newHarness(t, 1, NewNeighborExtension())
	meta := h.put(t, peer.Add("app"), 1)
	h.connect(peer)

	for n := 1; n <= 3; n++ {
		queued := h.waitQueued(t, n)
		assert.Equal(t, meta.ID, queued[n-1].Bundle().ID)
		queued[n-1].Abort(event.AbortConnectionDown)
	}
	assert.Never(t, func() bool { return len(h.conns.Queued()) > 3 }, 100*time.Millisecond, tick)

	stats, ok := h.db.Tracker().Stats(peer)
	require.True(t, ok)
	assert.Equal(t, 3, stats.Aborted)
	assert.True(t, h.db.Tracker().IsLikelyStale(peer))
}

func TestRefusedTransferDoesNotTriggerSearch(t *testing.T) {
	for _, reason := range []event.AbortReason{event.AbortRefused, event.AbortRefusedByFilter} {
		t.Run(reason.String(), func(t *testing.T) {
			h := newHarness(t, 5, NewNeighborExtension())
			h.put(t, peer.Add("app"), 1)
			h.connect(peer)
			queued := h.waitQueued(t, 1)

			queued[0].Abort(reason)
			h.waitEvent(t, event.KindTransferAborted, nil)
			assert.Never(t, func() bool { return len(h.conns.Queued()) > 1 }, 100*time.Millisecond, tick)

			stats, ok := h.db.Tracker().Stats(peer)
			require.True(t, ok)
			assert.Equal(t, 1, stats.Aborted)
		})
	}
}

func TestTransferTo(t *testing.T) {
	h := newHarness(t, 5)
	meta := h.put(t, other.Add("app"), 1)

	assert.ErrorIs(t, h.router.TransferTo(peer, meta, node.ProtoTCP), netdb.ErrNeighborNotAvailable)

	h.conns.set(peer, true)
	h.db.Create(peer)
	require.NoError(t, h.router.TransferTo(peer.Add("app"), meta, node.ProtoTCP))
	assert.ErrorIs(t, h.router.TransferTo(peer, meta, node.ProtoTCP), netdb.ErrAlreadyInTransit)

	queued := h.conns.Queued()
	require.Len(t, queued, 1)
	assert.Equal(t, node.ProtoTCP, queued[0].Protocol())
	queued[0].Complete()
	require.NoError(t, h.db.Do(func(tx *netdb.Tx) error {
		e, err := tx.Get(peer)
		require.NoError(t, err)
		assert.False(t, e.InTransit(meta.ID))
		return nil
	}))
}

func TestTransferToUnavailableNeighborReleasesSlot(t *testing.T) {
	h := newHarness(t, 1)
	meta := h.put(t, other.Add("app"), 1)
	h.db.Create(peer)

	assert.ErrorIs(t, h.router.TransferTo(peer, meta, node.ProtoUndefined), netdb.ErrNeighborNotAvailable)
	require.NoError(t, h.db.Acquire(peer, meta.ID), "slot was released")
}

func TestLedger(t *testing.T) {
	h := newHarness(t, 5)
	meta := bundle.MetaBundle{ID: bundle.ID{Source: "dtn://a/app", Timestamp: h.router.Now(), Sequence: 1}, Lifetime: 60}

	assert.False(t, h.router.IsKnown(meta.ID))
	assert.False(t, h.router.FilterKnown(meta), "first sighting")
	assert.True(t, h.router.FilterKnown(meta))
	assert.True(t, h.router.IsKnown(meta.ID))
	assert.True(t, h.router.KnownSummary().Has(meta.ID))

	h.router.SetPurged(meta)
	assert.True(t, h.router.IsPurged(meta.ID))
	assert.True(t, h.router.PurgedSummary().Has(meta.ID))
}

func TestLedgerIsPersisted(t *testing.T) {
	p := &memPersister{}
	meta := bundle.MetaBundle{ID: bundle.ID{Source: "dtn://a/app", Timestamp: 100, Sequence: 1}, Lifetime: 1 << 30}

	r, err := New(Options{LocalEID: local, DB: netdb.New(netdb.Config{}), Persister: p})
	require.NoError(t, err)
	r.SetKnown(meta)
	r.SetPurged(meta)
	require.NoError(t, r.Stop())

	restored, err := New(Options{LocalEID: local, DB: netdb.New(netdb.Config{}), Persister: p})
	require.NoError(t, err)
	assert.True(t, restored.IsKnown(meta.ID))
	assert.True(t, restored.IsPurged(meta.ID))
}

func TestNodeUnavailableResetsNeighbor(t *testing.T) {
	h := newHarness(t, 5)
	meta := h.put(t, other.Add("app"), 1)
	h.connect(peer)
	h.waitEvent(t, event.KindNode, nil)
	h.db.AddToSummary(peer, meta)

	h.bus.Raise(event.NodeEvent{Node: node.New(peer), Action: event.NodeUnavailable})
	require.Eventually(t, func() bool {
		var has bool
		_ = h.db.Do(func(tx *netdb.Tx) error {
			e, err := tx.Get(peer)
			if err == nil {
				has, _ = e.Has(meta.ID, false)
			}
			return nil
		})
		return !has
	}, waitFor, tick)
}

func TestExtensionLookup(t *testing.T) {
	h := newHarness(t, 5, NewNeighborExtension(), NewFloodingExtension())
	ext, ok := h.router.Extension("flooding")
	require.True(t, ok)
	assert.Equal(t, "flooding", ext.Name())
	_, ok = h.router.Extension("prophet")
	assert.False(t, ok)
	assert.Len(t, h.router.Extensions(), 2)
}

package routing

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/bundleset"
	"github.com/go-i2p/go-dtn/lib/event"
	"github.com/go-i2p/go-dtn/lib/netdb"
	"github.com/go-i2p/go-dtn/lib/storage"
)

// deliver stores a handshake bundle from peer's routing endpoint and
// announces it like the core does after admission.
func (h *harness) deliver(t *testing.T, from bundle.EID, seq uint64, msg *handshakeMessage) bundle.MetaBundle {
	t.Helper()
	payload, err := msg.MarshalBinary()
	require.NoError(t, err)
	b := bundle.New(from.Add(RoutingApp), local.Add(RoutingApp), payload)
	b.Timestamp = h.router.Now()
	b.Sequence = seq
	b.Lifetime = HandshakeTimeout
	require.NoError(t, h.store.Store(b))
	h.bus.Raise(event.QueueBundleEvent{Bundle: b.Meta(), Origin: from})
	return b.Meta()
}

func summaryResponse(t *testing.T, lifetime uint64, ids ...bundle.ID) *handshakeMessage {
	t.Helper()
	sv := bundleset.NewSummary(4096, 0.0001)
	for _, id := range ids {
		sv.Add(id)
	}
	data, err := sv.Bytes()
	require.NoError(t, err)
	msg := &handshakeMessage{typ: messageResponse}
	msg.add(ItemSummaryVector, encodeSummaryItem(lifetime, data))
	return msg
}

func generatedTo(h *harness, dst bundle.EID) []bundle.MetaBundle {
	var list storage.List
	_ = h.store.Get(storage.SelectorFunc{Fn: func(m bundle.MetaBundle) (bool, error) {
		return m.Destination == dst && m.Source == local.Add(RoutingApp), nil
	}}, &list)
	return list.Items
}

func TestHandshakeRequestedOnContact(t *testing.T) {
	h := newHarness(t, 5, NewNeighborExtension(), NewHandshakeExtension(600))
	h.connect(peer)

	queued := h.waitQueued(t, 1)
	assert.Equal(t, peer.Add(RoutingApp), queued[0].Bundle().Destination)

	b, err := h.store.Load(queued[0].Bundle().ID)
	require.NoError(t, err)
	msg, err := parseHandshake(b.Payload)
	require.NoError(t, err)
	assert.Equal(t, messageRequest, msg.typ)
	_, ok := msg.item(ItemSummaryVector)
	assert.True(t, ok)

	require.NoError(t, h.db.Do(func(tx *netdb.Tx) error {
		e, err := tx.Get(peer)
		require.NoError(t, err)
		assert.Equal(t, netdb.FilterAwaiting, e.FilterState())
		return nil
	}))
}

func TestHandshakeRepliesToRequests(t *testing.T) {
	h := newHarness(t, 5, NewHandshakeExtension(600))
	known := bundle.MetaBundle{ID: bundle.ID{Source: "dtn://a/app", Timestamp: h.router.Now(), Sequence: 9}, Lifetime: 60}
	h.router.SetKnown(known)

	req := &handshakeMessage{typ: messageRequest}
	req.add(ItemSummaryVector, nil)
	req.add(ItemPurgedVector, nil)
	meta := h.deliver(t, peer, 1, req)

	h.waitEvent(t, event.KindNodeHandshake, func(e event.Event) bool {
		return e.(event.NodeHandshakeEvent).State == event.HandshakeReplied
	})
	replies := generatedTo(h, peer.Add(RoutingApp))
	require.Len(t, replies, 1)

	b, err := h.store.Load(replies[0].ID)
	require.NoError(t, err)
	resp, err := parseHandshake(b.Payload)
	require.NoError(t, err)
	assert.Equal(t, messageResponse, resp.typ)
	data, ok := resp.item(ItemSummaryVector)
	require.True(t, ok)
	lifetime, raw, err := decodeSummaryItem(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), lifetime)
	sv, err := bundleset.ParseSummary(raw)
	require.NoError(t, err)
	assert.True(t, sv.Has(known.ID))
	_, ok = resp.item(ItemPurgedVector)
	assert.True(t, ok)

	require.Eventually(t, func() bool { return !h.store.Contains(meta.ID) }, waitFor, tick, "request consumed")
}

func TestHandshakeSurvivesMalformedItems(t *testing.T) {
	p, err := NewProphetExtension(DefaultProphetConfig(), nil)
	require.NoError(t, err)
	h := newHarness(t, 5, NewHandshakeExtension(600), p)

	// A bloom header announcing 2^62 bits without the words behind it.
	hugeFilter := binary.BigEndian.AppendUint64(nil, 1<<62)
	hugeFilter = binary.BigEndian.AppendUint64(hugeFilter, 3)
	hugeFilter = binary.BigEndian.AppendUint64(hugeFilter, 1<<62)

	hugeEntry := binary.AppendUvarint(nil, 1)
	hugeEntry = binary.AppendUvarint(hugeEntry, math.MaxUint64-4)
	hugeEntry = append(hugeEntry, make([]byte, 8)...)

	prophet := &handshakeMessage{typ: messageResponse}
	prophet.add(ItemProphet, hugeEntry)
	summary := &handshakeMessage{typ: messageResponse}
	summary.add(ItemSummaryVector, encodeSummaryItem(600, hugeFilter))
	purged := &handshakeMessage{typ: messageResponse}
	purged.add(ItemPurgedVector, hugeFilter)

	var malformed []bundle.MetaBundle
	for i, msg := range []*handshakeMessage{prophet, summary, purged} {
		malformed = append(malformed, h.deliver(t, peer, uint64(i+1), msg))
	}

	req := &handshakeMessage{typ: messageRequest}
	req.add(ItemSummaryVector, nil)
	req.add(ItemPurgedVector, nil)
	h.deliver(t, peer, 4, req)

	h.waitEvent(t, event.KindNodeHandshake, func(e event.Event) bool {
		return e.(event.NodeHandshakeEvent).State == event.HandshakeReplied
	})
	assert.Len(t, generatedTo(h, peer.Add(RoutingApp)), 1)
	for _, meta := range malformed {
		require.Eventually(t, func() bool { return !h.store.Contains(meta.ID) }, waitFor, tick, "malformed handshake consumed")
	}
	assert.Empty(t, p.Predictabilities())

	require.NoError(t, h.db.Do(func(tx *netdb.Tx) error {
		e, err := tx.Get(peer)
		if err != nil {
			return nil
		}
		assert.NotEqual(t, netdb.FilterAvailable, e.FilterState())
		return nil
	}))
}

func TestEpidemicWaitsForSummaryVector(t *testing.T) {
	h := newHarness(t, 5, NewNeighborExtension(), NewHandshakeExtension(600), NewEpidemicExtension(true))
	held := h.put(t, other.Add("app"), 1)
	wanted := h.put(t, other.Add("app"), 2)
	h.connect(peer)

	queued := h.waitQueued(t, 1)
	assert.Never(t, func() bool { return len(h.conns.Queued()) > 1 }, 100*time.Millisecond, tick,
		"only the handshake request goes out without a summary vector")
	assert.Equal(t, peer.Add(RoutingApp), queued[0].Bundle().Destination)

	h.deliver(t, peer, 1, summaryResponse(t, 600, held.ID))
	h.waitEvent(t, event.KindNodeHandshake, func(e event.Event) bool {
		return e.(event.NodeHandshakeEvent).State == event.HandshakeCompleted
	})

	all := h.waitQueued(t, 2)
	assert.Never(t, func() bool { return len(h.conns.Queued()) > 2 }, 100*time.Millisecond, tick)
	assert.Equal(t, wanted.ID, all[1].Bundle().ID)
}

func TestEpidemicPrefersDirectDelivery(t *testing.T) {
	h := newHarness(t, 5, NewEpidemicExtension(true))
	h.conns.set(other, true)
	direct := h.put(t, other.Add("app"), 1)
	relayed := h.put(t, "dtn://far/app", 2)

	h.db.Update(peer, bundleset.NewSummary(4096, 0.0001), 0)
	h.connect(peer)

	queued := h.waitQueued(t, 1)
	assert.Never(t, func() bool { return len(h.conns.Queued()) > 1 }, 100*time.Millisecond, tick)
	assert.Equal(t, relayed.ID, queued[0].Bundle().ID)
	assert.NotEqual(t, direct.ID, queued[0].Bundle().ID)
}

func TestHandshakeAppliesPurgeVector(t *testing.T) {
	h := newHarness(t, 5, NewHandshakeExtension(600))
	gone := h.put(t, other.Add("app"), 1)
	kept := h.put(t, other.Add("app"), 2)

	pv := bundleset.NewSummary(4096, 0.0001)
	pv.Add(gone.ID)
	data, err := pv.Bytes()
	require.NoError(t, err)
	resp := &handshakeMessage{typ: messageResponse}
	resp.add(ItemPurgedVector, data)
	h.deliver(t, peer, 1, resp)

	require.Eventually(t, func() bool { return !h.store.Contains(gone.ID) }, waitFor, tick)
	assert.True(t, h.router.IsPurged(gone.ID))
	assert.True(t, h.store.Contains(kept.ID))
}

func TestHandshakeMaintenanceRetriesUnansweredRequests(t *testing.T) {
	h := newHarness(t, 5, NewHandshakeExtension(600))
	h.connect(peer)
	require.Eventually(t, func() bool { return len(generatedTo(h, peer.Add(RoutingApp))) == 1 }, waitFor, tick)

	h.tick()
	assert.Never(t, func() bool { return len(generatedTo(h, peer.Add(RoutingApp))) > 1 }, 100*time.Millisecond, tick,
		"request still pending")

	h.clock.Add((HandshakeTimeout + 1) * time.Second)
	h.tick()
	require.Eventually(t, func() bool { return len(generatedTo(h, peer.Add(RoutingApp))) == 2 }, waitFor, tick)
}

func TestMalformedHandshakeIsDropped(t *testing.T) {
	h := newHarness(t, 5, NewHandshakeExtension(600))
	b := bundle.New(peer.Add(RoutingApp), local.Add(RoutingApp), []byte{0x7f})
	b.Timestamp = h.router.Now()
	b.Lifetime = 60
	require.NoError(t, h.store.Store(b))
	h.bus.Raise(event.QueueBundleEvent{Bundle: b.Meta(), Origin: peer})

	require.Eventually(t, func() bool { return !h.store.Contains(b.ID) }, waitFor, tick)
	assert.Empty(t, h.events.OfKind(event.KindNodeHandshake))
}

func TestHandshakeCodec(t *testing.T) {
	msg := &handshakeMessage{typ: messageResponse}
	msg.add(ItemSummaryVector, encodeSummaryItem(30, []byte{1, 2, 3}))
	msg.add(ItemProphet, []byte{})
	data, err := msg.MarshalBinary()
	require.NoError(t, err)

	parsed, err := parseHandshake(data)
	require.NoError(t, err)
	assert.Equal(t, messageResponse, parsed.typ)
	sv, ok := parsed.item(ItemSummaryVector)
	require.True(t, ok)
	lifetime, raw, err := decodeSummaryItem(sv)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), lifetime)
	assert.Equal(t, []byte{1, 2, 3}, raw)
	_, ok = parsed.item(ItemPurgedVector)
	assert.False(t, ok)

	for name, bad := range map[string][]byte{
		"empty":        nil,
		"unknown type": {9, 0},
		"truncated":    data[:len(data)-2],
		"length":       {byte(messageRequest), 1, byte(ItemSummaryVector), 50},
	} {
		_, err := parseHandshake(bad)
		assert.ErrorIs(t, err, ErrInvalidHandshake, name)
	}
}

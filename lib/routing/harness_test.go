package routing

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/bundleset"
	"github.com/go-i2p/go-dtn/lib/event"
	"github.com/go-i2p/go-dtn/lib/metrics"
	"github.com/go-i2p/go-dtn/lib/netdb"
	"github.com/go-i2p/go-dtn/lib/node"
	"github.com/go-i2p/go-dtn/lib/storage"
	"github.com/go-i2p/go-dtn/lib/transport"
)

const (
	local bundle.EID = "dtn://local"
	peer  bundle.EID = "dtn://peer"
	other bundle.EID = "dtn://other"

	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var allKinds = []event.Kind{
	event.KindNode, event.KindTransferCompleted, event.KindTransferAborted,
	event.KindRequeueBundle, event.KindBundleReceived, event.KindQueueBundle,
	event.KindTime, event.KindBundleGenerated, event.KindConnection,
	event.KindBundlePurge, event.KindBundleExpired, event.KindGlobal,
	event.KindStatusReport, event.KindConfigChanged, event.KindNodeHandshake,
}

// fakeConnections accepts transfers for the neighbors marked up and keeps
// the tickets so tests can finish them.
type fakeConnections struct {
	mu        sync.Mutex
	neighbors map[bundle.EID]bool
	queued    []*transport.Transfer
}

func newFakeConnections() *fakeConnections {
	return &fakeConnections{neighbors: make(map[bundle.EID]bool)}
}

func (c *fakeConnections) set(eid bundle.EID, up bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.neighbors[eid] = up
}

func (c *fakeConnections) Queue(t *transport.Transfer) error {
	c.mu.Lock()
	if !c.neighbors[t.Peer()] {
		c.mu.Unlock()
		t.Abort(event.AbortConnectionDown)
		return netdb.ErrNeighborNotAvailable
	}
	c.queued = append(c.queued, t)
	c.mu.Unlock()
	return nil
}

func (c *fakeConnections) Neighbors() []*node.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*node.Node
	for eid, up := range c.neighbors {
		if up {
			out = append(out, node.New(eid))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EID() < out[j].EID() })
	return out
}

func (c *fakeConnections) IsNeighbor(eid bundle.EID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.neighbors[eid.Node()]
}

func (c *fakeConnections) Queued() []*transport.Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*transport.Transfer(nil), c.queued...)
}

type harness struct {
	clock   *clock.Mock
	bus     *event.Bus
	events  *event.Recorder
	db      *netdb.Database
	conns   *fakeConnections
	store   *storage.MemoryStorage
	metrics *metrics.Metrics
	router  *Router
}

func newHarness(t *testing.T, maxInTransit int, exts ...Extension) *harness {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC))
	now := func() uint64 { return bundle.DTNTime(clk.Now()) }
	m := metrics.New()

	h := &harness{
		clock:   clk,
		bus:     event.NewBus(m),
		events:  &event.Recorder{},
		conns:   newFakeConnections(),
		store:   storage.NewMemoryStorage(0, m),
		metrics: m,
	}
	h.db = netdb.New(netdb.Config{MaxInTransit: maxInTransit, Now: now, Clock: clk, Metrics: m})
	r, err := New(Options{
		LocalEID:    local,
		DB:          h.db,
		Connections: h.conns,
		Storage:     h.store,
		Events:      h.bus,
		Clock:       clk,
		Metrics:     m,
		Now:         now,
	})
	require.NoError(t, err)
	for _, ext := range exts {
		r.AddExtension(ext)
	}
	h.router = r

	h.bus.Subscribe(r, r.Kinds()...)
	h.bus.Subscribe(event.ReceiverFunc(h.events.Raise), allKinds...)
	h.bus.Start()
	r.Start()
	t.Cleanup(func() {
		h.bus.Stop()
		require.NoError(t, r.Stop())
	})
	return h
}

// put stores a bundle from a remote source to dst.
func (h *harness) put(t *testing.T, dst bundle.EID, seq uint64) bundle.MetaBundle {
	t.Helper()
	b := bundle.New("dtn://source/app", dst, []byte("payload"))
	b.Timestamp = h.router.Now()
	b.Sequence = seq
	b.Lifetime = 3600
	require.NoError(t, h.store.Store(b))
	return b.Meta()
}

func (h *harness) connect(eid bundle.EID) {
	h.conns.set(eid, true)
	h.bus.Raise(event.NodeEvent{Node: node.New(eid), Action: event.NodeAvailable})
}

func (h *harness) tick() {
	h.bus.Raise(event.TimeEvent{Timestamp: h.router.Now(), Time: h.clock.Now()})
}

func (h *harness) waitQueued(t *testing.T, n int) []*transport.Transfer {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.conns.Queued()) >= n }, waitFor, tick,
		"expected %d queued transfers", n)
	return h.conns.Queued()
}

func (h *harness) waitEvent(t *testing.T, k event.Kind, match func(event.Event) bool) event.Event {
	t.Helper()
	var found event.Event
	require.Eventually(t, func() bool {
		for _, e := range h.events.OfKind(k) {
			if match == nil || match(e) {
				found = e
				return true
			}
		}
		return false
	}, waitFor, tick, "no %s event", k)
	return found
}

func queuedIDs(ts []*transport.Transfer) []bundle.ID {
	out := make([]bundle.ID, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Bundle().ID)
	}
	return out
}

// memPersister keeps persisted sets in memory.
type memPersister struct {
	mu   sync.Mutex
	sets map[string][]bundleset.Entry
}

func (p *memPersister) LoadSet(name string) ([]bundleset.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bundleset.Entry(nil), p.sets[name]...), nil
}

func (p *memPersister) SaveSet(name string, entries []bundleset.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sets == nil {
		p.sets = make(map[string][]bundleset.Entry)
	}
	p.sets[name] = append([]bundleset.Entry(nil), entries...)
	return nil
}

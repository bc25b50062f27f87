package transport

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-i2p/logger"
	"golang.org/x/time/rate"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/event"
	"github.com/go-i2p/go-dtn/lib/filter"
	"github.com/go-i2p/go-dtn/lib/metrics"
	"github.com/go-i2p/go-dtn/lib/node"
)

// DefaultDialRate bounds proactive connection attempts per second.
const DefaultDialRate = 4

// Compile-time check that ConnectionManager receives events
var _ event.Receiver = (*ConnectionManager)(nil)

// Config configures a ConnectionManager.
type Config struct {
	// LocalEID is this node. Announcements of it are ignored.
	LocalEID bundle.EID
	// Internet is the initial global connectivity state.
	Internet bool
	// AutoConnect is the minimum interval between autoconnect sweeps. Zero
	// disables autoconnect.
	AutoConnect time.Duration
	// DialRate and DialBurst bound the Open calls of autoconnect sweeps.
	DialRate  rate.Limit
	DialBurst int
	Clock     clock.Clock
	Events    event.Raiser
	Output    *filter.Table
	Metrics   *metrics.Metrics
}

// ConnectionManager keeps the registry of known nodes and hands transfers to
// the convergence layer that can reach them.
//
// The node map and the convergence layer set have separate locks.
type ConnectionManager struct {
	local   bundle.EID
	clock   clock.Clock
	events  event.Raiser
	metrics *metrics.Metrics

	internet    atomic.Bool
	autoConnect atomic.Int64
	output      atomic.Pointer[filter.Table]

	nodeMu          sync.RWMutex
	nodes           map[bundle.EID]*node.Node
	nextAutoconnect time.Time
	dialLimiter     *rate.Limiter

	clMu   sync.RWMutex
	layers map[node.Protocol]ConvergenceLayer

	stats *statistics
}

// NewConnectionManager creates an empty registry.
func NewConnectionManager(cfg Config) *ConnectionManager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.DialRate <= 0 {
		cfg.DialRate = DefaultDialRate
	}
	if cfg.DialBurst <= 0 {
		cfg.DialBurst = int(cfg.DialRate)
		if cfg.DialBurst < 1 {
			cfg.DialBurst = 1
		}
	}
	log.WithFields(logger.Fields{
		"at":           "transport.NewConnectionManager",
		"local":        cfg.LocalEID.String(),
		"internet":     cfg.Internet,
		"auto_connect": cfg.AutoConnect.String(),
	}).Debug("creating connection manager")
	m := &ConnectionManager{
		local:       cfg.LocalEID.Node(),
		clock:       cfg.Clock,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		nodes:       make(map[bundle.EID]*node.Node),
		dialLimiter: rate.NewLimiter(cfg.DialRate, cfg.DialBurst),
		layers:      make(map[node.Protocol]ConvergenceLayer),
		stats:       newStatistics(),
	}
	m.internet.Store(cfg.Internet)
	m.autoConnect.Store(int64(cfg.AutoConnect))
	m.output.Store(cfg.Output)
	return m
}

// Kinds lists the events the manager reacts to.
func (m *ConnectionManager) Kinds() []event.Kind {
	return []event.Kind{event.KindTime, event.KindConnection, event.KindGlobal}
}

// SetAutoConnect changes the autoconnect interval.
func (m *ConnectionManager) SetAutoConnect(d time.Duration) {
	m.autoConnect.Store(int64(d))
}

// SetOutputFilter replaces the table applied before every hand-off.
func (m *ConnectionManager) SetOutputFilter(t *filter.Table) {
	m.output.Store(t)
}

// SetInternet changes the global connectivity state and re-evaluates which
// nodes are available.
func (m *ConnectionManager) SetInternet(available bool) {
	if m.internet.Swap(available) == available {
		return
	}
	log.WithFields(logger.Fields{
		"at":       "(ConnectionManager) SetInternet",
		"internet": available,
	}).Info("global connectivity changed")
	m.refreshAvailability()
}

// Internet reports the global connectivity state.
func (m *ConnectionManager) Internet() bool {
	return m.internet.Load()
}

func (m *ConnectionManager) raise(evs []event.Event) {
	if m.events == nil {
		return
	}
	for _, e := range evs {
		m.events.Raise(e)
	}
}

// updateGauge must be called with nodeMu held.
func (m *ConnectionManager) updateGauge() {
	if m.metrics == nil {
		return
	}
	global := m.internet.Load()
	count := 0
	for _, n := range m.nodes {
		if n.IsAvailable(global) {
			count++
		}
	}
	m.metrics.Neighbors.Set(float64(count))
}

// Add merges n into the registry.
func (m *ConnectionManager) Add(n *node.Node) {
	if n.EID() == m.local {
		return
	}
	global := m.internet.Load()

	m.nodeMu.Lock()
	existing, known := m.nodes[n.EID()]
	if !known {
		existing = n.Clone()
		existing.SetAnnounced(false)
		m.nodes[n.EID()] = existing
	} else {
		existing.Merge(n)
	}
	var evs []event.Event
	if known {
		evs = append(evs, event.NodeEvent{Node: existing.Clone(), Action: event.NodeDataAdded})
	}
	available := existing.IsAvailable(global)
	if available && !existing.Announced() {
		existing.SetAnnounced(true)
		evs = append(evs, event.NodeEvent{Node: existing.Clone(), Action: event.NodeAvailable})
	}
	connect := available && existing.ConnectImmediately() && !existing.HasType(node.TypeConnected)
	snapshot := existing.Clone()
	m.updateGauge()
	m.nodeMu.Unlock()

	log.WithFields(logger.Fields{
		"at":        "(ConnectionManager) Add",
		"node":      snapshot.String(),
		"new":       !known,
		"available": available,
	}).Debug("node added")
	m.raise(evs)
	if connect {
		if err := m.Open(snapshot); err != nil {
			log.WithError(err).WithField("at", "(ConnectionManager) Add").Debug("immediate connect failed")
		}
	}
}

// Remove subtracts n from the registry. Nodes left without URIs or
// attributes are forgotten.
func (m *ConnectionManager) Remove(n *node.Node) {
	global := m.internet.Load()

	m.nodeMu.Lock()
	existing, ok := m.nodes[n.EID()]
	if !ok {
		m.nodeMu.Unlock()
		return
	}
	existing.Subtract(n)
	var evs []event.Event
	if existing.Announced() && !existing.IsAvailable(global) {
		existing.SetAnnounced(false)
		evs = append(evs, event.NodeEvent{Node: existing.Clone(), Action: event.NodeUnavailable})
	} else {
		evs = append(evs, event.NodeEvent{Node: existing.Clone(), Action: event.NodeDataRemoved})
	}
	if existing.IsEmpty() {
		delete(m.nodes, n.EID())
	}
	m.updateGauge()
	m.nodeMu.Unlock()

	log.WithFields(logger.Fields{
		"at":   "(ConnectionManager) Remove",
		"node": n.EID().String(),
	}).Debug("node data removed")
	m.raise(evs)
}

// AddConvergenceLayer registers cl for its protocol, replacing any earlier
// registration. The manager does not own the layer's lifecycle.
func (m *ConnectionManager) AddConvergenceLayer(cl ConvergenceLayer) {
	m.clMu.Lock()
	defer m.clMu.Unlock()
	m.layers[cl.Protocol()] = cl
	log.WithFields(logger.Fields{
		"at":       "(ConnectionManager) AddConvergenceLayer",
		"protocol": cl.Protocol().String(),
	}).Debug("convergence layer registered")
}

// RemoveConvergenceLayer unregisters cl if it is the registered layer for
// its protocol.
func (m *ConnectionManager) RemoveConvergenceLayer(cl ConvergenceLayer) {
	m.clMu.Lock()
	defer m.clMu.Unlock()
	if m.layers[cl.Protocol()] == cl {
		delete(m.layers, cl.Protocol())
	}
}

// Protocols lists the protocols with a registered convergence layer.
func (m *ConnectionManager) Protocols() []node.Protocol {
	m.clMu.RLock()
	defer m.clMu.RUnlock()
	out := make([]node.Protocol, 0, len(m.layers))
	for p := range m.layers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *ConnectionManager) layer(p node.Protocol) (ConvergenceLayer, bool) {
	m.clMu.RLock()
	defer m.clMu.RUnlock()
	cl, ok := m.layers[p]
	return cl, ok
}

// route picks the layer for a transfer to n: an open connection first, then
// the highest priority usable URI. dialup is set when the only usable URIs
// are dial-up links.
func (m *ConnectionManager) route(n *node.Node, want node.Protocol) (cl ConvergenceLayer, dialup ConvergenceLayer) {
	global := m.internet.Load()
	usable := func(u node.URI) (ConvergenceLayer, bool) {
		if want != node.ProtoUndefined && u.Protocol != want {
			return nil, false
		}
		if !global && !u.Type.IsLocal() {
			return nil, false
		}
		return m.layer(u.Protocol)
	}
	for _, u := range n.URIsOfType(node.TypeConnected) {
		if c, ok := usable(u); ok {
			return c, nil
		}
	}
	for _, u := range n.URIs() {
		c, ok := usable(u)
		if !ok {
			continue
		}
		if u.Type == node.TypeP2PDialup {
			if dialup == nil {
				dialup = c
			}
			continue
		}
		return c, nil
	}
	return nil, dialup
}

// Queue hands t to the convergence layer serving its peer and consumes the
// handle in every case. Transfers to unknown peers or without a usable layer
// are aborted with AbortConnectionDown; transfers to known but unavailable
// peers are requeued.
func (m *ConnectionManager) Queue(t *Transfer) error {
	peer := t.Peer()
	global := m.internet.Load()

	m.nodeMu.RLock()
	n, known := m.nodes[peer]
	var snapshot *node.Node
	available := false
	if known {
		snapshot = n.Clone()
		available = n.IsAvailable(global)
	}
	m.nodeMu.RUnlock()

	fields := logger.Fields{
		"at":     "(ConnectionManager) Queue",
		"peer":   peer.String(),
		"bundle": t.Bundle().ID.String(),
	}
	if !known {
		log.WithFields(fields).Debug("transfer to unknown neighbor")
		t.Abort(event.AbortConnectionDown)
		return ErrNeighborNotAvailable
	}
	if !available {
		log.WithFields(fields).Debug("neighbor unavailable, requeue transfer")
		t.Release()
		return ErrNeighborNotAvailable
	}

	cl, dialup := m.route(snapshot, t.Protocol())
	if cl == nil && dialup != nil {
		log.WithFields(fields).Debug("bringing up dial-up link")
		dialup.Open(snapshot)
		t.Release()
		return ErrP2PDialup
	}
	if cl == nil {
		log.WithFields(fields).WithField("uris", len(snapshot.URIs())).Debug("no convergence layer for neighbor")
		t.Abort(event.AbortConnectionDown)
		return ErrNoTransportAvailable
	}

	proto := cl.Protocol()
	meta := t.Bundle()
	verdict := m.output.Load().Evaluate(filter.Context{Peer: peer, Bundle: meta, Protocol: proto})
	if verdict == filter.Reject || verdict == filter.Drop {
		log.WithFields(fields).WithField("verdict", verdict.String()).Debug("transfer refused by output filter")
		t.Abort(event.AbortRefusedByFilter)
		return ErrRefusedByFilter
	}

	t.SetProtocol(proto)
	t.OnFinish(func(_ *Transfer, o Outcome) { m.stats.finished(proto, o) })
	m.stats.queued(proto, meta.PayloadLength)
	if m.metrics != nil {
		m.metrics.TransferBytes.WithLabelValues(proto.String()).Add(float64(meta.PayloadLength))
	}
	log.WithFields(fields).WithField("protocol", proto.String()).Debug("transfer queued")
	cl.Queue(snapshot, t)
	return nil
}

// Open asks the first convergence layer able to reach n to connect.
func (m *ConnectionManager) Open(n *node.Node) error {
	global := m.internet.Load()
	for _, u := range n.URIs() {
		if !global && !u.Type.IsLocal() {
			continue
		}
		if cl, ok := m.layer(u.Protocol); ok {
			log.WithFields(logger.Fields{
				"at":       "(ConnectionManager) Open",
				"node":     n.EID().String(),
				"protocol": u.Protocol.String(),
			}).Debug("opening connection")
			cl.Open(n)
			return nil
		}
	}
	return ErrNoTransportAvailable
}

// Nodes returns snapshots of every registered node.
func (m *ConnectionManager) Nodes() []*node.Node {
	m.nodeMu.RLock()
	defer m.nodeMu.RUnlock()
	out := make([]*node.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n.Clone())
	}
	sortNodes(out)
	return out
}

// Neighbors returns snapshots of the currently available nodes.
func (m *ConnectionManager) Neighbors() []*node.Node {
	global := m.internet.Load()
	m.nodeMu.RLock()
	defer m.nodeMu.RUnlock()
	var out []*node.Node
	for _, n := range m.nodes {
		if n.IsAvailable(global) {
			out = append(out, n.Clone())
		}
	}
	sortNodes(out)
	return out
}

func sortNodes(nodes []*node.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].EID() < nodes[j].EID() })
}

// IsNeighbor reports whether eid is an available node.
func (m *ConnectionManager) IsNeighbor(eid bundle.EID) bool {
	_, err := m.Neighbor(eid)
	return err == nil
}

// Neighbor returns a snapshot of the available node eid.
func (m *ConnectionManager) Neighbor(eid bundle.EID) (*node.Node, error) {
	global := m.internet.Load()
	m.nodeMu.RLock()
	defer m.nodeMu.RUnlock()
	n, ok := m.nodes[eid.Node()]
	if !ok || !n.IsAvailable(global) {
		return nil, ErrNeighborNotAvailable
	}
	return n.Clone(), nil
}

// Statistics returns the per-protocol transfer counters.
func (m *ConnectionManager) Statistics() map[node.Protocol]ProtocolStats {
	return m.stats.snapshot()
}

// ResetStatistics clears the per-protocol transfer counters.
func (m *ConnectionManager) ResetStatistics() {
	m.stats.reset()
}

// Notify implements event.Receiver.
func (m *ConnectionManager) Notify(e event.Event) {
	switch ev := e.(type) {
	case event.TimeEvent:
		m.checkUnavailable(ev.Timestamp)
		m.checkAvailable()
		m.checkAutoconnect()
	case event.ConnectionEvent:
		n := node.New(ev.Peer)
		u := ev.URI
		u.Type = node.TypeConnected
		n.Add(u)
		if ev.State == event.ConnectionUp {
			m.Add(n)
		} else {
			m.Remove(n)
		}
	case event.GlobalEvent:
		switch ev.Action {
		case event.GlobalInternetAvailable:
			m.SetInternet(true)
		case event.GlobalInternetUnavailable:
			m.SetInternet(false)
		}
	}
}

// checkUnavailable drops expired URIs, announces nodes that became
// unavailable and forgets empty ones.
func (m *ConnectionManager) checkUnavailable(now uint64) {
	global := m.internet.Load()
	var evs []event.Event

	m.nodeMu.Lock()
	for eid, n := range m.nodes {
		changed := n.Expire(now)
		switch {
		case n.Announced() && !n.IsAvailable(global):
			n.SetAnnounced(false)
			evs = append(evs, event.NodeEvent{Node: n.Clone(), Action: event.NodeUnavailable})
		case changed:
			evs = append(evs, event.NodeEvent{Node: n.Clone(), Action: event.NodeDataRemoved})
		}
		if n.IsEmpty() {
			log.WithFields(logger.Fields{
				"at":   "(ConnectionManager) checkUnavailable",
				"node": eid.String(),
			}).Debug("forgetting expired node")
			delete(m.nodes, eid)
		}
	}
	m.updateGauge()
	m.nodeMu.Unlock()

	m.raise(evs)
}

// checkAvailable announces nodes that became available without an Add, for
// instance after global connectivity returned.
func (m *ConnectionManager) checkAvailable() {
	global := m.internet.Load()
	var evs []event.Event

	m.nodeMu.Lock()
	for _, n := range m.nodes {
		if !n.Announced() && n.IsAvailable(global) {
			n.SetAnnounced(true)
			evs = append(evs, event.NodeEvent{Node: n.Clone(), Action: event.NodeAvailable})
		}
	}
	m.updateGauge()
	m.nodeMu.Unlock()

	m.raise(evs)
}

func (m *ConnectionManager) refreshAvailability() {
	global := m.internet.Load()
	var evs []event.Event

	m.nodeMu.Lock()
	for _, n := range m.nodes {
		available := n.IsAvailable(global)
		switch {
		case available && !n.Announced():
			n.SetAnnounced(true)
			evs = append(evs, event.NodeEvent{Node: n.Clone(), Action: event.NodeAvailable})
		case !available && n.Announced():
			n.SetAnnounced(false)
			evs = append(evs, event.NodeEvent{Node: n.Clone(), Action: event.NodeUnavailable})
		}
	}
	m.updateGauge()
	m.nodeMu.Unlock()

	m.raise(evs)
}

// checkAutoconnect dials nodes flagged for immediate connection, at most
// once per autoconnect interval and within the dial rate.
func (m *ConnectionManager) checkAutoconnect() {
	interval := time.Duration(m.autoConnect.Load())
	if interval <= 0 {
		return
	}
	global := m.internet.Load()
	now := m.clock.Now()

	m.nodeMu.Lock()
	if now.Before(m.nextAutoconnect) {
		m.nodeMu.Unlock()
		return
	}
	m.nextAutoconnect = now.Add(interval)
	var candidates []*node.Node
	for _, n := range m.nodes {
		if n.ConnectImmediately() && n.IsAvailable(global) && !n.HasType(node.TypeConnected) {
			candidates = append(candidates, n.Clone())
		}
	}
	m.nodeMu.Unlock()

	sortNodes(candidates)
	for i, n := range candidates {
		if !m.dialLimiter.AllowN(now, 1) {
			log.WithFields(logger.Fields{
				"at":       "(ConnectionManager) checkAutoconnect",
				"deferred": len(candidates) - i,
			}).Debug("dial rate reached, deferring autoconnect")
			return
		}
		if err := m.Open(n); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"at":   "(ConnectionManager) checkAutoconnect",
				"node": n.EID().String(),
			}).Debug("autoconnect failed")
		}
	}
}

package routing

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/go-i2p/logger"
	"go.uber.org/multierr"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/bundleset"
	"github.com/go-i2p/go-dtn/lib/event"
	"github.com/go-i2p/go-dtn/lib/filter"
	"github.com/go-i2p/go-dtn/lib/metrics"
	"github.com/go-i2p/go-dtn/lib/netdb"
	"github.com/go-i2p/go-dtn/lib/node"
	"github.com/go-i2p/go-dtn/lib/storage"
	"github.com/go-i2p/go-dtn/lib/transport"
)

var log = logger.GetGoI2PLogger()

// RoutingApp is the application of routing control bundles.
const RoutingApp = "routing"

// DefaultSyncInterval is how often, in seconds, the ledger sets are persisted.
const DefaultSyncInterval = 60

// Connections is the part of the connection manager the router uses.
type Connections interface {
	Queue(t *transport.Transfer) error
	Neighbors() []*node.Node
	IsNeighbor(eid bundle.EID) bool
}

// Injector admits bundles generated by routing extensions.
type Injector interface {
	Inject(source bundle.EID, b *bundle.Bundle, local bool) error
}

// Extension is a routing strategy driven by core events.
type Extension interface {
	Name() string
	// Handles reports whether Notify wants events of kind k.
	Handles(k event.Kind) bool
	// Notify must not block; extensions queue work for their worker.
	Notify(e event.Event)
	Start(r *Router)
	Stop()
}

// Options wires a Router to its collaborators.
type Options struct {
	LocalEID    bundle.EID
	DB          *netdb.Database
	Connections Connections
	Storage     storage.Storage
	// Seeker answers bundle queries. Defaults to Storage.
	Seeker  storage.Seeker
	Events  event.Raiser
	Clock   clock.Clock
	Metrics *metrics.Metrics
	// Now returns the DTN time. Defaults to the clock.
	Now func() uint64

	Persister         bundleset.Persister
	BloomCapacity     uint
	FalsePositiveRate float64
	SyncInterval      uint64

	RoutingFilter *filter.Table
}

// Router fans core events out to its extensions and keeps the ledger of
// known and purged bundles shared by all of them.
type Router struct {
	local       bundle.EID
	db          *netdb.Database
	connections Connections
	storage     storage.Storage
	seeker      storage.Seeker
	events      event.Raiser
	clock       clock.Clock
	metrics     *metrics.Metrics
	now         func() uint64

	known  *bundleset.Set
	purged *bundleset.Set

	syncInterval uint64
	nextSync     atomic.Uint64

	routingFilter atomic.Pointer[filter.Table]
	injector      atomic.Value
	sequence      bundle.Sequencer

	mu         sync.RWMutex
	extensions []Extension
	handshake  *HandshakeExtension
	running    bool
}

// New creates a router. Restoring the persisted ledger is the only failure.
func New(opts Options) (*Router, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Seeker == nil {
		opts.Seeker = opts.Storage
	}
	if opts.Now == nil {
		clk := opts.Clock
		opts.Now = func() uint64 { return bundle.DTNTime(clk.Now()) }
	}
	if opts.SyncInterval == 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	setCfg := bundleset.Config{
		Capacity:          opts.BloomCapacity,
		FalsePositiveRate: opts.FalsePositiveRate,
		Persister:         opts.Persister,
	}
	known, err := bundleset.New("known", setCfg)
	if err != nil {
		return nil, err
	}
	purged, err := bundleset.New("purged", setCfg)
	if err != nil {
		return nil, err
	}
	r := &Router{
		local:        opts.LocalEID.Node(),
		db:           opts.DB,
		connections:  opts.Connections,
		storage:      opts.Storage,
		seeker:       opts.Seeker,
		events:       opts.Events,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		now:          opts.Now,
		known:        known,
		purged:       purged,
		syncInterval: opts.SyncInterval,
	}
	r.routingFilter.Store(opts.RoutingFilter)
	log.WithFields(logger.Fields{
		"at":     "routing.New",
		"local":  r.local.String(),
		"known":  known.Len(),
		"purged": purged.Len(),
	}).Debug("router created")
	return r, nil
}

// Local is the node endpoint of this daemon.
func (r *Router) Local() bundle.EID { return r.local }

// DB is the neighbor database.
func (r *Router) DB() *netdb.Database { return r.db }

// Connections is the connection manager.
func (r *Router) Connections() Connections { return r.connections }

// Seeker answers bundle queries.
func (r *Router) Seeker() storage.Seeker { return r.seeker }

// Storage holds the bundles.
func (r *Router) Storage() storage.Storage { return r.storage }

// Clock is the router's time source.
func (r *Router) Clock() clock.Clock { return r.clock }

// Now returns the current DTN time.
func (r *Router) Now() uint64 { return r.now() }

// SetInjector installs the admission path for generated bundles.
func (r *Router) SetInjector(inj Injector) {
	r.injector.Store(&inj)
}

// SetRoutingFilter replaces the table consulted for every routing decision.
func (r *Router) SetRoutingFilter(t *filter.Table) {
	r.routingFilter.Store(t)
}

func (r *Router) raise(e event.Event) {
	if r.events != nil {
		r.events.Raise(e)
	}
}

// AddExtension registers ext. Extensions added to a running router are
// started immediately.
func (r *Router) AddExtension(ext Extension) {
	r.mu.Lock()
	r.extensions = append(r.extensions, ext)
	if hs, ok := ext.(*HandshakeExtension); ok {
		r.handshake = hs
	}
	running := r.running
	r.mu.Unlock()
	log.WithFields(logger.Fields{
		"at":        "(Router) AddExtension",
		"extension": ext.Name(),
	}).Debug("routing extension registered")
	if running {
		ext.Start(r)
	}
}

// Extensions returns the registered extensions in registration order.
func (r *Router) Extensions() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Extension(nil), r.extensions...)
}

// Extension returns the extension called name.
func (r *Router) Extension(name string) (Extension, bool) {
	for _, ext := range r.Extensions() {
		if ext.Name() == name {
			return ext, true
		}
	}
	return nil, false
}

// Start starts every extension worker.
func (r *Router) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	exts := append([]Extension(nil), r.extensions...)
	r.mu.Unlock()
	for _, ext := range exts {
		ext.Start(r)
	}
	log.WithField("extensions", len(exts)).Info("router started")
}

// Stop stops every extension and persists the ledger.
func (r *Router) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return r.Sync()
	}
	r.running = false
	exts := append([]Extension(nil), r.extensions...)
	r.mu.Unlock()
	for i := len(exts) - 1; i >= 0; i-- {
		exts[i].Stop()
	}
	log.WithField("at", "(Router) Stop").Info("router stopped")
	return r.Sync()
}

// Sync persists the known and purged sets if they changed.
func (r *Router) Sync() error {
	return multierr.Combine(r.known.Sync(), r.purged.Sync())
}

// Kinds lists the events the router dispatches.
func (r *Router) Kinds() []event.Kind {
	return []event.Kind{
		event.KindNode,
		event.KindTransferCompleted,
		event.KindTransferAborted,
		event.KindRequeueBundle,
		event.KindBundleReceived,
		event.KindQueueBundle,
		event.KindTime,
		event.KindBundleGenerated,
		event.KindConnection,
		event.KindBundlePurge,
		event.KindBundleExpired,
		event.KindNodeHandshake,
	}
}

// Notify updates the shared state and hands e to every interested extension.
func (r *Router) Notify(e event.Event) {
	switch ev := e.(type) {
	case event.NodeEvent:
		eid := ev.Node.EID()
		switch ev.Action {
		case event.NodeAvailable, event.NodeDataAdded:
			r.db.Create(eid)
		case event.NodeUnavailable:
			r.db.Reset(eid)
		}
	case event.TransferCompletedEvent:
		r.db.AddToSummary(ev.Peer, ev.Bundle)
	case event.BundleReceivedEvent:
		if !ev.Local && !ev.Peer.IsNone() && ev.Bundle != nil {
			r.db.AddToSummary(ev.Peer, ev.Bundle.Meta())
		}
	case event.BundlePurgeEvent:
		r.SetPurged(ev.Bundle)
		if r.storage != nil {
			if err := r.storage.Remove(ev.Bundle.ID); err != nil && !errors.Is(err, storage.ErrNoBundleFound) {
				log.WithError(err).WithField("bundle", ev.Bundle.ID.String()).Warn("failed to remove purged bundle")
			}
		}
	case event.TimeEvent:
		r.expire(ev.Timestamp)
	}

	for _, ext := range r.Extensions() {
		if ext.Handles(e.Kind()) {
			ext.Notify(e)
		}
	}
}

func (r *Router) expire(now uint64) {
	for _, eid := range r.db.Expire(now) {
		log.WithFields(logger.Fields{
			"at":       "(Router) expire",
			"neighbor": eid.String(),
		}).Debug("neighbor filter expired")
	}
	r.known.Expire(now)
	r.purged.Expire(now)

	next := r.nextSync.Load()
	if now < next {
		return
	}
	r.nextSync.Store(now + r.syncInterval)
	if err := r.Sync(); err != nil {
		log.WithError(err).WithField("at", "(Router) expire").Warn("failed to persist routing ledger")
	}
}

// IsKnown reports whether the bundle was seen before.
func (r *Router) IsKnown(id bundle.ID) bool {
	return r.known.Has(id)
}

// SetKnown records the bundle as seen.
func (r *Router) SetKnown(meta bundle.MetaBundle) {
	r.known.Add(meta)
}

// FilterKnown records the bundle as seen and reports whether it already was.
// Concurrent callers for the same ID see false exactly once.
func (r *Router) FilterKnown(meta bundle.MetaBundle) bool {
	return !r.known.AddIfAbsent(meta)
}

// IsPurged reports whether the bundle was purged and must not come back.
func (r *Router) IsPurged(id bundle.ID) bool {
	return r.purged.Has(id)
}

// SetPurged records the bundle as purged.
func (r *Router) SetPurged(meta bundle.MetaBundle) {
	r.purged.Add(meta)
}

// KnownSummary is the summary vector of seen bundles.
func (r *Router) KnownSummary() *bundleset.Summary {
	return r.known.Summary()
}

// PurgedSummary is the summary vector of purged bundles.
func (r *Router) PurgedSummary() *bundleset.Summary {
	return r.purged.Summary()
}

// TransferTo reserves a transfer slot at peer and queues the bundle on the
// connection manager. A dial-up in progress reports the neighbor as not
// available until the link is up.
func (r *Router) TransferTo(peer bundle.EID, meta bundle.MetaBundle, proto node.Protocol) error {
	peer = peer.Node()
	if err := r.db.Acquire(peer, meta.ID); err != nil {
		return err
	}
	return r.dispatch(peer, meta, proto)
}

// dispatch queues a transfer for which a slot is already held.
func (r *Router) dispatch(peer bundle.EID, meta bundle.MetaBundle, proto node.Protocol) error {
	tracker := r.db.Tracker()
	tracker.RecordAttempt(peer)
	t := transport.NewTransfer(transport.TransferConfig{
		Peer:     peer,
		Bundle:   meta,
		Protocol: proto,
		Events:   r.events,
		Clock:    r.clock,
		Metrics:  r.metrics,
		OnFinish: func(t *transport.Transfer, o transport.Outcome) {
			r.db.Release(peer, meta.ID)
			switch o {
			case transport.Completed:
				tracker.RecordSuccess(peer, t.Duration())
			case transport.Aborted:
				tracker.RecordFailure(peer, "aborted")
			}
		},
	})
	err := r.connections.Queue(t)
	if errors.Is(err, transport.ErrP2PDialup) {
		return netdb.ErrNeighborNotAvailable
	}
	return err
}

// RequestHandshake asks the handshake extension to refresh the summary
// vector of peer.
func (r *Router) RequestHandshake(peer bundle.EID) {
	r.mu.RLock()
	hs := r.handshake
	r.mu.RUnlock()
	if hs != nil {
		hs.Request(peer)
	}
}

// Generate creates a bundle from this node's routing endpoint and admits it.
func (r *Router) Generate(destination bundle.EID, payload []byte, lifetime uint64) (*bundle.Bundle, error) {
	b := bundle.New(r.local.Add(RoutingApp), destination, payload)
	b.Timestamp, b.Sequence = r.sequence.Next(r.now())
	b.Lifetime = lifetime
	b.Priority = bundle.PriorityExpedited

	if v, ok := r.injector.Load().(*Injector); ok && v != nil && *v != nil {
		return b, (*v).Inject(r.local, b, true)
	}
	if err := r.storage.Store(b); err != nil {
		return nil, err
	}
	r.SetKnown(b.Meta())
	r.raise(event.BundleGeneratedEvent{Bundle: b.Meta()})
	r.raise(event.QueueBundleEvent{Bundle: b.Meta(), Origin: r.local})
	return b, nil
}

// isRoutingControl reports whether the bundle carries routing control data.
func isRoutingControl(meta bundle.MetaBundle) bool {
	return meta.Destination.Application() == RoutingApp
}

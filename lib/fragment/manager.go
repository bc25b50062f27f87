package fragment

import (
	"sync"

	"github.com/go-i2p/logger"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/oops"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/event"
	"github.com/go-i2p/go-dtn/lib/metrics"
	"github.com/go-i2p/go-dtn/lib/storage"
	"github.com/go-i2p/go-dtn/lib/util/queue"
)

var log = logger.GetGoI2PLogger()

// DefaultMergedCacheSize is the number of reassembled bundles remembered to
// skip signals of fragments that are still being purged.
const DefaultMergedCacheSize = 1024

// Compile-time check that Manager receives events
var _ event.Receiver = (*Manager)(nil)

// Config configures a Manager.
type Config struct {
	LocalEID bundle.EID
	Storage  storage.Storage
	// Seeker answers the sibling queries, Storage when nil.
	Seeker  storage.Seeker
	Events  event.Raiser
	Metrics *metrics.Metrics
}

// Manager reassembles fragmented bundles addressed to this node and tracks
// the progress of partial outbound transmissions.
type Manager struct {
	local   bundle.EID
	store   storage.Storage
	seeker  storage.Seeker
	events  event.Raiser
	metrics *metrics.Metrics

	tasks   *queue.Queue[bundle.MetaBundle]
	merged  *lru.Cache[bundle.ID, struct{}]
	offsets *offsets

	mu   sync.Mutex
	done chan struct{}
}

// NewManager creates a stopped manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Storage == nil {
		return nil, oops.In("fragment").Errorf("storage is required")
	}
	if cfg.Seeker == nil {
		cfg.Seeker = cfg.Storage
	}
	merged, err := lru.New[bundle.ID, struct{}](DefaultMergedCacheSize)
	if err != nil {
		return nil, oops.In("fragment").Wrapf(err, "create merge cache")
	}
	return &Manager{
		local:   cfg.LocalEID.Node(),
		store:   cfg.Storage,
		seeker:  cfg.Seeker,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		tasks:   queue.New[bundle.MetaBundle](),
		merged:  merged,
		offsets: newOffsets(),
	}, nil
}

// Kinds lists the events the manager reacts to.
func (m *Manager) Kinds() []event.Kind {
	return []event.Kind{event.KindQueueBundle, event.KindTime, event.KindTransferCompleted}
}

func (m *Manager) Notify(e event.Event) {
	switch ev := e.(type) {
	case event.QueueBundleEvent:
		m.Signal(ev.Bundle)
	case event.TimeEvent:
		m.ExpireOffsets(ev.Timestamp)
	case event.TransferCompletedEvent:
		m.offsets.remove(ev.Peer, ev.Bundle.ID)
	}
}

// Signal tells the manager about a stored bundle. Fragments addressed to
// this node, or to a group, are checked for completeness by the worker.
func (m *Manager) Signal(meta bundle.MetaBundle) {
	if !meta.Fragment {
		return
	}
	if meta.IsSingleton() && meta.Destination.Node() != m.local {
		return
	}
	if err := m.tasks.Push(meta); err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Manager) Signal",
			"bundle": meta.ID.String(),
		}).Debug("fragment manager not running, signal dropped")
	}
}

// Start runs the merge worker.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}
	if m.tasks.Aborted() {
		m.tasks.Reset()
	}
	m.done = make(chan struct{})
	go m.run(m.done)
}

// Stop aborts the worker queue and waits for the worker to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	done := m.done
	m.done = nil
	m.mu.Unlock()
	m.tasks.Abort()
	if done != nil {
		<-done
	}
}

func (m *Manager) run(done chan struct{}) {
	defer close(done)
	for {
		meta, err := m.tasks.Pop()
		if err != nil {
			return
		}
		if err := m.process(meta); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"at":     "(Manager) run",
				"bundle": meta.ID.Parent().String(),
			}).Warn("fragment merge failed")
		}
	}
}

func (m *Manager) process(meta bundle.MetaBundle) error {
	parent := meta.ID.Parent()
	if m.merged.Contains(parent) {
		return nil
	}

	var siblings storage.List
	err := m.seeker.Get(storage.SelectorFunc{Fn: func(c bundle.MetaBundle) (bool, error) {
		return c.Fragment && c.ID.SameOrigin(parent), nil
	}}, &siblings)
	if err != nil {
		return oops.In("fragment").With("bundle", parent.String()).Wrapf(err, "search fragments")
	}
	if !Covered(chunksOf(siblings.Items), meta.AppDataLength) {
		log.WithFields(logger.Fields{
			"at":        "(Manager) process",
			"bundle":    parent.String(),
			"fragments": len(siblings.Items),
		}).Debug("waiting for more fragments")
		return nil
	}

	fragments := make([]*bundle.Bundle, 0, len(siblings.Items))
	for _, s := range siblings.Items {
		b, err := m.store.Load(s.ID)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"at":       "(Manager) process",
				"fragment": s.ID.String(),
			}).Warn("fragment not loadable, skipped")
			continue
		}
		fragments = append(fragments, b)
	}
	merged, err := Merge(fragments)
	if err != nil {
		return oops.In("fragment").With("bundle", parent.String()).Wrapf(err, "merge")
	}
	m.merged.Add(parent, struct{}{})

	log.WithFields(logger.Fields{
		"at":        "(Manager) process",
		"bundle":    parent.String(),
		"fragments": len(fragments),
		"length":    len(merged.Payload),
	}).Debug("bundle reassembled")
	if m.metrics != nil {
		m.metrics.FragmentsMerged.Inc()
	}

	m.raise(event.BundleReceivedEvent{Peer: m.local, Bundle: merged, Local: true})
	for _, f := range fragments {
		m.raise(event.BundlePurgeEvent{Bundle: f.Meta(), Reason: event.PurgeFragmentMerged})
	}
	return nil
}

func (m *Manager) raise(e event.Event) {
	if m.events != nil {
		m.events.Raise(e)
	}
}

// SetOffset records that offset payload bytes of meta reached peer.
func (m *Manager) SetOffset(peer bundle.EID, meta bundle.MetaBundle, offset uint64) {
	m.offsets.set(peer, meta, offset)
}

// GetOffset returns where a transmission of id to peer should resume, zero
// if nothing was sent yet.
func (m *Manager) GetOffset(peer bundle.EID, id bundle.ID) uint64 {
	return m.offsets.get(peer, id)
}

// ExpireOffsets drops the progress of bundles that expired before now.
func (m *Manager) ExpireOffsets(now uint64) int {
	removed := m.offsets.expire(now)
	if removed > 0 {
		log.WithFields(logger.Fields{
			"at":      "(Manager) ExpireOffsets",
			"removed": removed,
			"left":    m.offsets.len(),
		}).Debug("expired transmission offsets")
	}
	return removed
}

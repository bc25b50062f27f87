package routing

import (
	"errors"

	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/event"
	"github.com/go-i2p/go-dtn/lib/netdb"
)

// base carries the parts every extension shares.
type base struct {
	name   string
	router *Router
	w      *worker
}

func (b *base) Name() string { return b.name }

func (b *base) start(r *Router, process func(task) error) {
	b.router = r
	if b.w == nil {
		b.w = newWorker(b.name, process)
	}
	b.w.start(r.metrics)
}

func (b *base) Stop() {
	if b.w != nil {
		b.w.stop()
	}
}

func (b *base) push(t task) {
	if b.w != nil {
		b.w.push(t)
	}
}

// searchExtension is the event handling shared by the forwarding
// strategies. A strategy supplies the search options per peer and may react
// to completed transfers.
type searchExtension struct {
	base
	options     func(peer bundle.EID) searchOptions
	onCompleted func(peer bundle.EID, meta bundle.MetaBundle)
	onError     func(peer bundle.EID, err error)
}

func (s *searchExtension) Handles(k event.Kind) bool {
	switch k {
	case event.KindNode, event.KindConnection, event.KindTransferCompleted,
		event.KindTransferAborted, event.KindQueueBundle, event.KindNodeHandshake:
		return true
	}
	return false
}

// Notify maps events onto worker tasks. A refused transfer does not trigger
// a search, the peer would refuse the next one as well.
func (s *searchExtension) Notify(e event.Event) {
	switch ev := e.(type) {
	case event.NodeEvent:
		if ev.Action == event.NodeAvailable || ev.Action == event.NodeDataAdded {
			s.push(searchNextBundleTask{peer: ev.Node.EID()})
		}
	case event.ConnectionEvent:
		if ev.State == event.ConnectionUp {
			s.push(searchNextBundleTask{peer: ev.Peer})
		}
	case event.TransferCompletedEvent:
		s.push(transferCompletedTask{peer: ev.Peer, meta: ev.Bundle})
	case event.TransferAbortedEvent:
		switch ev.Reason {
		case event.AbortRefused, event.AbortRefusedByFilter, event.AbortRetryLimitReached:
		default:
			s.push(transferAbortedTask{peer: ev.Peer})
		}
	case event.QueueBundleEvent:
		s.push(queueBundleTask{meta: ev.Bundle, origin: ev.Origin})
	case event.NodeHandshakeEvent:
		if ev.State == event.HandshakeCompleted || ev.State == event.HandshakeUpdated {
			s.push(searchNextBundleTask{peer: ev.Peer})
		}
	}
}

func (s *searchExtension) Start(r *Router) {
	s.start(r, s.process)
}

func (s *searchExtension) process(t task) error {
	switch t := t.(type) {
	case searchNextBundleTask:
		return s.searchPeer(t.peer)
	case transferCompletedTask:
		if s.onCompleted != nil {
			s.onCompleted(t.peer, t.meta)
		}
		return s.searchPeer(t.peer)
	case transferAbortedTask:
		// A neighbor failing every transfer waits for the next node or
		// connection event instead.
		if s.router.db.Tracker().IsLikelyStale(t.peer) {
			return nil
		}
		return s.searchPeer(t.peer)
	case queueBundleTask:
		origin := t.origin.Node()
		for _, peer := range s.router.availableNeighbors() {
			if peer == origin {
				continue
			}
			if err := s.searchPeer(peer); err != nil && !IsExpected(err) {
				return err
			}
		}
	}
	return nil
}

func (s *searchExtension) searchPeer(peer bundle.EID) error {
	n, err := s.router.search(peer, s.options(peer.Node()))
	if err != nil {
		if s.onError != nil {
			s.onError(peer.Node(), err)
		}
		return err
	}
	if n > 0 {
		log.WithFields(logger.Fields{
			"at":        "(searchExtension) searchPeer",
			"extension": s.name,
			"peer":      peer.String(),
			"queued":    n,
		}).Debug("transfers queued")
	}
	return nil
}

// NeighborExtension delivers bundles directly to their destination when it
// is a neighbor. It also carries routing control bundles.
type NeighborExtension struct {
	searchExtension
}

// NewNeighborExtension creates the direct delivery extension.
func NewNeighborExtension() *NeighborExtension {
	n := &NeighborExtension{}
	n.name = "neighbor"
	n.options = func(peer bundle.EID) searchOptions {
		return searchOptions{
			routing: true,
			accept: func(e *netdb.Entry, meta bundle.MetaBundle) (bool, error) {
				return meta.Destination.Node() == e.EID(), nil
			},
		}
	}
	n.onCompleted = n.delivered
	return n
}

// delivered purges singleton bundles handed to their final destination.
func (n *NeighborExtension) delivered(peer bundle.EID, meta bundle.MetaBundle) {
	if !meta.IsSingleton() || meta.Destination.Node() != peer {
		return
	}
	log.WithFields(logger.Fields{
		"at":     "(NeighborExtension) delivered",
		"peer":   peer.String(),
		"bundle": meta.ID.String(),
	}).Debug("bundle delivered to destination")
	n.router.raise(event.BundlePurgeEvent{Bundle: meta, Reason: event.PurgeDelivered})
}

// FloodingExtension forwards every bundle to every neighbor that is not
// known to hold it.
type FloodingExtension struct {
	searchExtension
}

// NewFloodingExtension creates the flooding extension.
func NewFloodingExtension() *FloodingExtension {
	f := &FloodingExtension{}
	f.name = "flooding"
	f.options = func(bundle.EID) searchOptions {
		return searchOptions{}
	}
	return f
}

// EpidemicExtension forwards bundles to neighbors whose summary vector does
// not contain them. Without a summary vector it asks for a handshake first.
type EpidemicExtension struct {
	searchExtension
	preferDirect bool
}

// NewEpidemicExtension creates the epidemic extension. With preferDirect
// singleton bundles are not copied to others while their destination is a
// neighbor.
func NewEpidemicExtension(preferDirect bool) *EpidemicExtension {
	ep := &EpidemicExtension{preferDirect: preferDirect}
	ep.name = "epidemic"
	ep.options = ep.optionsFor
	ep.onError = func(peer bundle.EID, err error) {
		if errors.Is(err, netdb.ErrBloomfilterNotAvailable) {
			ep.router.RequestHandshake(peer)
		}
	}
	return ep
}

func (ep *EpidemicExtension) optionsFor(peer bundle.EID) searchOptions {
	opts := searchOptions{requireFilter: true}
	if !ep.preferDirect {
		return opts
	}
	neighbors := make(map[bundle.EID]struct{})
	for _, eid := range ep.router.availableNeighbors() {
		neighbors[eid] = struct{}{}
	}
	opts.accept = func(e *netdb.Entry, meta bundle.MetaBundle) (bool, error) {
		dst := meta.Destination.Node()
		if !meta.IsSingleton() || dst == e.EID() {
			return true, nil
		}
		_, direct := neighbors[dst]
		return !direct, nil
	}
	return opts
}

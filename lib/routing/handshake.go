package routing

import (
	"errors"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/bundleset"
	"github.com/go-i2p/go-dtn/lib/event"
	"github.com/go-i2p/go-dtn/lib/netdb"
	"github.com/go-i2p/go-dtn/lib/storage"
)

// HandshakeTimeout is how long, in seconds, a handshake request is awaited
// before it is sent again. It is also the lifetime of handshake bundles.
const HandshakeTimeout = 60

const handshakeDataset = "handshake"

// HandshakeProvider is implemented by extensions that exchange their own
// item during the handshake.
type HandshakeProvider interface {
	HandshakeItemID() ItemID
	// HandshakeItem returns the data sent in reply to peer.
	HandshakeItem(peer bundle.EID) ([]byte, error)
	// ApplyHandshakeItem processes the item peer sent.
	ApplyHandshakeItem(peer bundle.EID, data []byte) error
}

// HandshakeExtension exchanges summary vectors, purge vectors and extension
// items with neighbors through bundles between the routing endpoints.
type HandshakeExtension struct {
	base
	filterLifetime uint64
}

// NewHandshakeExtension creates the handshake extension. filterLifetime is
// announced with our summary vector, in seconds.
func NewHandshakeExtension(filterLifetime uint64) *HandshakeExtension {
	h := &HandshakeExtension{filterLifetime: filterLifetime}
	h.name = "handshake"
	return h
}

func (h *HandshakeExtension) Handles(k event.Kind) bool {
	return k == event.KindNode || k == event.KindQueueBundle || k == event.KindTime
}

func (h *HandshakeExtension) Notify(e event.Event) {
	switch ev := e.(type) {
	case event.NodeEvent:
		if ev.Action == event.NodeAvailable {
			h.push(handshakeRequestTask{peer: ev.Node.EID()})
		}
	case event.QueueBundleEvent:
		if isRoutingControl(ev.Bundle) {
			h.push(processHandshakeTask{meta: ev.Bundle})
		}
	case event.TimeEvent:
		h.push(handshakeMaintenanceTask{})
	}
}

func (h *HandshakeExtension) Start(r *Router) {
	h.start(r, h.process)
}

// Request schedules a handshake with peer.
func (h *HandshakeExtension) Request(peer bundle.EID) {
	h.push(handshakeRequestTask{peer: peer})
}

func (h *HandshakeExtension) process(t task) error {
	switch t := t.(type) {
	case handshakeRequestTask:
		return h.request(t.peer)
	case handshakeMaintenanceTask:
		return h.maintain()
	case processHandshakeTask:
		return h.handle(t.meta)
	}
	return nil
}

func (h *HandshakeExtension) providers() []HandshakeProvider {
	var out []HandshakeProvider
	for _, ext := range h.router.Extensions() {
		if p, ok := ext.(HandshakeProvider); ok {
			out = append(out, p)
		}
	}
	return out
}

func (h *HandshakeExtension) provider(id ItemID) (HandshakeProvider, bool) {
	for _, p := range h.providers() {
		if p.HandshakeItemID() == id {
			return p, true
		}
	}
	return nil, false
}

func (h *HandshakeExtension) request(peer bundle.EID) error {
	r := h.router
	peer = peer.Node()
	if peer == r.Local() {
		return nil
	}
	deadline := r.Now() + HandshakeTimeout
	err := r.db.Do(func(tx *netdb.Tx) error {
		e, err := tx.Get(peer)
		if err != nil {
			return err
		}
		if err := e.AcquireFilterRequest(); err != nil {
			return err
		}
		e.PutDataset(handshakeDataset, deadline)
		return nil
	})
	if err != nil {
		return err
	}

	msg := &handshakeMessage{typ: messageRequest}
	msg.add(ItemSummaryVector, nil)
	msg.add(ItemPurgedVector, nil)
	for _, p := range h.providers() {
		msg.add(p.HandshakeItemID(), nil)
	}
	payload, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := r.Generate(peer.Add(RoutingApp), payload, HandshakeTimeout); err != nil {
		return oops.In("routing").With("peer", peer.String()).Wrapf(err, "generate handshake request")
	}
	log.WithFields(logger.Fields{
		"at":    "(HandshakeExtension) request",
		"peer":  peer.String(),
		"items": len(msg.items),
	}).Debug("handshake requested")
	return nil
}

// maintain requests handshakes from available neighbors without a valid
// filter and retries requests that were never answered.
func (h *HandshakeExtension) maintain() error {
	r := h.router
	now := r.Now()
	available := make(map[bundle.EID]struct{})
	for _, eid := range r.availableNeighbors() {
		available[eid] = struct{}{}
	}

	var due []bundle.EID
	_ = r.db.Do(func(tx *netdb.Tx) error {
		for _, eid := range tx.Neighbors() {
			if _, ok := available[eid]; !ok {
				continue
			}
			e, err := tx.Get(eid)
			if err != nil {
				continue
			}
			switch e.FilterState() {
			case netdb.FilterAwaiting:
				deadline, err := netdb.Dataset[uint64](e, handshakeDataset)
				if err == nil && deadline < now {
					e.RemoveDataset(handshakeDataset)
					tx.Reset(eid)
					due = append(due, eid)
				}
			case netdb.FilterUnknown, netdb.FilterExpired:
				due = append(due, eid)
			}
		}
		return nil
	})

	for _, eid := range due {
		if err := h.request(eid); err != nil && !IsExpected(err) {
			return err
		}
	}
	return nil
}

func (h *HandshakeExtension) handle(meta bundle.MetaBundle) error {
	r := h.router
	if meta.Destination.Node() != r.Local() || meta.Source.Node() == r.Local() {
		return nil
	}
	b, err := r.Storage().Load(meta.ID)
	if err != nil {
		return err
	}
	defer r.raise(event.BundlePurgeEvent{Bundle: meta, Reason: event.PurgeDelivered})

	peer := meta.Source.Node()
	msg, err := parseHandshake(b.Payload)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"at":     "(HandshakeExtension) handle",
			"peer":   peer.String(),
			"bundle": meta.ID.String(),
		}).Warn("dropping malformed handshake")
		return nil
	}
	if msg.typ == messageRequest {
		return h.reply(peer, msg)
	}
	return h.apply(peer, msg)
}

func (h *HandshakeExtension) reply(peer bundle.EID, req *handshakeMessage) error {
	r := h.router
	resp := &handshakeMessage{typ: messageResponse}
	for _, it := range req.items {
		switch it.id {
		case ItemSummaryVector:
			data, err := r.KnownSummary().Bytes()
			if err != nil {
				return err
			}
			resp.add(it.id, encodeSummaryItem(h.filterLifetime, data))
		case ItemPurgedVector:
			data, err := r.PurgedSummary().Bytes()
			if err != nil {
				return err
			}
			resp.add(it.id, data)
		default:
			p, ok := h.provider(it.id)
			if !ok {
				continue
			}
			data, err := p.HandshakeItem(peer)
			if err != nil {
				log.WithError(err).WithField("item", it.id).Debug("handshake item unavailable")
				continue
			}
			resp.add(it.id, data)
		}
	}
	payload, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := r.Generate(peer.Add(RoutingApp), payload, HandshakeTimeout); err != nil {
		return oops.In("routing").With("peer", peer.String()).Wrapf(err, "generate handshake response")
	}
	r.raise(event.NodeHandshakeEvent{Peer: peer, State: event.HandshakeReplied})
	return nil
}

func (h *HandshakeExtension) apply(peer bundle.EID, resp *handshakeMessage) error {
	r := h.router
	state := event.HandshakeCompleted

	if data, ok := resp.item(ItemSummaryVector); ok {
		lifetime, raw, err := decodeSummaryItem(data)
		if err != nil {
			return h.malformed(peer, err)
		}
		sv, err := bundleset.ParseSummary(raw)
		if err != nil {
			return h.malformed(peer, err)
		}
		_ = r.db.Do(func(tx *netdb.Tx) error {
			e := tx.Create(peer)
			if e.FilterState() == netdb.FilterAvailable {
				state = event.HandshakeUpdated
			}
			e.Update(sv, lifetime)
			e.RemoveDataset(handshakeDataset)
			return nil
		})
	}

	if data, ok := resp.item(ItemPurgedVector); ok {
		pv, err := bundleset.ParseSummary(data)
		if err != nil {
			return h.malformed(peer, err)
		}
		if err := h.purge(pv); err != nil && !errors.Is(err, storage.ErrNoBundleFound) {
			return err
		}
	}

	for _, it := range resp.items {
		if it.id == ItemSummaryVector || it.id == ItemPurgedVector {
			continue
		}
		p, ok := h.provider(it.id)
		if !ok {
			continue
		}
		if err := p.ApplyHandshakeItem(peer, it.data); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"at":   "(HandshakeExtension) apply",
				"peer": peer.String(),
				"item": it.id,
			}).Warn("failed to apply handshake item")
		}
	}

	log.WithFields(logger.Fields{
		"at":    "(HandshakeExtension) apply",
		"peer":  peer.String(),
		"items": len(resp.items),
	}).Debug("handshake completed")
	r.raise(event.NodeHandshakeEvent{Peer: peer, State: state})
	return nil
}

// purge drops stored bundles the peer reports as purged.
func (h *HandshakeExtension) purge(pv *bundleset.Summary) error {
	r := h.router
	var list storage.List
	err := r.Seeker().Get(storage.SelectorFunc{Fn: func(meta bundle.MetaBundle) (bool, error) {
		return !isRoutingControl(meta) && pv.Has(meta.ID), nil
	}}, &list)
	if err != nil {
		return err
	}
	for _, meta := range list.Items {
		r.raise(event.BundlePurgeEvent{Bundle: meta, Reason: event.PurgeAcknowledged})
	}
	return nil
}

func (h *HandshakeExtension) malformed(peer bundle.EID, err error) error {
	log.WithError(err).WithField("peer", peer.String()).Warn("dropping malformed handshake item")
	return nil
}

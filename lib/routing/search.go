package routing

import (
	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/filter"
	"github.com/go-i2p/go-dtn/lib/netdb"
	"github.com/go-i2p/go-dtn/lib/node"
	"github.com/go-i2p/go-dtn/lib/storage"
)

// AcceptFunc is the strategy specific part of a bundle search. It runs under
// the neighbor database lock and must not call back into the router.
type AcceptFunc func(e *netdb.Entry, meta bundle.MetaBundle) (bool, error)

type searchOptions struct {
	// requireFilter makes a missing summary vector of the peer an error.
	requireFilter bool
	// routing allows control bundles addressed to the peer's routing endpoint.
	routing  bool
	accept   AcceptFunc
	protocol node.Protocol
}

// allowed evaluates the routing filter table for a forwarding decision.
func (r *Router) allowed(peer bundle.EID, meta bundle.MetaBundle, proto node.Protocol) bool {
	action := r.routingFilter.Load().Evaluate(filter.Context{
		Peer:     peer,
		Bundle:   meta,
		Protocol: proto,
	})
	return action == filter.Accept || action == filter.Skip
}

// search reserves free transfer slots at peer for bundles matching opts and
// queues them. It returns the number of transfers handed to the connection
// manager.
func (r *Router) search(peer bundle.EID, opts searchOptions) (int, error) {
	peer = peer.Node()
	if !r.connections.IsNeighbor(peer) {
		return 0, netdb.ErrNeighborNotAvailable
	}

	var picked []bundle.MetaBundle
	err := r.db.Do(func(tx *netdb.Tx) error {
		e, err := tx.Get(peer)
		if err != nil {
			return err
		}
		if e.IsTransferThresholdReached() {
			return netdb.ErrNoMoreTransfersAvailable
		}
		sel := storage.SelectorFunc{
			Max: e.FreeTransferSlots(),
			Fn: func(meta bundle.MetaBundle) (bool, error) {
				return r.selects(e, peer, meta, opts)
			},
		}
		var list storage.List
		if err := r.seeker.Get(sel, &list); err != nil {
			return err
		}
		for _, meta := range list.Items {
			if err := e.AcquireTransfer(meta.ID); err != nil {
				continue
			}
			picked = append(picked, meta)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	// Dispatch after the lock is released: a transfer that fails at once
	// releases its slot through the database.
	queued := 0
	for _, meta := range picked {
		if err := r.dispatch(peer, meta, opts.protocol); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"at":     "(Router) search",
				"peer":   peer.String(),
				"bundle": meta.ID.String(),
			}).Debug("transfer not queued")
			continue
		}
		queued++
	}
	if len(picked) > 0 {
		log.WithFields(logger.Fields{
			"at":     "(Router) search",
			"peer":   peer.String(),
			"picked": len(picked),
			"queued": queued,
		}).Debug("bundles scheduled")
	}
	return queued, nil
}

func (r *Router) selects(e *netdb.Entry, peer bundle.EID, meta bundle.MetaBundle, opts searchOptions) (bool, error) {
	if meta.HopLimitExhausted() {
		return false, nil
	}
	dst := meta.Destination.Node()
	if isRoutingControl(meta) {
		if !opts.routing || dst != peer {
			return false, nil
		}
	} else if dst == r.local {
		return false, nil
	}
	if e.InTransit(meta.ID) {
		return false, nil
	}
	has, err := e.Has(meta.ID, opts.requireFilter)
	if err != nil {
		return false, err
	}
	if has {
		return false, nil
	}
	if !r.allowed(peer, meta, opts.protocol) {
		return false, nil
	}
	if opts.accept != nil {
		return opts.accept(e, meta)
	}
	return true, nil
}

// availableNeighbors returns the EIDs of the neighbors the connection
// manager can reach right now.
func (r *Router) availableNeighbors() []bundle.EID {
	nodes := r.connections.Neighbors()
	out := make([]bundle.EID, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.EID())
	}
	return out
}

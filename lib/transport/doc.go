// Package transport binds routing decisions to convergence layers.
//
// # Overview
//
// The ConnectionManager keeps the registry of known nodes (static,
// discovered and connected) and decides which registered ConvergenceLayer
// carries a transfer. Routing extensions never talk to a convergence layer
// directly; they create a Transfer ticket and queue it here.
//
// # Transfer tickets
//
// A Transfer stands for one bundle in flight to one neighbor. Handles are
// cloned when a transfer is shared and each handle is consumed once by
// Complete, Abort or Release. When the last handle goes the ticket raises
// exactly one terminal event:
//   - TransferCompletedEvent after Complete
//   - TransferAbortedEvent after Abort
//   - RequeueBundleEvent when nobody decided
//
// # Node availability
//
// Without global connectivity only locally reachable URIs (connected,
// discovered, static local and dial-up) make a node available. Transitions
// are announced as NodeEvents. The periodic TimeEvent drops expired URIs,
// announces nodes that changed state and dials nodes flagged for immediate
// connection, at most once per autoconnect interval.
//
// # Usage Example
//
//	cm := transport.NewConnectionManager(transport.Config{
//	    LocalEID: "dtn://local",
//	    Events:   bus,
//	})
//	bus.Subscribe(cm, cm.Kinds()...)
//	cm.AddConvergenceLayer(tcp)
//
//	t := transport.NewTransfer(transport.TransferConfig{Peer: peer, Bundle: meta, Events: bus})
//	if err := cm.Queue(t); err != nil {
//	    // the ticket has already been aborted or requeued
//	}
package transport

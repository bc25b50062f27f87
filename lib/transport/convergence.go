package transport

import "github.com/go-i2p/go-dtn/lib/node"

// ConvergenceLayer carries bundles to neighbors over one protocol.
//
// Queue takes ownership of the handle and must eventually Complete, Abort or
// Release it. Failures are reported through the ticket, never returned.
type ConvergenceLayer interface {
	Protocol() node.Protocol
	Queue(n *node.Node, t *Transfer)
	// Open asks the layer to connect to n ahead of any transfer.
	Open(n *node.Node)
}

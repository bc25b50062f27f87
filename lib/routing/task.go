package routing

import (
	"time"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/event"
	"github.com/go-i2p/go-dtn/lib/node"
)

// task is the work item of an extension worker. Only the types below
// implement it; workers switch on the concrete type.
type task interface {
	isTask()
}

// searchNextBundleTask looks for bundles to push to peer.
type searchNextBundleTask struct {
	peer bundle.EID
}

// queueBundleTask decides which neighbors a newly stored bundle goes to.
type queueBundleTask struct {
	meta   bundle.MetaBundle
	origin bundle.EID
}

// transferCompletedTask reacts to a bundle handed over to peer.
type transferCompletedTask struct {
	peer bundle.EID
	meta bundle.MetaBundle
}

// transferAbortedTask fills the slot a failed transfer to peer released.
type transferAbortedTask struct {
	peer bundle.EID
}

// nodeTask reacts to a node registry change.
type nodeTask struct {
	node   *node.Node
	action event.NodeAction
}

// handshakeRequestTask asks peer for its summary vector.
type handshakeRequestTask struct {
	peer bundle.EID
}

// processHandshakeTask handles a handshake bundle addressed to this node.
type processHandshakeTask struct {
	meta bundle.MetaBundle
}

// handshakeMaintenanceTask refreshes stale neighbor filters.
type handshakeMaintenanceTask struct{}

// requeueTask schedules another attempt of a transfer.
type requeueTask struct {
	peer     bundle.EID
	id       bundle.ID
	protocol node.Protocol
}

// finishedTask forgets the retry state of a transfer that ended.
type finishedTask struct {
	peer bundle.EID
	id   bundle.ID
}

// retryTask runs the retransmissions due at now.
type retryTask struct {
	now time.Time
}

// ageTask ages the prophet predictabilities.
type ageTask struct {
	now time.Time
}

func (searchNextBundleTask) isTask()     {}
func (queueBundleTask) isTask()          {}
func (transferCompletedTask) isTask()    {}
func (transferAbortedTask) isTask()      {}
func (nodeTask) isTask()                 {}
func (handshakeRequestTask) isTask()     {}
func (processHandshakeTask) isTask()     {}
func (handshakeMaintenanceTask) isTask() {}
func (requeueTask) isTask()              {}
func (finishedTask) isTask()             {}
func (retryTask) isTask()                {}
func (ageTask) isTask()                  {}

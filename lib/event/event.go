// Package event defines the daemon events and the bus that delivers them.
//
// Event is a sealed interface: only the types in this package implement it.
// Receivers switch on the concrete type after filtering by Kind.
package event

import (
	"time"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/node"
)

// Kind tags every event type.
type Kind int

const (
	KindNode Kind = iota + 1
	KindTransferCompleted
	KindTransferAborted
	KindRequeueBundle
	KindBundleReceived
	KindQueueBundle
	KindTime
	KindBundleGenerated
	KindConnection
	KindBundlePurge
	KindBundleExpired
	KindGlobal
	KindStatusReport
	KindConfigChanged
	KindNodeHandshake
)

var kindNames = map[Kind]string{
	KindNode:              "node",
	KindTransferCompleted: "transfer_completed",
	KindTransferAborted:   "transfer_aborted",
	KindRequeueBundle:     "requeue_bundle",
	KindBundleReceived:    "bundle_received",
	KindQueueBundle:       "queue_bundle",
	KindTime:              "time",
	KindBundleGenerated:   "bundle_generated",
	KindConnection:        "connection",
	KindBundlePurge:       "bundle_purge",
	KindBundleExpired:     "bundle_expired",
	KindGlobal:            "global",
	KindStatusReport:      "status_report",
	KindConfigChanged:     "config_changed",
	KindNodeHandshake:     "node_handshake",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is implemented by every event type of this package.
type Event interface {
	Kind() Kind
	sealed()
}

// Raiser publishes events. Implemented by Bus; components depend on this
// interface so tests can record what they raise.
type Raiser interface {
	Raise(e Event)
}

// NodeAction describes a node registry transition.
type NodeAction int

const (
	NodeAvailable NodeAction = iota
	NodeUnavailable
	NodeDataAdded
	NodeDataRemoved
)

func (a NodeAction) String() string {
	switch a {
	case NodeAvailable:
		return "available"
	case NodeUnavailable:
		return "unavailable"
	case NodeDataAdded:
		return "data added"
	case NodeDataRemoved:
		return "data removed"
	default:
		return "unknown"
	}
}

// NodeEvent reports a change of a known node. Node is a snapshot.
type NodeEvent struct {
	Node   *node.Node
	Action NodeAction
}

func (NodeEvent) Kind() Kind { return KindNode }
func (NodeEvent) sealed()    {}

// TransferCompletedEvent reports a bundle handed over to Peer.
type TransferCompletedEvent struct {
	Peer   bundle.EID
	Bundle bundle.MetaBundle
}

func (TransferCompletedEvent) Kind() Kind { return KindTransferCompleted }
func (TransferCompletedEvent) sealed()    {}

// AbortReason says why a transfer ended without success.
type AbortReason int

const (
	AbortUndefined AbortReason = iota
	AbortConnectionDown
	AbortRefused
	AbortRetryLimitReached
	AbortBundleDeleted
	AbortRefusedByFilter
)

func (r AbortReason) String() string {
	switch r {
	case AbortConnectionDown:
		return "connection down"
	case AbortRefused:
		return "refused"
	case AbortRetryLimitReached:
		return "retry limit reached"
	case AbortBundleDeleted:
		return "bundle deleted"
	case AbortRefusedByFilter:
		return "refused by filter"
	default:
		return "undefined"
	}
}

// TransferAbortedEvent reports a failed transfer to Peer.
type TransferAbortedEvent struct {
	Peer   bundle.EID
	Bundle bundle.ID
	Reason AbortReason
}

func (TransferAbortedEvent) Kind() Kind { return KindTransferAborted }
func (TransferAbortedEvent) sealed()    {}

// RequeueBundleEvent asks for a transient failure to be retried later.
type RequeueBundleEvent struct {
	Peer     bundle.EID
	Bundle   bundle.ID
	Protocol node.Protocol
}

func (RequeueBundleEvent) Kind() Kind { return KindRequeueBundle }
func (RequeueBundleEvent) sealed()    {}

// BundleReceivedEvent carries a bundle received from Peer, or produced
// locally when Local is set.
type BundleReceivedEvent struct {
	Peer     bundle.EID
	Bundle   *bundle.Bundle
	Local    bool
	Protocol node.Protocol
}

func (BundleReceivedEvent) Kind() Kind { return KindBundleReceived }
func (BundleReceivedEvent) sealed()    {}

// QueueBundleEvent announces a bundle admitted to storage.
type QueueBundleEvent struct {
	Bundle bundle.MetaBundle
	Origin bundle.EID
}

func (QueueBundleEvent) Kind() Kind { return KindQueueBundle }
func (QueueBundleEvent) sealed()    {}

// TimeEvent is the periodic maintenance tick.
type TimeEvent struct {
	// Timestamp is the DTN time in seconds.
	Timestamp uint64
	Time      time.Time
}

func (TimeEvent) Kind() Kind { return KindTime }
func (TimeEvent) sealed()    {}

// BundleGeneratedEvent announces a bundle created on this node.
type BundleGeneratedEvent struct {
	Bundle bundle.MetaBundle
}

func (BundleGeneratedEvent) Kind() Kind { return KindBundleGenerated }
func (BundleGeneratedEvent) sealed()    {}

// ConnectionState is the state of a convergence layer connection.
type ConnectionState int

const (
	ConnectionUp ConnectionState = iota
	ConnectionDown
)

func (s ConnectionState) String() string {
	if s == ConnectionUp {
		return "up"
	}
	return "down"
}

// ConnectionEvent is raised by convergence layers when a link changes state.
type ConnectionEvent struct {
	Peer  bundle.EID
	State ConnectionState
	URI   node.URI
}

func (ConnectionEvent) Kind() Kind { return KindConnection }
func (ConnectionEvent) sealed()    {}

// PurgeReason says why a bundle is removed.
type PurgeReason int

const (
	PurgeDelivered PurgeReason = iota
	PurgeAcknowledged
	PurgeDeleted
	PurgeFragmentMerged
)

func (r PurgeReason) String() string {
	switch r {
	case PurgeDelivered:
		return "delivered"
	case PurgeAcknowledged:
		return "acknowledged"
	case PurgeFragmentMerged:
		return "fragment merged"
	default:
		return "deleted"
	}
}

// BundlePurgeEvent requests removal of a bundle that must never come back.
type BundlePurgeEvent struct {
	Bundle bundle.MetaBundle
	Reason PurgeReason
}

func (BundlePurgeEvent) Kind() Kind { return KindBundlePurge }
func (BundlePurgeEvent) sealed()    {}

// BundleExpiredEvent reports a bundle whose lifetime ran out in storage.
type BundleExpiredEvent struct {
	Bundle bundle.MetaBundle
}

func (BundleExpiredEvent) Kind() Kind { return KindBundleExpired }
func (BundleExpiredEvent) sealed()    {}

// GlobalAction describes a daemon wide state change.
type GlobalAction int

const (
	GlobalInternetAvailable GlobalAction = iota
	GlobalInternetUnavailable
	GlobalShutdown
	GlobalReload
)

// GlobalEvent reports daemon wide state changes.
type GlobalEvent struct {
	Action GlobalAction
}

func (GlobalEvent) Kind() Kind { return KindGlobal }
func (GlobalEvent) sealed()    {}

// ReportStatus is the status a report is generated for.
type ReportStatus int

const (
	ReportReceived ReportStatus = iota
	ReportForwarded
	ReportDelivered
	ReportDeleted
)

// ReportReason is the reason code carried in a status report.
type ReportReason int

const (
	ReasonNoInfo ReportReason = iota
	ReasonLifetimeExpired
	ReasonForwardedUnidirectional
	ReasonTransmissionCanceled
	ReasonDepletedStorage
	ReasonDestinationUnintelligible
	ReasonNoKnownRoute
	ReasonNoTimelyContact
	ReasonBlockUnintelligible
)

// StatusReportEvent asks the administrative record layer to send a report.
type StatusReportEvent struct {
	Bundle bundle.MetaBundle
	Status ReportStatus
	Reason ReportReason
}

func (StatusReportEvent) Kind() Kind { return KindStatusReport }
func (StatusReportEvent) sealed()    {}

// ConfigChangedEvent is raised after a staged configuration was applied.
type ConfigChangedEvent struct {
	Generation uint64
}

func (ConfigChangedEvent) Kind() Kind { return KindConfigChanged }
func (ConfigChangedEvent) sealed()    {}

// HandshakeState is the progress of a routing handshake with a neighbor.
type HandshakeState int

const (
	HandshakeReplied HandshakeState = iota
	HandshakeUpdated
	HandshakeCompleted
)

// NodeHandshakeEvent reports handshake progress with Peer.
type NodeHandshakeEvent struct {
	Peer  bundle.EID
	State HandshakeState
}

func (NodeHandshakeEvent) Kind() Kind { return KindNodeHandshake }
func (NodeHandshakeEvent) sealed()    {}

package transport

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-i2p/logger"
	"github.com/google/uuid"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/event"
	"github.com/go-i2p/go-dtn/lib/metrics"
	"github.com/go-i2p/go-dtn/lib/node"
)

// Outcome is the terminal state of a transfer.
type Outcome int

const (
	// Requeued is the outcome of a transfer nobody completed or aborted.
	Requeued Outcome = iota
	Completed
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return "requeued"
	}
}

// FinishFunc observes the end of a transfer. It runs once, before the
// terminal event is raised.
type FinishFunc func(t *Transfer, o Outcome)

// TransferConfig describes a new transfer ticket.
type TransferConfig struct {
	Peer     bundle.EID
	Bundle   bundle.MetaBundle
	Protocol node.Protocol
	Events   event.Raiser
	// OnFinish typically releases the neighbor's transfer slot.
	OnFinish FinishFunc
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

// slot is the state shared by all handles of one transfer.
type slot struct {
	mu       sync.Mutex
	refs     int
	outcome  Outcome
	reason   event.AbortReason
	decided  bool
	finished bool
	protocol node.Protocol
	hooks    []FinishFunc

	id      uuid.UUID
	peer    bundle.EID
	meta    bundle.MetaBundle
	events  event.Raiser
	clock   clock.Clock
	metrics *metrics.Metrics
	started time.Time
	ended   time.Time
}

// Transfer is a handle on an in-flight bundle transfer to one neighbor.
//
// Every handle must be consumed exactly once, by Complete, Abort or Release.
// When the last handle is consumed the transfer raises exactly one of
// TransferCompletedEvent, TransferAbortedEvent or RequeueBundleEvent. A
// transfer nobody completed or aborted is requeued, so
//
//	t := transport.NewTransfer(cfg)
//	defer t.Release()
//
// never leaks the neighbor's transfer slot.
type Transfer struct {
	s        *slot
	mu       sync.Mutex
	consumed bool
}

// NewTransfer creates the first handle of a transfer.
func NewTransfer(cfg TransferConfig) *Transfer {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	s := &slot{
		refs:     1,
		id:       uuid.New(),
		peer:     cfg.Peer.Node(),
		meta:     cfg.Bundle,
		protocol: cfg.Protocol,
		events:   cfg.Events,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		started:  cfg.Clock.Now(),
	}
	if cfg.OnFinish != nil {
		s.hooks = append(s.hooks, cfg.OnFinish)
	}
	log.WithFields(logger.Fields{
		"at":       "transport.NewTransfer",
		"transfer": s.id.String(),
		"peer":     s.peer.String(),
		"bundle":   s.meta.ID.String(),
	}).Debug("transfer created")
	return &Transfer{s: s}
}

// ID identifies the transfer across all of its handles.
func (t *Transfer) ID() uuid.UUID { return t.s.id }

// Peer is the neighbor the bundle is sent to.
func (t *Transfer) Peer() bundle.EID { return t.s.peer }

// Bundle is the bundle being transferred.
func (t *Transfer) Bundle() bundle.MetaBundle { return t.s.meta }

// Protocol returns the requested or chosen protocol.
func (t *Transfer) Protocol() node.Protocol {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.protocol
}

// SetProtocol records the protocol picked for the transfer.
func (t *Transfer) SetProtocol(p node.Protocol) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.protocol = p
}

// Duration is the time since creation, or the total time once finished.
func (t *Transfer) Duration() time.Duration {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.finished {
		return t.s.ended.Sub(t.s.started)
	}
	return t.s.clock.Since(t.s.started)
}

// Clone returns a new handle on the same transfer. It fails once this handle
// has been consumed.
func (t *Transfer) Clone() (*Transfer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.consumed {
		return nil, ErrTransferReleased
	}
	t.s.mu.Lock()
	t.s.refs++
	t.s.mu.Unlock()
	return &Transfer{s: t.s}, nil
}

// OnFinish adds an observer of the terminal outcome.
func (t *Transfer) OnFinish(fn FinishFunc) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.hooks = append(t.s.hooks, fn)
}

// Complete marks the transfer successful and consumes the handle.
func (t *Transfer) Complete() {
	t.decide(Completed, event.AbortUndefined)
	t.Release()
}

// Abort marks the transfer failed and consumes the handle.
func (t *Transfer) Abort(reason event.AbortReason) {
	t.decide(Aborted, reason)
	t.Release()
}

// the first decision wins
func (t *Transfer) decide(o Outcome, reason event.AbortReason) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.decided {
		return
	}
	t.s.decided = true
	t.s.outcome = o
	t.s.reason = reason
}

// Release consumes the handle. Consuming a handle twice is a no-op.
func (t *Transfer) Release() {
	t.mu.Lock()
	if t.consumed {
		t.mu.Unlock()
		return
	}
	t.consumed = true
	t.mu.Unlock()

	t.s.mu.Lock()
	t.s.refs--
	if t.s.refs > 0 || t.s.finished {
		t.s.mu.Unlock()
		return
	}
	t.s.finished = true
	t.s.ended = t.s.clock.Now()
	outcome, reason, proto := t.s.outcome, t.s.reason, t.s.protocol
	hooks := append([]FinishFunc(nil), t.s.hooks...)
	t.s.mu.Unlock()

	t.finish(outcome, reason, proto, hooks)
}

func (t *Transfer) finish(outcome Outcome, reason event.AbortReason, proto node.Protocol, hooks []FinishFunc) {
	s := t.s
	for _, hook := range hooks {
		hook(t, outcome)
	}
	if s.metrics != nil {
		s.metrics.Transfers.WithLabelValues(proto.String(), outcome.String()).Inc()
	}
	log.WithFields(logger.Fields{
		"at":       "(Transfer) finish",
		"transfer": s.id.String(),
		"peer":     s.peer.String(),
		"bundle":   s.meta.ID.String(),
		"outcome":  outcome.String(),
		"reason":   reason.String(),
	}).Debug("transfer finished")
	if s.events == nil {
		return
	}
	switch outcome {
	case Completed:
		s.events.Raise(event.TransferCompletedEvent{Peer: s.peer, Bundle: s.meta})
	case Aborted:
		s.events.Raise(event.TransferAbortedEvent{Peer: s.peer, Bundle: s.meta.ID, Reason: reason})
	default:
		s.events.Raise(event.RequeueBundleEvent{Peer: s.peer, Bundle: s.meta.ID, Protocol: proto})
	}
}

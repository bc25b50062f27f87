package routing

import (
	"errors"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/go-i2p/logger"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/event"
	"github.com/go-i2p/go-dtn/lib/netdb"
	"github.com/go-i2p/go-dtn/lib/node"
)

type retryKey struct {
	peer bundle.EID
	id   bundle.ID
}

type retryItem struct {
	key      retryKey
	protocol node.Protocol
	due      time.Time
}

func byDue(a, b interface{}) int {
	da, db := a.(retryItem).due, b.(retryItem).due
	switch {
	case da.Before(db):
		return -1
	case da.After(db):
		return 1
	default:
		return 0
	}
}

// RetransmissionExtension retries requeued transfers with exponential
// backoff and gives up after the configured number of attempts.
type RetransmissionExtension struct {
	base
	cfg RetransmissionConfig

	mu       sync.Mutex
	counters *lru.Cache[retryKey, int]
	due      *priorityqueue.Queue
	pending  map[retryKey]struct{}
}

// NewRetransmissionExtension creates the retransmission extension.
func NewRetransmissionExtension(cfg RetransmissionConfig) *RetransmissionExtension {
	def := DefaultRetransmissionConfig()
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	// lru.New only fails for a non-positive size.
	counters, _ := lru.New[retryKey, int](cfg.CacheSize)
	r := &RetransmissionExtension{
		cfg:      cfg,
		counters: counters,
		due:      priorityqueue.NewWith(byDue),
		pending:  make(map[retryKey]struct{}),
	}
	r.name = "retransmission"
	return r
}

func (r *RetransmissionExtension) Handles(k event.Kind) bool {
	switch k {
	case event.KindRequeueBundle, event.KindTransferCompleted, event.KindTransferAborted, event.KindTime:
		return true
	}
	return false
}

func (r *RetransmissionExtension) Notify(e event.Event) {
	switch ev := e.(type) {
	case event.RequeueBundleEvent:
		r.push(requeueTask{peer: ev.Peer, id: ev.Bundle, protocol: ev.Protocol})
	case event.TransferCompletedEvent:
		r.push(finishedTask{peer: ev.Peer, id: ev.Bundle.ID})
	case event.TransferAbortedEvent:
		if ev.Reason != event.AbortRetryLimitReached {
			r.push(finishedTask{peer: ev.Peer, id: ev.Bundle})
		}
	case event.TimeEvent:
		r.push(retryTask{now: ev.Time})
	}
}

func (r *RetransmissionExtension) Start(rt *Router) {
	r.start(rt, r.process)
}

// Pending returns the number of scheduled retries.
func (r *RetransmissionExtension) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.due.Size()
}

// Attempts returns the retries counted for a transfer.
func (r *RetransmissionExtension) Attempts(peer bundle.EID, id bundle.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, _ := r.counters.Peek(retryKey{peer: peer.Node(), id: id})
	return n
}

func (r *RetransmissionExtension) count(result string) {
	if m := r.router.metrics; m != nil {
		m.Retransmissions.WithLabelValues(result).Inc()
	}
}

func (r *RetransmissionExtension) process(t task) error {
	switch t := t.(type) {
	case requeueTask:
		r.requeue(t)
	case finishedTask:
		r.mu.Lock()
		r.counters.Remove(retryKey{peer: t.peer.Node(), id: t.id})
		r.mu.Unlock()
	case retryTask:
		now := t.now
		if now.IsZero() {
			now = r.router.Clock().Now()
		}
		return r.retry(now)
	}
	return nil
}

// backoff doubles per attempt up to MaxBackoff.
func (r *RetransmissionExtension) backoff(attempt int) time.Duration {
	d := r.cfg.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return d
}

func (r *RetransmissionExtension) requeue(t requeueTask) {
	key := retryKey{peer: t.peer.Node(), id: t.id}
	r.mu.Lock()
	attempt, _ := r.counters.Get(key)
	attempt++
	if attempt > r.cfg.Limit {
		r.counters.Remove(key)
		r.mu.Unlock()
		log.WithFields(logger.Fields{
			"at":     "(RetransmissionExtension) requeue",
			"peer":   key.peer.String(),
			"bundle": key.id.String(),
			"limit":  r.cfg.Limit,
		}).Warn("retry limit reached, giving up transfer")
		r.count("limit_reached")
		r.router.raise(event.TransferAbortedEvent{Peer: key.peer, Bundle: key.id, Reason: event.AbortRetryLimitReached})
		return
	}
	r.counters.Add(key, attempt)
	if _, ok := r.pending[key]; !ok {
		r.pending[key] = struct{}{}
		r.due.Enqueue(retryItem{key: key, protocol: t.protocol, due: r.router.Clock().Now().Add(r.backoff(attempt))})
	}
	r.mu.Unlock()
	r.count("scheduled")
}

func (r *RetransmissionExtension) retry(now time.Time) error {
	var ready []retryItem
	r.mu.Lock()
	for {
		v, ok := r.due.Peek()
		if !ok || v.(retryItem).due.After(now) {
			break
		}
		r.due.Dequeue()
		item := v.(retryItem)
		delete(r.pending, item.key)
		ready = append(ready, item)
	}
	r.mu.Unlock()

	rt := r.router
	for _, item := range ready {
		b, err := rt.Storage().Load(item.key.id)
		if err != nil {
			r.forget(item.key, "dropped")
			continue
		}
		err = rt.TransferTo(item.key.peer, b.Meta(), item.protocol)
		switch {
		case err == nil:
			r.count("retried")
		case errors.Is(err, netdb.ErrAlreadyInTransit):
			r.count("retried")
		case errors.Is(err, netdb.ErrNoMoreTransfersAvailable):
			r.reschedule(item, now)
		case IsExpected(err):
			// The connection manager requeued or aborted the transfer and
			// raised the matching event.
			log.WithError(err).WithField("peer", item.key.peer.String()).Debug("retry not queued")
		default:
			return err
		}
	}
	return nil
}

func (r *RetransmissionExtension) reschedule(item retryItem, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[item.key]; ok {
		return
	}
	item.due = now.Add(r.cfg.Backoff)
	r.pending[item.key] = struct{}{}
	r.due.Enqueue(item)
}

func (r *RetransmissionExtension) forget(key retryKey, result string) {
	r.mu.Lock()
	r.counters.Remove(key)
	r.mu.Unlock()
	r.count(result)
}

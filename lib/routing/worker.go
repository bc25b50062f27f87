package routing

import (
	"errors"
	"sync"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-dtn/lib/metrics"
	"github.com/go-i2p/go-dtn/lib/netdb"
	"github.com/go-i2p/go-dtn/lib/storage"
	"github.com/go-i2p/go-dtn/lib/transport"
	"github.com/go-i2p/go-dtn/lib/util/queue"
)

// expected errors are frequent and retried on the next trigger
var expected = []error{
	netdb.ErrNeighborNotAvailable,
	netdb.ErrNoMoreTransfersAvailable,
	netdb.ErrAlreadyInTransit,
	netdb.ErrBloomfilterNotAvailable,
	netdb.ErrFilterRequestPending,
	netdb.ErrDatasetNotAvailable,
	storage.ErrNoBundleFound,
	transport.ErrNoTransportAvailable,
	transport.ErrP2PDialup,
	transport.ErrRefusedByFilter,
}

// IsExpected reports whether err belongs to the retryable routing errors.
func IsExpected(err error) bool {
	for _, target := range expected {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// worker runs the tasks of one extension in arrival order.
type worker struct {
	name    string
	tasks   *queue.Queue[task]
	process func(task) error
	metrics *metrics.Metrics

	mu   sync.Mutex
	done chan struct{}
}

func newWorker(name string, process func(task) error) *worker {
	return &worker{
		name:    name,
		tasks:   queue.New[task](),
		process: process,
	}
}

// push queues t. Tasks pushed to a stopped or failed worker are dropped.
func (w *worker) push(t task) {
	if err := w.tasks.Push(t); err != nil {
		log.WithFields(logger.Fields{
			"at":        "(worker) push",
			"extension": w.name,
		}).Debug("worker not running, task dropped")
	}
}

func (w *worker) start(m *metrics.Metrics) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return
	}
	w.metrics = m
	if w.tasks.Aborted() {
		w.tasks.Reset()
	}
	w.done = make(chan struct{})
	go w.run(w.done)
}

// stop aborts the queue and waits for the loop to exit.
func (w *worker) stop() {
	w.mu.Lock()
	done := w.done
	w.done = nil
	w.mu.Unlock()
	w.tasks.Abort()
	if done != nil {
		<-done
	}
}

func (w *worker) run(done chan struct{}) {
	defer close(done)
	for {
		t, err := w.tasks.Pop()
		if err != nil {
			log.WithFields(logger.Fields{
				"at":        "(worker) run",
				"extension": w.name,
			}).Debug("worker stopped")
			return
		}
		if w.metrics != nil {
			w.metrics.RoutingTasks.WithLabelValues(w.name).Inc()
		}
		err = w.safeProcess(t)
		if err == nil {
			continue
		}
		if IsExpected(err) {
			log.WithError(err).WithFields(logger.Fields{
				"at":        "(worker) run",
				"extension": w.name,
				"task":      taskName(t),
			}).Debug("task deferred")
			continue
		}
		log.WithError(err).WithFields(logger.Fields{
			"at":        "(worker) run",
			"extension": w.name,
			"task":      taskName(t),
		}).Error("routing extension terminated")
		w.tasks.Abort()
		return
	}
}

func (w *worker) safeProcess(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = oops.In("routing").With("extension", w.name).Errorf("panic in task %s: %v", taskName(t), r)
		}
	}()
	return w.process(t)
}

func taskName(t task) string {
	switch t.(type) {
	case searchNextBundleTask:
		return "search_next_bundle"
	case queueBundleTask:
		return "queue_bundle"
	case transferCompletedTask:
		return "transfer_completed"
	case nodeTask:
		return "node"
	case handshakeRequestTask:
		return "handshake_request"
	case processHandshakeTask:
		return "process_handshake"
	case handshakeMaintenanceTask:
		return "handshake_maintenance"
	case requeueTask:
		return "requeue"
	case finishedTask:
		return "finished"
	case retryTask:
		return "retry"
	case ageTask:
		return "age"
	default:
		return "unknown"
	}
}

// Package signals dispatches operating system signals to registered handlers.
//
// SIGHUP runs the reload handlers. SIGINT and SIGTERM run the pre-shutdown
// handlers, bounded by a timeout, and then the interrupt handlers. Handlers
// run in registration order on the goroutine calling Run; a panicking handler
// is logged and does not stop the others.
package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// DefaultGracefulTimeout bounds the pre-shutdown handlers.
const DefaultGracefulTimeout = 30 * time.Second

// Handler is a function called when a signal is received.
type Handler func()

// HandlerID identifies a registration for Remove.
type HandlerID int

type registeredHandler struct {
	id HandlerID
	fn Handler
}

// Dispatcher routes signals to handlers.
type Dispatcher struct {
	mu           sync.RWMutex
	reloaders    []registeredHandler
	preShutdown  []registeredHandler
	interrupters []registeredHandler
	nextID       HandlerID
	timeout      time.Duration

	ch       chan os.Signal
	stopOnce sync.Once
}

// New creates a dispatcher. It does not receive signals before Run.
func New() *Dispatcher {
	return &Dispatcher{
		timeout: DefaultGracefulTimeout,
		ch:      make(chan os.Signal, 1),
	}
}

// SetGracefulTimeout bounds the pre-shutdown handlers. Non positive values
// restore DefaultGracefulTimeout.
func (d *Dispatcher) SetGracefulTimeout(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timeout <= 0 {
		timeout = DefaultGracefulTimeout
	}
	d.timeout = timeout
}

func (d *Dispatcher) register(list *[]registeredHandler, f Handler) HandlerID {
	if f == nil {
		return -1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	*list = append(*list, registeredHandler{id: id, fn: f})
	return id
}

// OnReload registers f for SIGHUP. Nil handlers are ignored and return -1.
func (d *Dispatcher) OnReload(f Handler) HandlerID {
	return d.register(&d.reloaders, f)
}

// OnPreShutdown registers f to run before the interrupt handlers.
func (d *Dispatcher) OnPreShutdown(f Handler) HandlerID {
	return d.register(&d.preShutdown, f)
}

// OnInterrupt registers f for SIGINT and SIGTERM.
func (d *Dispatcher) OnInterrupt(f Handler) HandlerID {
	return d.register(&d.interrupters, f)
}

// Remove deregisters the handler with the given id, whatever its kind.
func (d *Dispatcher) Remove(id HandlerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, list := range []*[]registeredHandler{&d.reloaders, &d.preShutdown, &d.interrupters} {
		for i, h := range *list {
			if h.id == id {
				*list = append((*list)[:i], (*list)[i+1:]...)
				return
			}
		}
	}
}

// Run receives signals until ctx is done or Stop is called.
func (d *Dispatcher) Run(ctx context.Context) {
	notify(d.ch)
	defer signal.Stop(d.ch)
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-d.ch:
			if !ok {
				return
			}
			d.dispatch(sig)
		}
	}
}

// Stop makes Run return. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		signal.Stop(d.ch)
		close(d.ch)
	})
}

func (d *Dispatcher) dispatch(sig os.Signal) {
	log.WithField("signal", sig.String()).Debug("signal received")
	switch {
	case isReload(sig):
		d.runAll("reload", d.snapshot(&d.reloaders))
	case isInterrupt(sig):
		d.shutdown()
	}
}

// shutdown runs the pre-shutdown handlers, waiting at most the graceful
// timeout, then the interrupt handlers. It reports whether the pre-shutdown
// handlers finished in time.
func (d *Dispatcher) shutdown() bool {
	pre := d.snapshot(&d.preShutdown)
	d.mu.RLock()
	timeout := d.timeout
	d.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.runAll("pre-shutdown", pre)
	}()

	inTime := true
	select {
	case <-done:
	case <-time.After(timeout):
		inTime = false
		log.WithFields(logger.Fields{
			"at":      "(Dispatcher) shutdown",
			"timeout": timeout.String(),
		}).Warn("pre-shutdown handlers timed out")
	}
	d.runAll("interrupt", d.snapshot(&d.interrupters))
	return inTime
}

func (d *Dispatcher) snapshot(list *[]registeredHandler) []registeredHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]registeredHandler(nil), (*list)...)
}

func (d *Dispatcher) runAll(kind string, handlers []registeredHandler) {
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(logger.Fields{
						"at":      "(Dispatcher) runAll",
						"kind":    kind,
						"handler": int(h.id),
						"panic":   r,
					}).Error("signal handler panicked")
				}
			}()
			h.fn()
		}()
	}
}

package util

import (
	"io"
	"sync"

	"go.uber.org/multierr"
)

// Closers collects resources released at shutdown, in reverse order of
// registration.
type Closers struct {
	mu      sync.Mutex
	closers []io.Closer
}

// Register adds c. Nil closers are ignored.
func (cs *Closers) Register(c io.Closer) {
	if c == nil {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.closers = append(cs.closers, c)
	log.WithField("count", len(cs.closers)).Debug("registered closer")
}

// CloseAll closes every registered resource, newest first, and forgets them.
// All closers run even when some fail; their errors are combined.
func (cs *Closers) CloseAll() error {
	cs.mu.Lock()
	closers := cs.closers
	cs.closers = nil
	cs.mu.Unlock()

	log.WithField("count", len(closers)).Debug("closing all registered closers")
	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		if cerr := closers[i].Close(); cerr != nil {
			log.WithError(cerr).Warn("error closing resource")
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }

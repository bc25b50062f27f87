// Package clock provides the daemon time source.
//
// Clock adds a synchronisation offset to a base clock and carries a rating
// in [0, 1] telling how far its time can be trusted. A rating of zero marks
// the clock as bad: time based policy checks are skipped until the clock is
// synchronised again. Synchronizer keeps the offset and the rating current
// from NTP servers.
package clock

import (
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-dtn/lib/bundle"
)

var log = logger.GetGoI2PLogger()

// minRating is the rating below which a clock counts as bad.
const minRating = 0.01

// Clock is a base clock corrected by an offset. It is safe for concurrent
// use and implements the benbjohnson clock interface so it can be handed to
// every component taking one.
type Clock struct {
	bclock.Clock

	mu       sync.RWMutex
	offset   time.Duration
	rating   float64
	lastSync time.Time
}

// New wraps base. A nil base uses the system clock.
func New(base bclock.Clock, rating float64) *Clock {
	if base == nil {
		base = bclock.New()
	}
	return &Clock{Clock: base, rating: clampRating(rating)}
}

func clampRating(r float64) float64 {
	switch {
	case r < minRating:
		return 0
	case r > 1:
		return 1
	default:
		return r
	}
}

// Now returns the corrected time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Clock.Now().Add(c.offset)
}

// Since is Now minus t.
func (c *Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Until is t minus Now.
func (c *Clock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

// Timestamp returns the corrected DTN time in seconds.
func (c *Clock) Timestamp() uint64 {
	return bundle.DTNTime(c.Now())
}

// Offset is the correction added to the base clock.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

func (c *Clock) Rating() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rating
}

// IsBad reports whether the time must not be used for policy decisions.
func (c *Clock) IsBad() bool {
	return c.Rating() == 0
}

// LastSync is the base clock time of the last Adjust, zero if never.
func (c *Clock) LastSync() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}

func (c *Clock) SetRating(r float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rating = clampRating(r)
}

// Adjust sets a new offset and rating after a synchronisation.
func (c *Clock) Adjust(offset time.Duration, rating float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = offset
	c.rating = clampRating(rating)
	c.lastSync = c.Clock.Now()
	log.WithFields(logger.Fields{
		"at":     "(Clock) Adjust",
		"offset": offset.String(),
		"rating": c.rating,
	}).Debug("clock adjusted")
}

// Degrade multiplies the rating by factor and returns the new rating.
func (c *Clock) Degrade(factor float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.rating
	c.rating = clampRating(c.rating * factor)
	if before > 0 && c.rating == 0 {
		log.WithFields(logger.Fields{
			"at": "(Clock) Degrade",
		}).Warn("clock rating dropped to zero, time checks disabled")
	}
	return c.rating
}

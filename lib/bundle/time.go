package bundle

import (
	"sync"
	"time"
)

// DTNEpoch is the reference point of bundle creation timestamps.
var DTNEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// DTNTime converts t into seconds since the DTN epoch. Times before the
// epoch map to zero.
func DTNTime(t time.Time) uint64 {
	if t.Before(DTNEpoch) {
		return 0
	}
	return uint64(t.Sub(DTNEpoch) / time.Second)
}

// FromDTNTime converts seconds since the DTN epoch to wall time.
func FromDTNTime(seconds uint64) time.Time {
	return DTNEpoch.Add(time.Duration(seconds) * time.Second)
}

// Sequencer hands out creation timestamp/sequence pairs that are unique for
// one source endpoint.
type Sequencer struct {
	mu       sync.Mutex
	lastTime uint64
	sequence uint64
}

// Next returns the (timestamp, sequence) pair for a bundle created at now.
// The sequence restarts whenever the timestamp advances.
func (s *Sequencer) Next(now uint64) (uint64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now > s.lastTime {
		s.lastTime = now
		s.sequence = 0
	} else {
		s.sequence++
	}
	return s.lastTime, s.sequence
}

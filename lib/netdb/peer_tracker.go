package netdb

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-dtn/lib/bundle"
)

// TransferStats summarises the transfer history of one neighbor.
type TransferStats struct {
	Neighbor         bundle.EID
	Completed        int
	Aborted          int
	Attempts         int
	ConsecutiveFails int
	LastSuccess      time.Time
	LastFailure      time.Time
	LastAttempt      time.Time
	AvgDuration      time.Duration
}

// PeerTracker records transfer outcomes per neighbor. It has its own lock
// and never touches the database mutex.
type PeerTracker struct {
	mu    sync.RWMutex
	stats map[bundle.EID]*TransferStats
	clock clock.Clock
}

// NewPeerTracker creates a tracker. A nil clock uses the wall clock.
func NewPeerTracker(clk clock.Clock) *PeerTracker {
	if clk == nil {
		clk = clock.New()
	}
	return &PeerTracker{
		stats: make(map[bundle.EID]*TransferStats),
		clock: clk,
	}
}

func (pt *PeerTracker) entry(eid bundle.EID) *TransferStats {
	eid = eid.Node()
	s, ok := pt.stats[eid]
	if !ok {
		s = &TransferStats{Neighbor: eid}
		pt.stats[eid] = s
	}
	return s
}

// RecordAttempt notes that a transfer to eid was queued.
func (pt *PeerTracker) RecordAttempt(eid bundle.EID) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	s := pt.entry(eid)
	s.Attempts++
	s.LastAttempt = pt.clock.Now()
}

// RecordSuccess notes a completed transfer that took d.
func (pt *PeerTracker) RecordSuccess(eid bundle.EID, d time.Duration) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	s := pt.entry(eid)
	s.Completed++
	s.ConsecutiveFails = 0
	s.LastSuccess = pt.clock.Now()
	if s.AvgDuration == 0 {
		s.AvgDuration = d
	} else {
		s.AvgDuration = (s.AvgDuration + d) / 2
	}
}

// RecordFailure notes an aborted transfer.
func (pt *PeerTracker) RecordFailure(eid bundle.EID, reason string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	s := pt.entry(eid)
	s.Aborted++
	s.ConsecutiveFails++
	s.LastFailure = pt.clock.Now()
	log.WithFields(logger.Fields{
		"at":                "(PeerTracker) RecordFailure",
		"neighbor":          s.Neighbor.String(),
		"consecutive_fails": s.ConsecutiveFails,
		"reason":            reason,
	}).Debug("transfer failure recorded")
}

// Stats returns a copy of the statistics of eid.
func (pt *PeerTracker) Stats(eid bundle.EID) (TransferStats, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	s, ok := pt.stats[eid.Node()]
	if !ok {
		return TransferStats{}, false
	}
	return *s, true
}

// SuccessRate returns completed/finished transfers, or -1 without data.
func (pt *PeerTracker) SuccessRate(eid bundle.EID) float64 {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	s, ok := pt.stats[eid.Node()]
	if !ok || s.Completed+s.Aborted == 0 {
		return -1
	}
	return float64(s.Completed) / float64(s.Completed+s.Aborted)
}

// IsLikelyStale reports whether the neighbor keeps failing: three failures
// in a row, or less than half of at least six finished transfers succeeded.
func (pt *PeerTracker) IsLikelyStale(eid bundle.EID) bool {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	s, ok := pt.stats[eid.Node()]
	if !ok {
		return false
	}
	return isStale(s)
}

func isStale(s *TransferStats) bool {
	if s.ConsecutiveFails >= 3 {
		return true
	}
	finished := s.Completed + s.Aborted
	return finished >= 6 && float64(s.Completed)/float64(finished) < 0.5
}

// Prune forgets neighbors without any activity during maxAge.
func (pt *PeerTracker) Prune(maxAge time.Duration) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	cutoff := pt.clock.Now().Add(-maxAge)
	pruned := 0
	for eid, s := range pt.stats {
		last := s.LastAttempt
		if s.LastSuccess.After(last) {
			last = s.LastSuccess
		}
		if s.LastFailure.After(last) {
			last = s.LastFailure
		}
		if last.Before(cutoff) {
			delete(pt.stats, eid)
			pruned++
		}
	}
	if pruned > 0 {
		log.WithFields(logger.Fields{
			"at":        "(PeerTracker) Prune",
			"pruned":    pruned,
			"remaining": len(pt.stats),
		}).Debug("pruned transfer statistics")
	}
	return pruned
}

// Summary aggregates the statistics of all neighbors.
type Summary struct {
	Neighbors int
	Completed int
	Aborted   int
	Stale     int
}

// Summary returns aggregated statistics.
func (pt *PeerTracker) Summary() Summary {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	var out Summary
	out.Neighbors = len(pt.stats)
	for _, s := range pt.stats {
		out.Completed += s.Completed
		out.Aborted += s.Aborted
		if isStale(s) {
			out.Stale++
		}
	}
	return out
}

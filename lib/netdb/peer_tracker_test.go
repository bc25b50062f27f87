package netdb

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-dtn/lib/bundle"
)

func TestPeerTrackerRecordsOutcomes(t *testing.T) {
	clk := clock.NewMock()
	pt := NewPeerTracker(clk)

	pt.RecordAttempt("dtn://peer/app")
	pt.RecordSuccess("dtn://peer", 100*time.Millisecond)
	pt.RecordSuccess("dtn://peer", 300*time.Millisecond)

	stats, ok := pt.Stats("dtn://peer")
	require.True(t, ok)
	assert.Equal(t, 1, stats.Attempts)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 200*time.Millisecond, stats.AvgDuration)
	assert.Equal(t, clk.Now(), stats.LastSuccess)
	assert.Equal(t, float64(1), pt.SuccessRate("dtn://peer"))

	_, ok = pt.Stats("dtn://other")
	assert.False(t, ok)
	assert.Equal(t, float64(-1), pt.SuccessRate("dtn://other"))
}

func TestConsecutiveFailuresMarkStale(t *testing.T) {
	pt := NewPeerTracker(clock.NewMock())
	peer := bundle.EID("dtn://flaky")

	pt.RecordFailure(peer, "connection down")
	pt.RecordFailure(peer, "connection down")
	assert.False(t, pt.IsLikelyStale(peer))
	pt.RecordFailure(peer, "connection down")
	assert.True(t, pt.IsLikelyStale(peer))

	pt.RecordSuccess(peer, time.Second)
	assert.False(t, pt.IsLikelyStale(peer), "a success resets the streak")
}

func TestLowSuccessRateMarksStale(t *testing.T) {
	pt := NewPeerTracker(clock.NewMock())
	peer := bundle.EID("dtn://lossy")

	pt.RecordFailure(peer, "refused")
	pt.RecordSuccess(peer, time.Second)
	pt.RecordFailure(peer, "refused")
	pt.RecordFailure(peer, "refused")
	pt.RecordSuccess(peer, time.Second)
	assert.False(t, pt.IsLikelyStale(peer), "too few transfers to judge")

	pt.RecordFailure(peer, "refused")
	assert.True(t, pt.IsLikelyStale(peer), "2 of 6 succeeded")
	assert.Equal(t, 1, pt.Summary().Stale)
}

func TestPruneForgetsInactiveNeighbors(t *testing.T) {
	clk := clock.NewMock()
	pt := NewPeerTracker(clk)
	pt.RecordAttempt("dtn://old")
	clk.Add(2 * time.Hour)
	pt.RecordAttempt("dtn://fresh")

	assert.Equal(t, 1, pt.Prune(time.Hour))
	summary := pt.Summary()
	assert.Equal(t, 1, summary.Neighbors)
	_, ok := pt.Stats("dtn://fresh")
	assert.True(t, ok)
}

package clock

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/beevik/ntp"
	bclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-i2p/go-dtn/lib/bundle"
)

var epoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newMock() *bclock.Mock {
	m := bclock.NewMock()
	m.Set(epoch)
	return m
}

func TestClockAppliesOffset(t *testing.T) {
	c := New(newMock(), 1)
	assert.Equal(t, epoch, c.Now())
	assert.False(t, c.IsBad())

	c.Adjust(3*time.Second, 1)
	assert.Equal(t, epoch.Add(3*time.Second), c.Now())
	assert.Equal(t, bundle.DTNTime(epoch.Add(3*time.Second)), c.Timestamp())
	assert.Equal(t, 3*time.Second, c.Offset())
	assert.Equal(t, epoch, c.LastSync(), "last sync uses the base clock")
	assert.Equal(t, -3*time.Second, c.Since(epoch.Add(6*time.Second)))
}

func TestClockRating(t *testing.T) {
	c := New(nil, 0)
	assert.True(t, c.IsBad())

	c.SetRating(2)
	assert.Equal(t, 1.0, c.Rating())

	assert.InDelta(t, 0.5, c.Degrade(0.5), 1e-9)
	for i := 0; i < 10; i++ {
		c.Degrade(0.5)
	}
	assert.True(t, c.IsBad(), "ratings below the floor count as bad")
	assert.Zero(t, c.Rating())
}

// fakeNTP answers from a table of offsets per server.
type fakeNTP struct {
	mu      sync.Mutex
	offsets map[string]time.Duration
	queried []string
}

func (f *fakeNTP) QueryWithOptions(host string, _ ntp.QueryOptions) (*ntp.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, host)
	offset, ok := f.offsets[host]
	if !ok {
		return nil, errors.New("timeout")
	}
	return &ntp.Response{
		Time:        epoch.Add(offset),
		ClockOffset: offset,
		RTT:         20 * time.Millisecond,
		Stratum:     2,
		Leap:        ntp.LeapNoWarning,
	}, nil
}

func (f *fakeNTP) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queried)
}

func TestSyncUsesMedianOffset(t *testing.T) {
	c := New(newMock(), 0)
	client := &fakeNTP{offsets: map[string]time.Duration{
		"a": 2 * time.Second,
		"b": 3 * time.Second,
		"c": 7 * time.Second,
	}}
	s := NewSynchronizer(c, SyncConfig{Servers: []string{"a", "b", "c"}, Client: client})

	require.NoError(t, s.Sync())
	assert.Equal(t, 3*time.Second, c.Offset())
	assert.False(t, c.IsBad())
	assert.Equal(t, 0.9, c.Rating(), "large corrections earn a reduced rating")

	require.NoError(t, s.Sync())
	assert.Equal(t, 1.0, c.Rating())
}

func TestSyncSkipsUnreachableServers(t *testing.T) {
	c := New(newMock(), 0)
	client := &fakeNTP{offsets: map[string]time.Duration{"a": 100 * time.Millisecond, "c": 200 * time.Millisecond}}
	s := NewSynchronizer(c, SyncConfig{Servers: []string{"a", "b", "c"}, Concurring: 2, Client: client})

	require.NoError(t, s.Sync())
	assert.Equal(t, 150*time.Millisecond, c.Offset())
}

func TestFailedSyncDegradesRating(t *testing.T) {
	c := New(newMock(), 1)
	disagree := NewSynchronizer(c, SyncConfig{
		Servers:    []string{"a", "b"},
		Concurring: 2,
		Client:     &fakeNTP{offsets: map[string]time.Duration{"a": 0, "b": time.Minute}},
	})
	assert.ErrorIs(t, disagree.Sync(), ErrSamplesDisagree)
	assert.Equal(t, 0.5, c.Rating())

	none := NewSynchronizer(c, SyncConfig{})
	assert.ErrorIs(t, none.Sync(), ErrNoServers)
	assert.Equal(t, 0.25, c.Rating())
	assert.Zero(t, c.Offset(), "failed cycles keep the offset")
}

func TestValidateResponse(t *testing.T) {
	good := ntp.Response{Time: epoch, Stratum: 3, RTT: 10 * time.Millisecond}
	require.NoError(t, validateResponse(&good))

	cases := map[string]func(r *ntp.Response){
		"not in sync": func(r *ntp.Response) { r.Leap = ntp.LeapNotInSync },
		"stratum":     func(r *ntp.Response) { r.Stratum = 16 },
		"rtt":         func(r *ntp.Response) { r.RTT = 3 * time.Second },
		"offset":      func(r *ntp.Response) { r.ClockOffset = -48 * time.Hour },
		"zero time":   func(r *ntp.Response) { r.Time = time.Time{} },
		"root delay":  func(r *ntp.Response) { r.RootDelay = 2 * time.Second },
	}
	for name, mutate := range cases {
		r := good
		mutate(&r)
		assert.ErrorIs(t, validateResponse(&r), ErrInvalidResponse, name)
	}
}

func TestSynchronizerRunsEveryInterval(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	mock := newMock()
	c := New(mock, 0)
	client := &fakeNTP{offsets: map[string]time.Duration{"a": time.Second}}
	s := NewSynchronizer(c, SyncConfig{Servers: []string{"a"}, Interval: time.Minute, Client: client})

	s.Start()
	require.Eventually(t, func() bool { return client.count() == 1 }, time.Second, 5*time.Millisecond)
	mock.Add(time.Minute)
	require.Eventually(t, func() bool { return client.count() == 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
	assert.Equal(t, time.Second, c.Offset())
}

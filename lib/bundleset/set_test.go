package bundleset

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-dtn/lib/bundle"
)

func testMeta(seq uint64, expire uint64) bundle.MetaBundle {
	return bundle.MetaBundle{
		ID:       bundle.ID{Source: "dtn://src/app", Timestamp: 100, Sequence: seq},
		Lifetime: expire - 100,
	}
}

type memPersister struct {
	mu    sync.Mutex
	sets  map[string][]Entry
	saves int
	fail  error
}

func (p *memPersister) LoadSet(name string) ([]Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	return append([]Entry(nil), p.sets[name]...), nil
}

func (p *memPersister) SaveSet(name string, entries []Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	if p.sets == nil {
		p.sets = make(map[string][]Entry)
	}
	p.sets[name] = entries
	p.saves++
	return nil
}

func TestAddIsIdempotent(t *testing.T) {
	s := NewInMemory("known")
	m := testMeta(1, 200)

	s.Add(m)
	s.Add(m)

	assert.True(t, s.Has(m.ID))
	assert.Equal(t, 1, s.Len())
	assert.False(t, s.Has(testMeta(2, 200).ID))
}

func TestAddIfAbsentFirstCallerWins(t *testing.T) {
	s := NewInMemory("known")
	m := testMeta(7, 500)

	const workers = 32
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.AddIfAbsent(m)
		}()
	}
	wg.Wait()
	close(results)

	added := 0
	for r := range results {
		if r {
			added++
		}
	}
	assert.Equal(t, 1, added)
}

func TestExpireIsMonotonic(t *testing.T) {
	var expired []bundle.ID
	s, err := New("purged", Config{OnExpire: func(id bundle.ID) { expired = append(expired, id) }})
	require.NoError(t, err)

	early := testMeta(1, 150)
	late := testMeta(2, 300)
	s.Add(early)
	s.Add(late)

	assert.Equal(t, 0, s.Expire(150), "entries expire strictly after their expiry")
	assert.Equal(t, 1, s.Expire(151))
	assert.False(t, s.Has(early.ID))
	assert.True(t, s.Has(late.ID))

	// same and earlier timestamps remove nothing more
	assert.Equal(t, 0, s.Expire(151))
	assert.Equal(t, 0, s.Expire(10))
	assert.True(t, s.Has(late.ID))
	assert.Equal(t, []bundle.ID{early.ID}, expired)
}

func TestReAddExtendsExpiry(t *testing.T) {
	s := NewInMemory("known")
	s.Add(testMeta(1, 150))
	s.Add(testMeta(1, 400))

	assert.Equal(t, 0, s.Expire(200))
	assert.True(t, s.Has(testMeta(1, 0).ID))
	assert.Equal(t, 1, s.Expire(401))
}

func TestMergeIsCommutativeAndIdempotent(t *testing.T) {
	a := NewInMemory("a")
	b := NewInMemory("b")
	a.Add(testMeta(1, 200))
	a.Add(testMeta(2, 200))
	b.Add(testMeta(2, 300))
	b.Add(testMeta(3, 300))

	ab := NewInMemory("ab")
	ab.Merge(a)
	ab.Merge(b)
	ba := NewInMemory("ba")
	ba.Merge(b)
	ba.Merge(a)
	ba.Merge(a)

	assert.ElementsMatch(t, ab.Entries(), ba.Entries())
	assert.Equal(t, 3, ab.Len())

	// shared member keeps the later expiry
	ab.Expire(250)
	assert.True(t, ab.Has(testMeta(2, 0).ID))
	assert.False(t, ab.Has(testMeta(1, 0).ID))
}

func TestSummaryHasNoFalseNegatives(t *testing.T) {
	s, err := New("sv", Config{Capacity: 8})
	require.NoError(t, err)
	metas := make([]bundle.MetaBundle, 0, 100)
	for i := uint64(0); i < 100; i++ {
		m := testMeta(i, 1000)
		metas = append(metas, m)
		s.Add(m)
	}

	sum := s.Summary()
	for _, m := range metas {
		assert.True(t, sum.Has(m.ID), "summary lost %s", m.ID)
	}

	data, err := sum.Bytes()
	require.NoError(t, err)
	decoded, err := ParseSummary(data)
	require.NoError(t, err)
	for _, m := range metas {
		assert.True(t, decoded.Has(m.ID))
	}
}

func TestSummaryRebuiltAfterExpire(t *testing.T) {
	s := NewInMemory("sv")
	fpHits := 0
	for i := uint64(0); i < 50; i++ {
		s.Add(testMeta(i, 150))
	}
	s.Expire(200)
	sum := s.Summary()
	for i := uint64(0); i < 50; i++ {
		if sum.Has(testMeta(i, 0).ID) {
			fpHits++
		}
	}
	// an empty rebuilt filter answers negative for everything
	assert.Equal(t, 0, fpHits)
}

func TestSyncSkipsWhenUnchanged(t *testing.T) {
	p := &memPersister{}
	s, err := New("known", Config{Persister: p})
	require.NoError(t, err)

	require.NoError(t, s.Sync())
	assert.Equal(t, 0, p.saves, "empty unchanged set is not written")

	s.Add(testMeta(1, 500))
	assert.True(t, s.Dirty())
	require.NoError(t, s.Sync())
	require.NoError(t, s.Sync())
	assert.Equal(t, 1, p.saves)
	assert.False(t, s.Dirty())

	restored, err := New("known", Config{Persister: p})
	require.NoError(t, err)
	assert.True(t, restored.Has(testMeta(1, 0).ID))
	assert.False(t, restored.Dirty())
}

func TestNewFailsOnBrokenPersister(t *testing.T) {
	p := &memPersister{fail: errors.New("disk gone")}
	_, err := New("known", Config{Persister: p})
	require.Error(t, err)
}

func TestClear(t *testing.T) {
	s := NewInMemory("x")
	for i := uint64(0); i < 5; i++ {
		s.Add(testMeta(i, 500))
	}
	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Summary().Has(testMeta(1, 0).ID))
	assert.Equal(t, "x", s.Name())
}

func BenchmarkAdd(b *testing.B) {
	s := NewInMemory("bench")
	for i := 0; i < b.N; i++ {
		s.Add(bundle.MetaBundle{ID: bundle.ID{Source: bundle.EID(fmt.Sprintf("dtn://n%d", i%64)), Sequence: uint64(i)}, Lifetime: 3600})
	}
}

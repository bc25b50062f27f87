package storage

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/bundleset"
	"github.com/go-i2p/go-dtn/lib/metrics"
)

func testBundle(seq uint64, payload string) *bundle.Bundle {
	b := bundle.New("dtn://src/app", "dtn://dst/app", []byte(payload))
	b.Timestamp = 1000
	b.Sequence = seq
	b.Lifetime = 100
	return b
}

func implementations(t *testing.T) map[string]func() Storage {
	return map[string]func() Storage{
		"memory": func() Storage { return NewMemoryStorage(0, nil) },
		"badger": func() Storage {
			s, err := OpenBadger(BadgerOptions{InMemory: true})
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestStoreLoadRemove(t *testing.T) {
	for name, open := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			b := testBundle(1, "payload")
			require.NoError(t, s.Store(b))
			assert.True(t, s.Contains(b.ID))
			assert.Equal(t, 1, s.Count())
			assert.Equal(t, uint64(7), s.Size())

			loaded, err := s.Load(b.ID)
			require.NoError(t, err)
			assert.Equal(t, b.Payload, loaded.Payload)
			assert.Equal(t, b.Destination, loaded.Destination)

			require.NoError(t, s.Remove(b.ID))
			assert.False(t, s.Contains(b.ID))
			assert.Equal(t, uint64(0), s.Size())

			_, err = s.Load(b.ID)
			assert.ErrorIs(t, err, ErrNoBundleFound)
			assert.ErrorIs(t, s.Remove(b.ID), ErrNoBundleFound)
		})
	}
}

func TestQueryHonoursLimitAndPriority(t *testing.T) {
	for name, open := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			for i := uint64(0); i < 5; i++ {
				b := testBundle(i, "x")
				if i == 3 {
					b.Priority = bundle.PriorityExpedited
				}
				require.NoError(t, s.Store(b))
			}

			var res List
			sel := SelectorFunc{Max: 2, Fn: func(m bundle.MetaBundle) (bool, error) {
				return m.Sequence != 0, nil
			}}
			require.NoError(t, s.Get(sel, &res))
			require.Len(t, res.Items, 2)
			assert.Equal(t, uint64(3), res.Items[0].Sequence, "expedited first")
			assert.Equal(t, uint64(1), res.Items[1].Sequence)
		})
	}
}

func TestSelectorErrorAbortsQuery(t *testing.T) {
	errChanged := errors.New("state changed")
	for name, open := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			for i := uint64(0); i < 3; i++ {
				require.NoError(t, s.Store(testBundle(i, "x")))
			}
			var res List
			calls := 0
			err := s.Get(SelectorFunc{Fn: func(bundle.MetaBundle) (bool, error) {
				calls++
				if calls == 2 {
					return false, errChanged
				}
				return true, nil
			}}, &res)
			assert.ErrorIs(t, err, errChanged)
			assert.Len(t, res.Items, 1)
		})
	}
}

func TestExpire(t *testing.T) {
	for name, open := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			short := testBundle(1, "a")
			long := testBundle(2, "b")
			long.Lifetime = 500
			require.NoError(t, s.Store(short))
			require.NoError(t, s.Store(long))

			assert.Empty(t, s.Expire(1100))
			expired := s.Expire(1101)
			require.Len(t, expired, 1)
			assert.Equal(t, short.ID, expired[0].ID)
			assert.True(t, s.Contains(long.ID))
		})
	}
}

func TestStorageLimit(t *testing.T) {
	s := NewMemoryStorage(10, nil)
	require.NoError(t, s.Store(testBundle(1, "12345678")))
	assert.ErrorIs(t, s.Store(testBundle(2, "123")), ErrStorageFull)
	require.NoError(t, s.Store(testBundle(1, "1234567890")), "replacing accounts for the old size")
}

func TestMemoryStorageCopies(t *testing.T) {
	s := NewMemoryStorage(0, nil)
	b := testBundle(1, "abc")
	require.NoError(t, s.Store(b))
	b.Payload[0] = 'z'
	loaded, err := s.Load(b.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(loaded.Payload))
}

func TestBadgerReopenRestoresIndex(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New()
	s, err := OpenBadger(BadgerOptions{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.Store(testBundle(1, "persist")))
	require.NoError(t, s.SaveSet("purged", []bundleset.Entry{{ID: testBundle(9, "").ID, Expire: 42}}))
	require.NoError(t, s.Close())

	s, err = OpenBadger(BadgerOptions{Path: dir, Metrics: m})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 1, s.Count())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StoredBundles))
	loaded, err := s.Load(testBundle(1, "").ID)
	require.NoError(t, err)
	assert.Equal(t, "persist", string(loaded.Payload))

	entries, err := s.LoadSet("purged")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(42), entries[0].Expire)

	missing, err := s.LoadSet("known")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestBadgerPersistsBundleSets(t *testing.T) {
	s, err := OpenBadger(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	set, err := bundleset.New("known", bundleset.Config{Persister: s})
	require.NoError(t, err)
	set.Add(testBundle(1, "").Meta())
	require.NoError(t, set.Sync())

	restored, err := bundleset.New("known", bundleset.Config{Persister: s})
	require.NoError(t, err)
	assert.True(t, restored.Has(testBundle(1, "").ID))
}

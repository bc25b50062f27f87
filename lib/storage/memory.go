package storage

import (
	"sync"

	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/metrics"
)

// MemoryStorage keeps bundles in a map. It is safe for concurrent use.
type MemoryStorage struct {
	mu      sync.RWMutex
	bundles map[bundle.ID]*bundle.Bundle
	size    uint64
	limit   uint64
	metrics *metrics.Metrics
}

// NewMemoryStorage creates a storage holding at most limit bytes, zero for
// no limit.
func NewMemoryStorage(limit uint64, m *metrics.Metrics) *MemoryStorage {
	return &MemoryStorage{
		bundles: make(map[bundle.ID]*bundle.Bundle),
		limit:   limit,
		metrics: m,
	}
}

func (s *MemoryStorage) updateGauge() {
	if s.metrics != nil {
		s.metrics.StoredBundles.Set(float64(len(s.bundles)))
	}
}

// Store adds a copy of b. Storing an existing ID replaces it.
func (s *MemoryStorage) Store(b *bundle.Bundle) error {
	c := b.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.size
	if old, ok := s.bundles[c.ID]; ok {
		size -= old.Size()
	}
	if s.limit > 0 && size+c.Size() > s.limit {
		log.WithFields(logger.Fields{
			"at":     "(MemoryStorage) Store",
			"bundle": c.ID.String(),
			"size":   c.Size(),
			"limit":  s.limit,
		}).Debug("storage full")
		return ErrStorageFull
	}
	s.bundles[c.ID] = c
	s.size = size + c.Size()
	s.updateGauge()
	return nil
}

// Load returns a copy of the bundle.
func (s *MemoryStorage) Load(id bundle.ID) (*bundle.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bundles[id]
	if !ok {
		return nil, ErrNoBundleFound
	}
	return b.Clone(), nil
}

// Remove deletes the bundle.
func (s *MemoryStorage) Remove(id bundle.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[id]
	if !ok {
		return ErrNoBundleFound
	}
	delete(s.bundles, id)
	s.size -= b.Size()
	s.updateGauge()
	return nil
}

func (s *MemoryStorage) Contains(id bundle.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bundles[id]
	return ok
}

func (s *MemoryStorage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bundles)
}

func (s *MemoryStorage) Size() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Get runs a query over a snapshot of the stored metadata, so selectors may
// call back into the storage.
func (s *MemoryStorage) Get(sel Selector, res Result) error {
	s.mu.RLock()
	metas := make([]bundle.MetaBundle, 0, len(s.bundles))
	for _, b := range s.bundles {
		metas = append(metas, b.Meta())
	}
	s.mu.RUnlock()
	return runQuery(metas, sel, res)
}

func (s *MemoryStorage) Expire(now uint64) []bundle.MetaBundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []bundle.MetaBundle
	for id, b := range s.bundles {
		if b.IsExpired(now) {
			expired = append(expired, b.Meta())
			delete(s.bundles, id)
			s.size -= b.Size()
		}
	}
	if len(expired) > 0 {
		s.updateGauge()
	}
	sortForQuery(expired)
	return expired
}

// Clear removes every bundle.
func (s *MemoryStorage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles = make(map[bundle.ID]*bundle.Bundle)
	s.size = 0
	s.updateGauge()
}

func (s *MemoryStorage) Close() error {
	return nil
}

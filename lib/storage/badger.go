package storage

import (
	"bytes"
	"encoding/gob"
	"errors"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/bundleset"
	"github.com/go-i2p/go-dtn/lib/metrics"
)

var (
	prefixBundle = []byte("b/")
	prefixMeta   = []byte("m/")
	prefixSet    = []byte("s/")
)

// BadgerOptions configures a BadgerStorage.
type BadgerOptions struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	// Limit is the maximum number of stored bytes, zero for no limit.
	Limit   uint64
	Metrics *metrics.Metrics
}

type metaRecord struct {
	Meta bundle.MetaBundle
	Size uint64
}

// BadgerStorage persists bundles in a badger key-value store. Bundle metadata
// is also kept in memory so queries never touch the disk.
type BadgerStorage struct {
	db *badger.DB

	mu    sync.RWMutex
	index map[bundle.ID]metaRecord
	size  uint64
	limit uint64

	metrics *metrics.Metrics
}

// OpenBadger opens or creates the store and rebuilds the metadata index.
func OpenBadger(opts BadgerOptions) (*BadgerStorage, error) {
	bo := badger.DefaultOptions(opts.Path).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)
	if opts.InMemory {
		bo = bo.WithDir("").WithValueDir("")
	}
	db, err := badger.Open(bo)
	if err != nil {
		return nil, oops.In("storage").With("path", opts.Path).Wrapf(err, "open badger store")
	}
	s := &BadgerStorage{
		db:      db,
		index:   make(map[bundle.ID]metaRecord),
		limit:   opts.Limit,
		metrics: opts.Metrics,
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.WithFields(logger.Fields{
		"at":      "storage.OpenBadger",
		"path":    opts.Path,
		"bundles": len(s.index),
		"bytes":   s.size,
	}).Info("bundle storage opened")
	return s, nil
}

func withPrefix(prefix []byte, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (s *BadgerStorage) loadIndex() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefixMeta); it.ValidForPrefix(prefixMeta); it.Next() {
			var rec metaRecord
			err := it.Item().Value(func(v []byte) error {
				return decode(v, &rec)
			})
			if err != nil {
				return oops.In("storage").Wrapf(err, "decode metadata record")
			}
			s.index[rec.Meta.ID] = rec
			s.size += rec.Size
		}
		s.updateGauge()
		return nil
	})
}

func (s *BadgerStorage) updateGauge() {
	if s.metrics != nil {
		s.metrics.StoredBundles.Set(float64(len(s.index)))
	}
}

// Store writes b. Storing an existing ID replaces it.
func (s *BadgerStorage) Store(b *bundle.Bundle) error {
	rec := metaRecord{Meta: b.Meta(), Size: b.Size()}
	data, err := encode(b)
	if err != nil {
		return oops.In("storage").With("bundle", b.ID.String()).Wrapf(err, "encode bundle")
	}
	meta, err := encode(rec)
	if err != nil {
		return oops.In("storage").With("bundle", b.ID.String()).Wrapf(err, "encode metadata")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	size := s.size
	if old, ok := s.index[b.ID]; ok {
		size -= old.Size
	}
	if s.limit > 0 && size+rec.Size > s.limit {
		return ErrStorageFull
	}

	key := b.ID.Bytes()
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(withPrefix(prefixBundle, key), data); err != nil {
			return err
		}
		return txn.Set(withPrefix(prefixMeta, key), meta)
	})
	if err != nil {
		return oops.In("storage").With("bundle", b.ID.String()).Wrapf(err, "write bundle")
	}
	s.index[b.ID] = rec
	s.size = size + rec.Size
	s.updateGauge()
	return nil
}

// Load reads the bundle from disk.
func (s *BadgerStorage) Load(id bundle.ID) (*bundle.Bundle, error) {
	if !s.Contains(id) {
		return nil, ErrNoBundleFound
	}
	var b bundle.Bundle
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(withPrefix(prefixBundle, id.Bytes()))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return decode(v, &b)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNoBundleFound
	}
	if err != nil {
		return nil, oops.In("storage").With("bundle", id.String()).Wrapf(err, "read bundle")
	}
	return &b, nil
}

// Remove deletes the bundle.
func (s *BadgerStorage) Remove(id bundle.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.index[id]
	if !ok {
		return ErrNoBundleFound
	}
	if err := s.deleteKeys(id); err != nil {
		return err
	}
	delete(s.index, id)
	s.size -= rec.Size
	s.updateGauge()
	return nil
}

func (s *BadgerStorage) deleteKeys(id bundle.ID) error {
	key := id.Bytes()
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(withPrefix(prefixBundle, key)); err != nil {
			return err
		}
		return txn.Delete(withPrefix(prefixMeta, key))
	})
	if err != nil {
		return oops.In("storage").With("bundle", id.String()).Wrapf(err, "delete bundle")
	}
	return nil
}

func (s *BadgerStorage) Contains(id bundle.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

func (s *BadgerStorage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

func (s *BadgerStorage) Size() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Get runs a query over the in-memory metadata index.
func (s *BadgerStorage) Get(sel Selector, res Result) error {
	s.mu.RLock()
	metas := make([]bundle.MetaBundle, 0, len(s.index))
	for _, rec := range s.index {
		metas = append(metas, rec.Meta)
	}
	s.mu.RUnlock()
	return runQuery(metas, sel, res)
}

func (s *BadgerStorage) Expire(now uint64) []bundle.MetaBundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []bundle.MetaBundle
	for id, rec := range s.index {
		if !rec.Meta.IsExpired(now) {
			continue
		}
		if err := s.deleteKeys(id); err != nil {
			log.WithError(err).WithField("at", "(BadgerStorage) Expire").Warn("failed to delete expired bundle")
			continue
		}
		delete(s.index, id)
		s.size -= rec.Size
		expired = append(expired, rec.Meta)
	}
	if len(expired) > 0 {
		s.updateGauge()
	}
	sortForQuery(expired)
	return expired
}

// LoadSet implements bundleset.Persister.
func (s *BadgerStorage) LoadSet(name string) ([]bundleset.Entry, error) {
	var entries []bundleset.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(withPrefix(prefixSet, []byte(name)))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return decode(v, &entries)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.In("storage").With("set", name).Wrapf(err, "load bundle set")
	}
	return entries, nil
}

// SaveSet implements bundleset.Persister.
func (s *BadgerStorage) SaveSet(name string, entries []bundleset.Entry) error {
	data, err := encode(entries)
	if err != nil {
		return oops.In("storage").With("set", name).Wrapf(err, "encode bundle set")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(withPrefix(prefixSet, []byte(name)), data)
	})
	if err != nil {
		return oops.In("storage").With("set", name).Wrapf(err, "save bundle set")
	}
	return nil
}

// RunGC reclaims value log space. It is a no-op for in-memory stores.
func (s *BadgerStorage) RunGC() {
	for {
		if err := s.db.RunValueLogGC(0.5); err != nil {
			return
		}
	}
}

func (s *BadgerStorage) Close() error {
	if err := s.db.Close(); err != nil {
		return oops.In("storage").Wrapf(err, "close badger store")
	}
	return nil
}

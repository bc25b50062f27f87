package bundleset

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-dtn/lib/bundle"
)

var log = logger.GetGoI2PLogger()

const (
	// DefaultCapacity is the expected number of entries the summary filter is
	// sized for before it is rebuilt larger.
	DefaultCapacity uint = 1024
	// DefaultFalsePositiveRate is the targeted summary filter false positive rate.
	DefaultFalsePositiveRate = 0.01
)

// Entry is one member of a Set with its expiry in DTN seconds.
type Entry struct {
	ID     bundle.ID
	Expire uint64
}

// Persister stores named sets. Implemented by the persistent bundle storage.
type Persister interface {
	LoadSet(name string) ([]Entry, error)
	SaveSet(name string, entries []Entry) error
}

// ExpireListener is called for every entry removed by Expire.
type ExpireListener func(id bundle.ID)

// Config tunes a Set.
type Config struct {
	Capacity          uint
	FalsePositiveRate float64
	Persister         Persister
	OnExpire          ExpireListener
}

// Set is a named, expiring, mergeable set of bundle IDs. Membership tests are
// answered from the exact entry table; the derived bloom filter returned by
// Summary is what peers see and may produce false positives.
type Set struct {
	mu      sync.RWMutex
	name    string
	entries map[bundle.ID]uint64
	expiry  *priorityqueue.Queue

	filter      *bloom.BloomFilter
	filterStale bool
	capacity    uint
	fpRate      float64

	version uint64
	synced  uint64

	persister Persister
	onExpire  ExpireListener
}

func byExpire(a, b interface{}) int {
	ea, eb := a.(Entry), b.(Entry)
	switch {
	case ea.Expire < eb.Expire:
		return -1
	case ea.Expire > eb.Expire:
		return 1
	default:
		return 0
	}
}

// New creates a set. When cfg carries a Persister the previously synced
// entries of the set with the same name are loaded; failing to load is the
// only error New returns.
func New(name string, cfg Config) (*Set, error) {
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = DefaultFalsePositiveRate
	}
	s := &Set{
		name:      name,
		entries:   make(map[bundle.ID]uint64),
		expiry:    priorityqueue.NewWith(byExpire),
		capacity:  cfg.Capacity,
		fpRate:    cfg.FalsePositiveRate,
		persister: cfg.Persister,
		onExpire:  cfg.OnExpire,
	}
	s.filter = bloom.NewWithEstimates(s.capacity, s.fpRate)

	if s.persister != nil {
		entries, err := s.persister.LoadSet(name)
		if err != nil {
			return nil, oops.In("bundleset").With("set", name).Wrapf(err, "load persisted set")
		}
		for _, e := range entries {
			s.insertLocked(e.ID, e.Expire)
		}
		s.synced = s.version
		log.WithFields(logger.Fields{
			"at":      "bundleset.New",
			"set":     name,
			"entries": len(entries),
		}).Debug("restored bundle set")
	}
	return s, nil
}

// NewInMemory creates an unpersisted set with default sizing.
func NewInMemory(name string) *Set {
	s, _ := New(name, Config{})
	return s
}

// Name returns the set name.
func (s *Set) Name() string {
	return s.name
}

// Add inserts the bundle; re-adding keeps the later expiry.
func (s *Set) Add(meta bundle.MetaBundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(meta.ID, meta.Expiretime())
}

// AddIfAbsent inserts the bundle and reports whether it was not yet a member.
// Check and insert happen under one lock so exactly one concurrent caller
// observes true for a given ID.
func (s *Set) AddIfAbsent(meta bundle.MetaBundle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[meta.ID]; ok {
		return false
	}
	s.insertLocked(meta.ID, meta.Expiretime())
	return true
}

func (s *Set) insertLocked(id bundle.ID, expire uint64) {
	current, exists := s.entries[id]
	if exists && current >= expire {
		return
	}
	s.entries[id] = expire
	s.expiry.Enqueue(Entry{ID: id, Expire: expire})
	s.version++

	if exists {
		return
	}
	if uint(len(s.entries)) > s.capacity {
		s.capacity *= 2
		s.filterStale = true
	}
	if !s.filterStale {
		s.filter.Add(id.Bytes())
	}
}

// Has reports whether id is a member.
func (s *Set) Has(id bundle.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

// Len returns the number of members.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Expire drops every entry whose expiry lies before now. Calling it again
// with the same or an earlier timestamp removes nothing.
func (s *Set) Expire(now uint64) int {
	var expired []bundle.ID

	s.mu.Lock()
	for !s.expiry.Empty() {
		head, _ := s.expiry.Peek()
		e := head.(Entry)
		if e.Expire >= now {
			break
		}
		s.expiry.Dequeue()
		if current, ok := s.entries[e.ID]; !ok || current != e.Expire {
			// superseded by a later expiry
			continue
		}
		delete(s.entries, e.ID)
		expired = append(expired, e.ID)
	}
	if len(expired) > 0 {
		s.version++
		s.filterStale = true
	}
	if s.expiry.Size() > 2*len(s.entries)+64 {
		s.compactLocked()
	}
	listener := s.onExpire
	s.mu.Unlock()

	if listener != nil {
		for _, id := range expired {
			listener(id)
		}
	}
	return len(expired)
}

func (s *Set) compactLocked() {
	s.expiry.Clear()
	for id, expire := range s.entries {
		s.expiry.Enqueue(Entry{ID: id, Expire: expire})
	}
}

// Merge adds all members of other. Merging is commutative and idempotent;
// for shared members the later expiry wins.
func (s *Set) Merge(other *Set) {
	if other == nil || other == s {
		return
	}
	entries := other.Entries()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.insertLocked(e.ID, e.Expire)
	}
}

// Entries returns a snapshot of all members.
func (s *Set) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entriesLocked()
}

func (s *Set) entriesLocked() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for id, expire := range s.entries {
		out = append(out, Entry{ID: id, Expire: expire})
	}
	return out
}

// Clear removes every member.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return
	}
	s.entries = make(map[bundle.ID]uint64)
	s.expiry.Clear()
	s.filter.ClearAll()
	s.filterStale = false
	s.version++
}

// Summary returns a copy of the bloom filter describing the members.
func (s *Set) Summary() *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filterStale {
		s.rebuildFilterLocked()
	}
	return &Summary{filter: s.filter.Copy()}
}

func (s *Set) rebuildFilterLocked() {
	for uint(len(s.entries)) > s.capacity {
		s.capacity *= 2
	}
	s.filter = bloom.NewWithEstimates(s.capacity, s.fpRate)
	for id := range s.entries {
		s.filter.Add(id.Bytes())
	}
	s.filterStale = false
	log.WithFields(logger.Fields{
		"at":       "(Set) rebuildFilter",
		"set":      s.name,
		"entries":  len(s.entries),
		"capacity": s.capacity,
	}).Debug("rebuilt summary filter")
}

// Sync writes the set to its persister. It does nothing when the set has not
// changed since the last successful sync.
func (s *Set) Sync() error {
	s.mu.RLock()
	if s.version == s.synced {
		s.mu.RUnlock()
		return nil
	}
	version := s.version
	snapshot := s.entriesLocked()
	persister := s.persister
	s.mu.RUnlock()

	if persister != nil {
		if err := persister.SaveSet(s.name, snapshot); err != nil {
			return oops.In("bundleset").With("set", s.name).Wrapf(err, "sync bundle set")
		}
	}

	s.mu.Lock()
	if version > s.synced {
		s.synced = version
	}
	s.mu.Unlock()
	return nil
}

// Dirty reports whether the set changed since the last sync.
func (s *Set) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version != s.synced
}

package netdb

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/bundleset"
	"github.com/go-i2p/go-dtn/lib/metrics"
)

var (
	ErrNeighborNotAvailable     = errors.New("neighbor not available")
	ErrNoMoreTransfersAvailable = errors.New("no more transfers available")
	ErrAlreadyInTransit         = errors.New("bundle already in transit")
	ErrBloomfilterNotAvailable  = errors.New("bloom filter not available")
	ErrFilterRequestPending     = errors.New("filter request already pending")
	ErrDatasetNotAvailable      = errors.New("dataset not available")
)

// DefaultMaxInTransit is the slot limit used when none is configured.
const DefaultMaxInTransit = 5

// Config tunes the database.
type Config struct {
	MaxInTransit      int
	SummaryCapacity   uint
	FalsePositiveRate float64
	// Now returns the current DTN time. Defaults to the wall clock.
	Now func() uint64
	// Clock stamps transfer statistics. Defaults to the wall clock.
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// Database holds the neighbor entries.
type Database struct {
	mu      sync.Mutex
	entries map[bundle.EID]*Entry
	cfg     Config
	tracker *PeerTracker
}

// New creates an empty database.
func New(cfg Config) *Database {
	if cfg.MaxInTransit <= 0 {
		cfg.MaxInTransit = DefaultMaxInTransit
	}
	if cfg.Now == nil {
		cfg.Now = func() uint64 { return bundle.DTNTime(time.Now()) }
	}
	log.WithFields(logger.Fields{
		"at":             "netdb.New",
		"max_in_transit": cfg.MaxInTransit,
	}).Debug("creating neighbor database")
	return &Database{
		entries: make(map[bundle.EID]*Entry),
		cfg:     cfg,
		tracker: NewPeerTracker(cfg.Clock),
	}
}

func (db *Database) now() uint64 {
	return db.cfg.Now()
}

func (db *Database) inTransitChanged(delta int) {
	if db.cfg.Metrics != nil {
		db.cfg.Metrics.InTransit.Add(float64(delta))
	}
}

// Tracker returns the transfer statistics of all neighbors.
func (db *Database) Tracker() *PeerTracker {
	return db.tracker
}

// Tx is the handle passed to Do. It is only valid inside the callback.
type Tx struct {
	db *Database
}

// Do runs fn while holding the database lock.
func (db *Database) Do(fn func(tx *Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	tx := &Tx{db: db}
	defer func() { tx.db = nil }()
	return fn(tx)
}

// Create returns the entry for eid, creating it if needed.
func (tx *Tx) Create(eid bundle.EID) *Entry {
	eid = eid.Node()
	if e, ok := tx.db.entries[eid]; ok {
		return e
	}
	e := newEntry(tx.db, eid)
	tx.db.entries[eid] = e
	log.WithFields(logger.Fields{
		"at":       "(Tx) Create",
		"neighbor": eid.String(),
	}).Debug("neighbor entry created")
	return e
}

// Get returns the entry for eid.
func (tx *Tx) Get(eid bundle.EID) (*Entry, error) {
	e, ok := tx.db.entries[eid.Node()]
	if !ok {
		return nil, ErrNeighborNotAvailable
	}
	return e, nil
}

// Reset invalidates the filter and summary of eid without removing it.
func (tx *Tx) Reset(eid bundle.EID) {
	e, ok := tx.db.entries[eid.Node()]
	if !ok {
		return
	}
	e.reset()
	log.WithFields(logger.Fields{
		"at":       "(Tx) Reset",
		"neighbor": e.eid.String(),
	}).Debug("neighbor entry reset")
}

// Remove deletes the entry of eid.
func (tx *Tx) Remove(eid bundle.EID) {
	eid = eid.Node()
	e, ok := tx.db.entries[eid]
	if !ok {
		return
	}
	tx.db.inTransitChanged(-len(e.inTransit))
	delete(tx.db.entries, eid)
}

// Neighbors returns the EIDs of all entries in sorted order.
func (tx *Tx) Neighbors() []bundle.EID {
	out := make([]bundle.EID, 0, len(tx.db.entries))
	for eid := range tx.db.entries {
		out = append(out, eid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Create is the locked form of Tx.Create.
func (db *Database) Create(eid bundle.EID) {
	_ = db.Do(func(tx *Tx) error {
		tx.Create(eid)
		return nil
	})
}

// Reset is the locked form of Tx.Reset.
func (db *Database) Reset(eid bundle.EID) {
	_ = db.Do(func(tx *Tx) error {
		tx.Reset(eid)
		return nil
	})
}

// Remove is the locked form of Tx.Remove.
func (db *Database) Remove(eid bundle.EID) {
	_ = db.Do(func(tx *Tx) error {
		tx.Remove(eid)
		return nil
	})
}

// Neighbors is the locked form of Tx.Neighbors.
func (db *Database) Neighbors() []bundle.EID {
	var out []bundle.EID
	_ = db.Do(func(tx *Tx) error {
		out = tx.Neighbors()
		return nil
	})
	return out
}

// Acquire reserves a transfer slot for id at eid.
func (db *Database) Acquire(eid bundle.EID, id bundle.ID) error {
	return db.Do(func(tx *Tx) error {
		e, err := tx.Get(eid)
		if err != nil {
			return err
		}
		return e.AcquireTransfer(id)
	})
}

// Release frees the slot for id at eid. Unknown neighbors are ignored.
func (db *Database) Release(eid bundle.EID, id bundle.ID) {
	_ = db.Do(func(tx *Tx) error {
		if e, err := tx.Get(eid); err == nil {
			e.ReleaseTransfer(id)
		}
		return nil
	})
}

// AddToSummary records that eid holds the bundle.
func (db *Database) AddToSummary(eid bundle.EID, meta bundle.MetaBundle) {
	_ = db.Do(func(tx *Tx) error {
		tx.Create(eid).Add(meta)
		return nil
	})
}

// Update installs a received filter for eid.
func (db *Database) Update(eid bundle.EID, filter *bundleset.Summary, lifetime uint64) {
	_ = db.Do(func(tx *Tx) error {
		tx.Create(eid).Update(filter, lifetime)
		return nil
	})
}

// SetMaxInTransit changes the slot limit of all current and future entries.
// Slots already held above a lowered limit are kept until released.
func (db *Database) SetMaxInTransit(n int) {
	if n <= 0 {
		n = DefaultMaxInTransit
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.cfg.MaxInTransit = n
	for _, e := range db.entries {
		e.maxInTransit = n
	}
}

// Expire sweeps every entry and returns the neighbors whose filter expired
// in this sweep.
func (db *Database) Expire(now uint64) []bundle.EID {
	db.mu.Lock()
	defer db.mu.Unlock()
	var expired []bundle.EID
	for eid, e := range db.entries {
		if e.expire(now) {
			expired = append(expired, eid)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired
}

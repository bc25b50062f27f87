package netdb

import (
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/bundleset"
)

// FilterCooldown is how long, in seconds, a reset filter is left alone
// before it can expire again.
const FilterCooldown = 60

// FilterState tracks the freshness of a neighbor's bloom filter.
type FilterState int

const (
	FilterUnknown FilterState = iota
	FilterAwaiting
	FilterAvailable
	FilterExpired
)

func (s FilterState) String() string {
	switch s {
	case FilterAwaiting:
		return "awaiting"
	case FilterAvailable:
		return "available"
	case FilterExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Entry is the state kept for one neighbor.
type Entry struct {
	eid bundle.EID
	db  *Database

	summary *bundleset.Set

	filter       *bundleset.Summary
	filterState  FilterState
	filterExpire uint64

	inTransit    map[bundle.ID]struct{}
	maxInTransit int

	datasets map[string]any
}

func newEntry(db *Database, eid bundle.EID) *Entry {
	summary, _ := bundleset.New("summary:"+eid.String(), bundleset.Config{
		Capacity:          db.cfg.SummaryCapacity,
		FalsePositiveRate: db.cfg.FalsePositiveRate,
	})
	return &Entry{
		eid:          eid,
		db:           db,
		summary:      summary,
		inTransit:    make(map[bundle.ID]struct{}),
		maxInTransit: db.cfg.MaxInTransit,
		datasets:     make(map[string]any),
	}
}

// EID returns the neighbor endpoint.
func (e *Entry) EID() bundle.EID {
	return e.eid
}

// AcquireTransfer reserves a transfer slot for id.
func (e *Entry) AcquireTransfer(id bundle.ID) error {
	if _, ok := e.inTransit[id]; ok {
		return ErrAlreadyInTransit
	}
	if len(e.inTransit) >= e.maxInTransit {
		return ErrNoMoreTransfersAvailable
	}
	e.inTransit[id] = struct{}{}
	e.db.inTransitChanged(1)
	return nil
}

// ReleaseTransfer frees the slot held for id, if any.
func (e *Entry) ReleaseTransfer(id bundle.ID) {
	if _, ok := e.inTransit[id]; !ok {
		return
	}
	delete(e.inTransit, id)
	e.db.inTransitChanged(-1)
}

// InTransit reports whether a slot is held for id.
func (e *Entry) InTransit(id bundle.ID) bool {
	_, ok := e.inTransit[id]
	return ok
}

// IsTransferThresholdReached reports whether all slots are taken.
func (e *Entry) IsTransferThresholdReached() bool {
	return len(e.inTransit) >= e.maxInTransit
}

// FreeTransferSlots returns the number of slots still available.
func (e *Entry) FreeTransferSlots() int {
	free := e.maxInTransit - len(e.inTransit)
	if free < 0 {
		return 0
	}
	return free
}

// Has reports whether the neighbor is believed to hold id. With
// requireFilter set a missing or stale filter is an error, so the caller can
// ask for a fresh handshake instead of guessing.
func (e *Entry) Has(id bundle.ID, requireFilter bool) (bool, error) {
	if e.filterState == FilterAvailable && e.filter.Has(id) {
		return true, nil
	}
	if requireFilter && e.filterState != FilterAvailable {
		return false, ErrBloomfilterNotAvailable
	}
	return e.summary.Has(id), nil
}

// Add records that the neighbor holds the bundle.
func (e *Entry) Add(meta bundle.MetaBundle) {
	e.summary.Add(meta)
}

// Summary returns the summary vector of the neighbor.
func (e *Entry) Summary() *bundleset.Set {
	return e.summary
}

// Update replaces the neighbor's bloom filter. A zero lifetime keeps the
// filter until the next reset.
func (e *Entry) Update(filter *bundleset.Summary, lifetime uint64) {
	e.filter = filter
	e.filterState = FilterAvailable
	if lifetime == 0 {
		e.filterExpire = 0
	} else {
		e.filterExpire = e.db.now() + lifetime
	}
	log.WithFields(logger.Fields{
		"at":       "(Entry) Update",
		"neighbor": e.eid.String(),
		"lifetime": lifetime,
	}).Debug("bloom filter updated")
}

// FilterState returns the current filter freshness.
func (e *Entry) FilterState() FilterState {
	return e.filterState
}

// AcquireFilterRequest marks a handshake as pending. It fails while an
// earlier request is still unanswered.
func (e *Entry) AcquireFilterRequest() error {
	if e.filterState == FilterAwaiting {
		return ErrFilterRequestPending
	}
	e.filterState = FilterAwaiting
	return nil
}

func (e *Entry) reset() {
	e.filterState = FilterExpired
	e.filter = nil
	e.filterExpire = e.db.now() + FilterCooldown
	e.summary.Clear()
}

// expire reports whether the filter expired during this call. The transition
// happens at most once per deadline.
func (e *Entry) expire(now uint64) bool {
	transitioned := false
	if e.filterExpire > 0 && e.filterExpire < now {
		log.WithFields(logger.Fields{
			"at":       "(Entry) expire",
			"neighbor": e.eid.String(),
		}).Debug("bloom filter expired")
		e.filterState = FilterExpired
		e.filterExpire = 0
		transitioned = true
	}
	e.summary.Expire(now)
	return transitioned
}

// PutDataset stores extension specific state under name.
func (e *Entry) PutDataset(name string, v any) {
	e.datasets[name] = v
}

// RemoveDataset drops the state stored under name.
func (e *Entry) RemoveDataset(name string) {
	delete(e.datasets, name)
}

// Dataset returns the state stored under name typed as T.
func Dataset[T any](e *Entry, name string) (T, error) {
	var zero T
	v, ok := e.datasets[name]
	if !ok {
		return zero, ErrDatasetNotAvailable
	}
	typed, ok := v.(T)
	if !ok {
		return zero, oops.In("netdb").With("dataset", name).Errorf("dataset has type %T", v)
	}
	return typed, nil
}

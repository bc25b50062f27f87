// Package storage defines the bundle storage contracts used by the routing
// core and provides an in-memory and a badger backed implementation.
package storage

import (
	"errors"
	"sort"

	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-dtn/lib/bundle"
)

var log = logger.GetGoI2PLogger()

var (
	ErrNoBundleFound = errors.New("no bundle found")
	ErrStorageFull   = errors.New("storage limit reached")
	ErrClosed        = errors.New("storage closed")
)

// Selector decides which bundles a query returns. Returning an error from
// ShouldAdd aborts the query; Get passes that error through.
type Selector interface {
	// Limit is the maximum number of results, zero for no limit.
	Limit() int
	ShouldAdd(meta bundle.MetaBundle) (bool, error)
}

// Result collects the bundles selected by a query.
type Result interface {
	Put(meta bundle.MetaBundle)
}

// Seeker answers filtered queries over stored bundles.
type Seeker interface {
	Get(sel Selector, res Result) error
}

// Storage holds bundles.
type Storage interface {
	Seeker
	Store(b *bundle.Bundle) error
	Load(id bundle.ID) (*bundle.Bundle, error)
	Remove(id bundle.ID) error
	Contains(id bundle.ID) bool
	Count() int
	// Size is the number of stored payload and block bytes.
	Size() uint64
	// Expire removes bundles whose lifetime ended before now and returns them.
	Expire(now uint64) []bundle.MetaBundle
	Close() error
}

// SelectorFunc is a Selector built from a function.
type SelectorFunc struct {
	Max int
	Fn  func(meta bundle.MetaBundle) (bool, error)
}

func (s SelectorFunc) Limit() int { return s.Max }

func (s SelectorFunc) ShouldAdd(meta bundle.MetaBundle) (bool, error) {
	return s.Fn(meta)
}

// List is a Result keeping the selected bundles in query order.
type List struct {
	Items []bundle.MetaBundle
}

func (l *List) Put(meta bundle.MetaBundle) {
	l.Items = append(l.Items, meta)
}

// sortForQuery orders bundles by descending priority, then by ID.
func sortForQuery(metas []bundle.MetaBundle) {
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Priority != metas[j].Priority {
			return metas[i].Priority > metas[j].Priority
		}
		return metas[i].ID.Less(metas[j].ID)
	})
}

// runQuery applies sel to metas in query order.
func runQuery(metas []bundle.MetaBundle, sel Selector, res Result) error {
	sortForQuery(metas)
	limit := sel.Limit()
	found := 0
	for _, m := range metas {
		if limit > 0 && found >= limit {
			break
		}
		ok, err := sel.ShouldAdd(m)
		if err != nil {
			return err
		}
		if ok {
			res.Put(m)
			found++
		}
	}
	return nil
}

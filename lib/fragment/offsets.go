package fragment

import (
	cache "github.com/patrickmn/go-cache"

	"github.com/go-i2p/go-dtn/lib/bundle"
)

// transmission is the payload progress of one bundle towards one peer.
type transmission struct {
	offset  uint64
	expires uint64
}

// offsets remembers how far outbound transfers got. Entries carry the DTN
// expiry of their bundle and are only removed by expire; the cache janitor is
// disabled.
type offsets struct {
	c *cache.Cache
}

func newOffsets() *offsets {
	return &offsets{c: cache.New(cache.NoExpiration, 0)}
}

func offsetKey(peer bundle.EID, id bundle.ID) string {
	return peer.Node().String() + " " + id.String()
}

func (o *offsets) set(peer bundle.EID, meta bundle.MetaBundle, offset uint64) {
	o.c.Set(offsetKey(peer, meta.ID), transmission{offset: offset, expires: meta.Expiretime()}, cache.NoExpiration)
}

func (o *offsets) get(peer bundle.EID, id bundle.ID) uint64 {
	v, ok := o.c.Get(offsetKey(peer, id))
	if !ok {
		return 0
	}
	return v.(transmission).offset
}

func (o *offsets) remove(peer bundle.EID, id bundle.ID) {
	o.c.Delete(offsetKey(peer, id))
}

// expire drops entries whose bundle expired before now and returns how many
// were removed.
func (o *offsets) expire(now uint64) int {
	removed := 0
	for key, item := range o.c.Items() {
		if t, ok := item.Object.(transmission); ok && t.expires < now {
			o.c.Delete(key)
			removed++
		}
	}
	return removed
}

func (o *offsets) len() int {
	return o.c.ItemCount()
}

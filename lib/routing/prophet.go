package routing

import (
	"encoding/binary"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/event"
	"github.com/go-i2p/go-dtn/lib/netdb"
)

const prophetDataset = "prophet"

// AgingPolicy returns the factor predictabilities are multiplied with after
// elapsed time without contact.
type AgingPolicy interface {
	Factor(elapsed time.Duration) float64
}

// ExponentialAging ages by Gamma per TimeUnit.
type ExponentialAging struct {
	Gamma    float64
	TimeUnit time.Duration
}

func (a ExponentialAging) Factor(elapsed time.Duration) float64 {
	if a.TimeUnit <= 0 || elapsed <= 0 {
		return 1
	}
	return math.Pow(a.Gamma, elapsed.Seconds()/a.TimeUnit.Seconds())
}

// ForwardingStrategy decides whether a neighbor is a better carrier.
type ForwardingStrategy interface {
	Name() string
	// Forward compares the delivery predictability of this node and of the
	// neighbor for a destination. forwards counts earlier copies.
	Forward(local, neighbor float64, forwards int) bool
}

// GRTR forwards when the neighbor is more likely to meet the destination.
type GRTR struct{}

func (GRTR) Name() string { return "grtr" }

func (GRTR) Forward(local, neighbor float64, _ int) bool {
	return neighbor > local
}

// GTMX is GRTR with a bounded number of copies per bundle.
type GTMX struct {
	MaxForwards int
}

func (GTMX) Name() string { return "gtmx" }

func (g GTMX) Forward(local, neighbor float64, forwards int) bool {
	return neighbor > local && forwards < g.MaxForwards
}

func newForwardingStrategy(cfg ProphetConfig) (ForwardingStrategy, error) {
	switch strings.ToLower(cfg.Forwarding) {
	case "", "grtr":
		return GRTR{}, nil
	case "gtmx":
		if cfg.GTMXMaxForwards <= 0 {
			return nil, oops.In("routing").With("max_forwards", cfg.GTMXMaxForwards).Errorf("gtmx needs a positive forward limit")
		}
		return GTMX{MaxForwards: cfg.GTMXMaxForwards}, nil
	default:
		return nil, oops.In("routing").Errorf("unknown prophet forwarding strategy %q", cfg.Forwarding)
	}
}

// PredictabilityMap holds delivery predictabilities per node.
type PredictabilityMap map[bundle.EID]float64

// MarshalBinary encodes the map as a uvarint count followed by
// length-prefixed EIDs and IEEE 754 values, in EID order.
func (m PredictabilityMap) MarshalBinary() ([]byte, error) {
	keys := make([]bundle.EID, 0, len(m))
	for eid := range m {
		keys = append(keys, eid)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	buf := binary.AppendUvarint(nil, uint64(len(keys)))
	for _, eid := range keys {
		buf = binary.AppendUvarint(buf, uint64(len(eid)))
		buf = append(buf, eid...)
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(m[eid]))
	}
	return buf, nil
}

// ParsePredictabilityMap decodes a map produced by MarshalBinary.
func ParsePredictabilityMap(data []byte) (PredictabilityMap, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, oops.In("routing").Wrapf(ErrInvalidHandshake, "bad predictability count")
	}
	data = data[n:]
	// every entry takes at least a length byte and the value
	if count > uint64(len(data))/9 {
		return nil, oops.In("routing").With("count", count).Wrapf(ErrInvalidHandshake, "predictability count exceeds data")
	}
	m := make(PredictabilityMap, count)
	for i := uint64(0); i < count; i++ {
		length, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, oops.In("routing").With("entry", i).Wrapf(ErrInvalidHandshake, "truncated predictability")
		}
		data = data[n:]
		if length > uint64(len(data)) || uint64(len(data))-length < 8 {
			return nil, oops.In("routing").With("entry", i).Wrapf(ErrInvalidHandshake, "truncated predictability")
		}
		eid := bundle.EID(data[:length])
		v := math.Float64frombits(binary.BigEndian.Uint64(data[length : length+8]))
		if math.IsNaN(v) || v < 0 || v > 1 {
			return nil, oops.In("routing").With("entry", i).Wrapf(ErrInvalidHandshake, "predictability out of range")
		}
		m[eid] = v
		data = data[length+8:]
	}
	return m, nil
}

type forwardCount struct {
	count  int
	expire uint64
}

// ProphetExtension routes by delivery predictability (PRoPHETv2). The
// neighbor's predictabilities arrive as a handshake item.
type ProphetExtension struct {
	searchExtension
	cfg      ProphetConfig
	aging    AgingPolicy
	strategy ForwardingStrategy

	mu         sync.Mutex
	preds      PredictabilityMap
	encounters map[bundle.EID]time.Time
	lastAge    time.Time
	forwards   map[bundle.ID]forwardCount
}

// NewProphetExtension creates the prophet extension. A nil aging policy ages
// exponentially by cfg.Gamma per cfg.TimeUnit.
func NewProphetExtension(cfg ProphetConfig, aging AgingPolicy) (*ProphetExtension, error) {
	strategy, err := newForwardingStrategy(cfg)
	if err != nil {
		return nil, err
	}
	if aging == nil {
		aging = ExponentialAging{Gamma: cfg.Gamma, TimeUnit: cfg.TimeUnit}
	}
	p := &ProphetExtension{
		cfg:        cfg,
		aging:      aging,
		strategy:   strategy,
		preds:      make(PredictabilityMap),
		encounters: make(map[bundle.EID]time.Time),
		forwards:   make(map[bundle.ID]forwardCount),
	}
	p.name = "prophet"
	p.options = func(bundle.EID) searchOptions {
		return searchOptions{requireFilter: true, accept: p.accept}
	}
	p.onCompleted = p.forwarded
	p.onError = func(peer bundle.EID, err error) {
		if errors.Is(err, netdb.ErrBloomfilterNotAvailable) || errors.Is(err, netdb.ErrDatasetNotAvailable) {
			p.router.RequestHandshake(peer)
		}
	}
	return p, nil
}

func (p *ProphetExtension) Handles(k event.Kind) bool {
	return k == event.KindTime || p.searchExtension.Handles(k)
}

func (p *ProphetExtension) Notify(e event.Event) {
	if ev, ok := e.(event.TimeEvent); ok {
		p.push(ageTask{now: ev.Time})
		return
	}
	p.searchExtension.Notify(e)
}

func (p *ProphetExtension) Start(r *Router) {
	p.start(r, p.process)
}

func (p *ProphetExtension) process(t task) error {
	if a, ok := t.(ageTask); ok {
		now := a.now
		if now.IsZero() {
			now = p.router.Clock().Now()
		}
		p.mu.Lock()
		p.ageLocked(now)
		p.pruneForwardsLocked(bundle.DTNTime(now))
		p.mu.Unlock()
		return nil
	}
	return p.searchExtension.process(t)
}

// Strategy returns the forwarding strategy in use.
func (p *ProphetExtension) Strategy() ForwardingStrategy { return p.strategy }

// Predictability returns the delivery predictability for eid.
func (p *ProphetExtension) Predictability(eid bundle.EID) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.preds[eid.Node()]
}

// Predictabilities returns a copy of the predictability map.
func (p *ProphetExtension) Predictabilities() PredictabilityMap {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(PredictabilityMap, len(p.preds))
	for k, v := range p.preds {
		out[k] = v
	}
	return out
}

func (p *ProphetExtension) HandshakeItemID() ItemID { return ItemProphet }

// HandshakeItem returns the aged predictability map.
func (p *ProphetExtension) HandshakeItem(bundle.EID) ([]byte, error) {
	p.mu.Lock()
	p.ageLocked(p.router.Clock().Now())
	preds := make(PredictabilityMap, len(p.preds))
	for k, v := range p.preds {
		preds[k] = v
	}
	p.mu.Unlock()
	return preds.MarshalBinary()
}

// ApplyHandshakeItem counts the contact with peer, applies transitivity and
// keeps the peer's map for forwarding decisions.
func (p *ProphetExtension) ApplyHandshakeItem(peer bundle.EID, data []byte) error {
	theirs, err := ParsePredictabilityMap(data)
	if err != nil {
		return err
	}
	peer = peer.Node()
	now := p.router.Clock().Now()

	p.mu.Lock()
	p.ageLocked(now)
	p.encounterLocked(peer, now)
	p.transitiveLocked(peer, theirs)
	p.mu.Unlock()

	_ = p.router.db.Do(func(tx *netdb.Tx) error {
		tx.Create(peer).PutDataset(prophetDataset, theirs)
		return nil
	})
	log.WithFields(logger.Fields{
		"at":             "(ProphetExtension) ApplyHandshakeItem",
		"peer":           peer.String(),
		"entries":        len(theirs),
		"predictability": p.Predictability(peer),
	}).Debug("predictabilities updated")
	return nil
}

func (p *ProphetExtension) encounterLocked(peer bundle.EID, now time.Time) {
	last, seen := p.encounters[peer]
	p.encounters[peer] = now
	old, known := p.preds[peer]
	if !seen || !known {
		p.preds[peer] = p.cfg.PEncounterFirst
		return
	}
	penc := p.cfg.PEncounterMax
	if interval := now.Sub(last); interval < p.cfg.ITyp && p.cfg.ITyp > 0 {
		penc = p.cfg.PEncounterMax * float64(interval) / float64(p.cfg.ITyp)
	}
	p.preds[peer] = old + (1-p.cfg.Delta-old)*penc
}

func (p *ProphetExtension) transitiveLocked(peer bundle.EID, theirs PredictabilityMap) {
	pab := p.preds[peer]
	local := p.router.Local()
	for c, pbc := range theirs {
		c = c.Node()
		if c == local || c == peer {
			continue
		}
		if v := pab * pbc * p.cfg.Beta; v > p.preds[c] {
			p.preds[c] = v
		}
	}
}

// ageLocked applies the aging policy. Values under the first threshold are
// dropped so the next contact counts as a first encounter.
func (p *ProphetExtension) ageLocked(now time.Time) {
	if p.lastAge.IsZero() {
		p.lastAge = now
		return
	}
	elapsed := now.Sub(p.lastAge)
	if elapsed < p.cfg.TimeUnit || elapsed <= 0 {
		return
	}
	f := p.aging.Factor(elapsed)
	for eid, v := range p.preds {
		v *= f
		if v < p.cfg.PFirstThreshold {
			delete(p.preds, eid)
			delete(p.encounters, eid)
			continue
		}
		p.preds[eid] = v
	}
	p.lastAge = now
}

func (p *ProphetExtension) pruneForwardsLocked(now uint64) {
	for id, fc := range p.forwards {
		if fc.expire < now {
			delete(p.forwards, id)
		}
	}
}

func (p *ProphetExtension) forwardCount(id bundle.ID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forwards[id].count
}

func (p *ProphetExtension) forwarded(peer bundle.EID, meta bundle.MetaBundle) {
	if meta.Destination.Node() == peer {
		return
	}
	p.mu.Lock()
	fc := p.forwards[meta.ID]
	fc.count++
	fc.expire = meta.Expiretime()
	p.forwards[meta.ID] = fc
	p.mu.Unlock()
}

// accept runs under the database lock and only takes the prophet lock.
func (p *ProphetExtension) accept(e *netdb.Entry, meta bundle.MetaBundle) (bool, error) {
	dst := meta.Destination.Node()
	if dst == e.EID() {
		return false, nil
	}
	theirs, err := netdb.Dataset[PredictabilityMap](e, prophetDataset)
	if err != nil {
		return false, err
	}
	return p.strategy.Forward(p.Predictability(dst), theirs[dst], p.forwardCount(meta.ID)), nil
}

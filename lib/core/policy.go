package core

import (
	"errors"
	"regexp"

	"github.com/samber/oops"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/config"
	"github.com/go-i2p/go-dtn/lib/event"
)

// Validation failures. Inject wraps them; test with errors.Is.
var (
	ErrForwardingDisabled = errors.New("forwarding disabled")
	ErrLifetimeExceeded   = errors.New("lifetime exceeds the configured limit")
	ErrPredated           = errors.New("creation timestamp lies in the future")
	ErrExpired            = errors.New("bundle lifetime expired")
	ErrBlockSizeExceeded  = errors.New("bundle exceeds the block size limit")
	ErrNonSingleton       = errors.New("non-singleton destinations not accepted")
)

type destinationLifetime struct {
	pattern  *regexp.Regexp
	lifetime uint64
}

// Policy is the validation applied to every injected bundle. It is built
// from one configuration snapshot and never changes afterwards.
type Policy struct {
	local              bundle.EID
	forwarding         bool
	acceptNonSingleton bool
	lifetime           uint64
	destinations       []destinationLifetime
	predated           uint64
	blockSize          uint64
	foreignBlockSize   uint64
}

// NewPolicy compiles the validation limits of cfg.
func NewPolicy(cfg *config.DaemonConfig) (*Policy, error) {
	local, err := cfg.EID()
	if err != nil {
		return nil, oops.In("core").With("local_eid", cfg.LocalEID).Wrapf(err, "local endpoint")
	}
	p := &Policy{
		local:              local,
		forwarding:         cfg.Routing.Forwarding,
		acceptNonSingleton: cfg.AcceptNonSingleton,
		lifetime:           cfg.Limits.Lifetime,
		predated:           cfg.Limits.PredatedTimestamp,
		blockSize:          cfg.Limits.BlockSize,
		foreignBlockSize:   cfg.Limits.ForeignBlockSize,
	}
	for _, d := range cfg.Limits.DestinationLifetimes {
		re, err := regexp.Compile(d.Pattern)
		if err != nil {
			return nil, oops.In("core").With("pattern", d.Pattern).Wrapf(err, "destination lifetime pattern")
		}
		p.destinations = append(p.destinations, destinationLifetime{pattern: re, lifetime: d.Lifetime})
	}
	return p, nil
}

// isLocal reports whether the bundle is addressed to this node.
func (p *Policy) isLocal(meta bundle.MetaBundle) bool {
	return meta.Destination.Node() == p.local
}

// Validate checks b against the limits. now is the DTN time and trusted
// tells whether the clock is good enough for time based checks.
func (p *Policy) Validate(b *bundle.Bundle, local bool, now uint64, trusted bool) error {
	meta := b.Meta()
	toLocal := p.isLocal(meta)

	if !p.forwarding && !local && !toLocal {
		return oops.With("destination", meta.Destination.String()).Wrap(ErrForwardingDisabled)
	}
	if !p.acceptNonSingleton && !meta.IsSingleton() {
		return oops.With("destination", meta.Destination.String()).Wrap(ErrNonSingleton)
	}

	if p.lifetime > 0 && meta.Lifetime > p.lifetime {
		return oops.Wrapf(ErrLifetimeExceeded, "lifetime %d above %d", meta.Lifetime, p.lifetime)
	}
	for _, d := range p.destinations {
		if !d.pattern.MatchString(meta.Destination.String()) {
			continue
		}
		if meta.Lifetime > d.lifetime {
			return oops.Wrapf(ErrLifetimeExceeded, "lifetime %d above %d for %s", meta.Lifetime, d.lifetime, d.pattern)
		}
		break
	}

	// A zero timestamp is sent by nodes without a clock.
	if trusted && meta.Timestamp != 0 {
		if p.predated > 0 && meta.Timestamp > now+p.predated {
			return oops.Wrapf(ErrPredated, "timestamp %d is %ds ahead", meta.Timestamp, meta.Timestamp-now)
		}
		if meta.IsExpired(now) {
			return oops.Wrapf(ErrExpired, "expired at %d", meta.Expiretime())
		}
	}

	size := b.Size()
	if p.blockSize > 0 && size > p.blockSize {
		return oops.Wrapf(ErrBlockSizeExceeded, "%d bytes above %d", size, p.blockSize)
	}
	if !toLocal && p.foreignBlockSize > 0 && size > p.foreignBlockSize {
		return oops.Wrapf(ErrBlockSizeExceeded, "%d bytes above the foreign limit %d", size, p.foreignBlockSize)
	}
	return nil
}

// rejection maps a refusal to its metric label and status report reason.
func rejection(err error) (string, event.ReportReason) {
	switch {
	case errors.Is(err, ErrForwardingDisabled):
		return "forwarding", event.ReasonNoKnownRoute
	case errors.Is(err, ErrNonSingleton):
		return "non_singleton", event.ReasonDestinationUnintelligible
	case errors.Is(err, ErrLifetimeExceeded):
		return "lifetime", event.ReasonLifetimeExpired
	case errors.Is(err, ErrExpired):
		return "expired", event.ReasonLifetimeExpired
	case errors.Is(err, ErrPredated):
		return "predated", event.ReasonNoInfo
	case errors.Is(err, ErrBlockSizeExceeded):
		return "blocksize", event.ReasonDepletedStorage
	default:
		return "filter", event.ReasonNoInfo
	}
}

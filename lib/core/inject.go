package core

import (
	"errors"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/event"
	"github.com/go-i2p/go-dtn/lib/filter"
	"github.com/go-i2p/go-dtn/lib/node"
	"github.com/go-i2p/go-dtn/lib/storage"
)

// Inject admits a bundle. source is the peer it came from, or this node for
// bundles generated here, in which case local is set.
//
// The bundle is validated against the policy, run through the VALIDATION and
// INPUT filter tables, checked against the known and purged ledgers, stored
// and announced with a QueueBundleEvent. Bundles seen before are ignored
// without error. A refused bundle is reported through the returned error and,
// when it asks for deletion reports, a StatusReportEvent.
func (c *Core) Inject(source bundle.EID, b *bundle.Bundle, local bool) error {
	return c.inject(source, b, local, node.ProtoUndefined)
}

func (c *Core) inject(source bundle.EID, b *bundle.Bundle, local bool, proto node.Protocol) error {
	if b == nil {
		return oops.In("core").Errorf("nil bundle")
	}
	meta := b.Meta()
	fields := logger.Fields{
		"at":     "(Core) Inject",
		"bundle": meta.ID.String(),
		"source": source.String(),
		"local":  local,
	}

	if err := c.policy.Load().Validate(b, local, c.clock.Timestamp(), !c.clock.IsBad()); err != nil {
		c.reject(meta, err, fields)
		return err
	}

	ctx := filter.Context{Peer: source, Bundle: meta, Protocol: proto, Local: local}
	tables := c.tables.Load()
	for _, table := range []*filter.Table{tables.Validation, tables.Input} {
		action := table.Evaluate(ctx)
		if err := action.Err(); err != nil {
			err = oops.In("core").With("table", table.Name()).Wrap(err)
			if action == filter.Drop {
				c.metrics.Rejected.WithLabelValues("dropped").Inc()
				log.WithFields(fields).WithField("table", table.Name()).Debug("bundle dropped by filter")
				return err
			}
			c.reject(meta, err, fields)
			return err
		}
	}

	if c.router.IsPurged(meta.ID) || c.router.FilterKnown(meta) {
		log.WithFields(fields).Debug("bundle already known")
		return nil
	}

	// Every hop consumes one unit of the hop limit.
	if !local && b.HasHopLimit && b.HopLimit > 0 {
		b.HopLimit--
		meta = b.Meta()
	}

	if err := c.storage.Store(b); err != nil {
		if errors.Is(err, storage.ErrStorageFull) {
			c.metrics.Rejected.WithLabelValues("storage").Inc()
			c.report(meta, event.ReasonDepletedStorage)
		}
		log.WithFields(fields).WithError(err).Warn("failed to store bundle")
		return oops.In("core").With("bundle", meta.ID.String()).Wrapf(err, "store bundle")
	}

	origin := "remote"
	if local {
		origin = "local"
		c.raise(event.BundleGeneratedEvent{Bundle: meta})
	}
	c.metrics.Injected.WithLabelValues(origin).Inc()
	log.WithFields(fields).Debug("bundle injected")
	c.raise(event.QueueBundleEvent{Bundle: meta, Origin: source})
	return nil
}

func (c *Core) reject(meta bundle.MetaBundle, err error, fields logger.Fields) {
	label, reason := rejection(err)
	c.metrics.Rejected.WithLabelValues(label).Inc()
	log.WithFields(fields).WithField("reason", label).WithError(err).Info("bundle rejected")
	c.report(meta, reason)
}

// report asks for a deletion report when the bundle requests one.
func (c *Core) report(meta bundle.MetaBundle, reason event.ReportReason) {
	if !meta.Flags.Has(bundle.FlagReportDeletion) || meta.ReportTo.IsNone() {
		return
	}
	c.raise(event.StatusReportEvent{Bundle: meta, Status: event.ReportDeleted, Reason: reason})
}

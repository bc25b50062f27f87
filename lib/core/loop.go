package core

import (
	"context"
	"reflect"

	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-dtn/lib/config"
	"github.com/go-i2p/go-dtn/lib/event"
	"github.com/go-i2p/go-dtn/lib/filter"
)

type garbageCollector interface {
	RunGC()
}

// loop raises the TimeEvent every TickInterval of the daemon clock.
func (c *Core) loop(ctx context.Context) error {
	ticker := c.clock.Ticker(TickInterval)
	defer ticker.Stop()
	var ticks uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ticks++
			c.tick(ticks)
		}
	}
}

// tick runs one maintenance round: staged configuration is applied first so
// every component sees the new snapshot for the whole round.
func (c *Core) tick(n uint64) {
	c.applyStaged()

	now := c.clock.Timestamp()
	for _, meta := range c.storage.Expire(now) {
		log.WithFields(logger.Fields{
			"at":     "(Core) tick",
			"bundle": meta.ID.String(),
		}).Debug("bundle expired")
		c.raise(event.BundleExpiredEvent{Bundle: meta})
		c.report(meta, event.ReasonLifetimeExpired)
	}
	c.raise(event.TimeEvent{Timestamp: now, Time: c.clock.Now()})

	if n%gcTicks == 0 {
		if gc, ok := c.storage.(garbageCollector); ok {
			gc.RunGC()
		}
	}
}

func (c *Core) applyStaged() {
	prev := c.holder.Current()
	cfg, generation, ok := c.holder.Commit()
	if !ok {
		return
	}
	if err := c.apply(prev, cfg); err != nil {
		log.WithError(err).WithField("generation", generation).Error("staged configuration not applied")
		return
	}
	c.raise(event.ConfigChangedEvent{Generation: generation})
}

// apply switches the live settings to cfg. Settings that shape the
// components themselves only take effect after a restart.
func (c *Core) apply(prev, cfg *config.DaemonConfig) error {
	policy, err := NewPolicy(cfg)
	if err != nil {
		return err
	}
	tables := filter.NewTables()
	if err := tables.Load(cfg.Filters); err != nil {
		return err
	}

	c.policy.Store(policy)
	c.tables.Store(tables)
	c.router.SetRoutingFilter(tables.Routing)
	c.connections.SetOutputFilter(tables.Output)
	c.connections.SetAutoConnect(cfg.Network.AutoConnect)
	c.statics.Load(c.connections, cfg.Network.StaticNodes)

	if keys := restartOnly(prev, cfg); len(keys) > 0 {
		log.WithFields(logger.Fields{
			"at":   "(Core) apply",
			"keys": keys,
		}).Warn("changed settings take effect after a restart")
	}
	return nil
}

// restartOnly lists the sections of next that differ from prev and cannot
// change while running.
func restartOnly(prev, next *config.DaemonConfig) []string {
	var keys []string
	if prev.LocalEID != next.LocalEID {
		keys = append(keys, "local_eid")
	}
	if prev.Storage != next.Storage {
		keys = append(keys, "storage")
	}
	pr, nr := prev.Routing, next.Routing
	pr.Forwarding, nr.Forwarding = false, false
	if !reflect.DeepEqual(pr, nr) {
		keys = append(keys, "routing")
	}
	if prev.Network.Internet != next.Network.Internet {
		keys = append(keys, "network.internet")
	}
	if prev.Fragmentation != next.Fragmentation {
		keys = append(keys, "fragmentation")
	}
	if !reflect.DeepEqual(prev.Time, next.Time) {
		keys = append(keys, "time")
	}
	if prev.Metrics != next.Metrics {
		keys = append(keys, "metrics")
	}
	return keys
}

package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/bundleset"
	dtnclock "github.com/go-i2p/go-dtn/lib/clock"
	"github.com/go-i2p/go-dtn/lib/config"
	"github.com/go-i2p/go-dtn/lib/event"
	"github.com/go-i2p/go-dtn/lib/filter"
	"github.com/go-i2p/go-dtn/lib/fragment"
	"github.com/go-i2p/go-dtn/lib/metrics"
	"github.com/go-i2p/go-dtn/lib/netdb"
	"github.com/go-i2p/go-dtn/lib/routing"
	"github.com/go-i2p/go-dtn/lib/storage"
	"github.com/go-i2p/go-dtn/lib/transport"
)

var log = logger.GetGoI2PLogger()

const (
	// TickInterval is the period of the TimeEvent.
	TickInterval = time.Second
	// gcTicks is the number of ticks between two value log collections.
	gcTicks = 300
)

// Compile-time checks
var (
	_ routing.Injector = (*Core)(nil)
	_ event.Receiver   = (*Core)(nil)
)

// Options carries the collaborators New does not build from the
// configuration.
type Options struct {
	// Clock is the daemon time source. A system clock is used when nil.
	Clock *dtnclock.Clock
	// Storage replaces the configured storage engine. Core does not close it.
	Storage storage.Storage
	Metrics *metrics.Metrics
	// NTPClient replaces the network client of the synchronizer.
	NTPClient dtnclock.NTPClient
	Layers    []transport.ConvergenceLayer
}

// Core owns every daemon component and is the only way bundles enter the
// system.
type Core struct {
	holder  *config.Holder
	local   bundle.EID
	clock   *dtnclock.Clock
	sync    *dtnclock.Synchronizer
	metrics *metrics.Metrics

	bus         *event.Bus
	storage     storage.Storage
	ownsStorage bool
	db          *netdb.Database
	connections *transport.ConnectionManager
	router      *routing.Router
	fragments   *fragment.Manager
	statics     *staticNodes

	policy atomic.Pointer[Policy]
	tables atomic.Pointer[filter.Tables]

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
	subs   []event.SubscriptionID
}

// New builds a stopped daemon from cfg.
func New(cfg *config.DaemonConfig, opts Options) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	local, err := cfg.EID()
	if err != nil {
		return nil, err
	}
	policy, err := NewPolicy(cfg)
	if err != nil {
		return nil, err
	}
	tables := filter.NewTables()
	if err := tables.Load(cfg.Filters); err != nil {
		return nil, err
	}

	c := &Core{
		holder:  config.NewHolder(cfg),
		local:   local,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		statics: newStaticNodes(),
	}
	c.policy.Store(policy)
	c.tables.Store(tables)
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	if c.clock == nil {
		rating := 1.0
		if cfg.Time.NTPSync {
			rating = 0
		}
		c.clock = dtnclock.New(nil, rating)
	}
	if cfg.Time.NTPSync {
		c.sync = dtnclock.NewSynchronizer(c.clock, dtnclock.SyncConfig{
			Servers:  cfg.Time.NTPServers,
			Interval: cfg.Time.SyncInterval,
			Client:   opts.NTPClient,
		})
	}

	c.bus = event.NewBus(c.metrics)
	if err := c.openStorage(cfg, opts.Storage); err != nil {
		return nil, err
	}

	now := c.clock.Timestamp
	c.db = netdb.New(netdb.Config{
		MaxInTransit:      cfg.Routing.MaxBundlesInTransit,
		SummaryCapacity:   cfg.Routing.Bloom.Capacity,
		FalsePositiveRate: cfg.Routing.Bloom.FalsePositiveRate,
		Now:               now,
		Clock:             c.clock,
		Metrics:           c.metrics,
	})
	c.connections = transport.NewConnectionManager(transport.Config{
		LocalEID:    local,
		Internet:    cfg.Network.Internet,
		AutoConnect: cfg.Network.AutoConnect,
		Clock:       c.clock,
		Events:      c.bus,
		Output:      tables.Output,
		Metrics:     c.metrics,
	})
	for _, cl := range opts.Layers {
		c.connections.AddConvergenceLayer(cl)
	}

	var persister bundleset.Persister
	if p, ok := c.storage.(bundleset.Persister); ok {
		persister = p
	}
	c.router, err = routing.New(routing.Options{
		LocalEID:          local,
		DB:                c.db,
		Connections:       c.connections,
		Storage:           c.storage,
		Events:            c.bus,
		Clock:             c.clock,
		Metrics:           c.metrics,
		Now:               now,
		Persister:         persister,
		BloomCapacity:     cfg.Routing.Bloom.Capacity,
		FalsePositiveRate: cfg.Routing.Bloom.FalsePositiveRate,
		RoutingFilter:     tables.Routing,
	})
	if err != nil {
		return nil, multierr.Append(oops.In("core").Wrapf(err, "create router"), c.closeStorage())
	}
	exts, err := routing.NewExtensions(cfg.RoutingOptions())
	if err != nil {
		return nil, multierr.Append(err, c.closeStorage())
	}
	for _, ext := range exts {
		c.router.AddExtension(ext)
	}
	c.router.SetInjector(c)

	if cfg.Fragmentation {
		c.fragments, err = fragment.NewManager(fragment.Config{
			LocalEID: local,
			Storage:  c.storage,
			Events:   c.bus,
			Metrics:  c.metrics,
		})
		if err != nil {
			return nil, multierr.Append(err, c.closeStorage())
		}
	}

	c.subscribe()
	log.WithFields(logger.Fields{
		"at":         "core.New",
		"local":      local.String(),
		"storage":    cfg.Storage.Engine,
		"extensions": len(exts),
	}).Debug("daemon assembled")
	return c, nil
}

func (c *Core) openStorage(cfg *config.DaemonConfig, given storage.Storage) error {
	if given != nil {
		c.storage = given
		return nil
	}
	switch cfg.Storage.Engine {
	case config.EngineBadger:
		path, err := cfg.StoragePath()
		if err != nil {
			return err
		}
		if err := config.CreateSecureDirectory(path); err != nil {
			return err
		}
		s, err := storage.OpenBadger(storage.BadgerOptions{
			Path:    path,
			Limit:   cfg.Storage.Limit,
			Metrics: c.metrics,
		})
		if err != nil {
			return err
		}
		c.storage = s
	default:
		c.storage = storage.NewMemoryStorage(cfg.Storage.Limit, c.metrics)
	}
	c.ownsStorage = true
	return nil
}

func (c *Core) closeStorage() error {
	if !c.ownsStorage {
		return nil
	}
	return c.storage.Close()
}

func (c *Core) subscribe() {
	c.subs = append(c.subs,
		c.bus.Subscribe(c.router, c.router.Kinds()...),
		c.bus.Subscribe(c.connections, c.connections.Kinds()...),
		c.bus.Subscribe(c, event.KindBundleReceived),
	)
	if c.fragments != nil {
		c.subs = append(c.subs, c.bus.Subscribe(c.fragments, c.fragments.Kinds()...))
	}
}

// Notify admits bundles arriving on the bus.
func (c *Core) Notify(e event.Event) {
	ev, ok := e.(event.BundleReceivedEvent)
	if !ok || ev.Bundle == nil {
		return
	}
	// Refusals are accounted and reported inside inject.
	_ = c.inject(ev.Peer, ev.Bundle, ev.Local, ev.Protocol)
}

func (c *Core) raise(e event.Event) {
	c.bus.Raise(e)
}

// Raise publishes e on the daemon bus.
func (c *Core) Raise(e event.Event) {
	c.raise(e)
}

// Local is the node endpoint of this daemon.
func (c *Core) Local() bundle.EID { return c.local }

func (c *Core) Clock() *dtnclock.Clock { return c.clock }

func (c *Core) Storage() storage.Storage { return c.storage }

func (c *Core) Router() *routing.Router { return c.router }

func (c *Core) Connections() *transport.ConnectionManager { return c.connections }

func (c *Core) Fragments() *fragment.Manager { return c.fragments }

func (c *Core) Metrics() *metrics.Metrics { return c.metrics }

// Config is the configuration currently applied.
func (c *Core) Config() *config.DaemonConfig { return c.holder.Current() }

// Stage validates cfg and applies it on the next tick.
func (c *Core) Stage(cfg *config.DaemonConfig) error {
	return c.holder.Stage(cfg)
}

// Start starts every component and the tick loop. The loop ends when ctx is
// done or Stop is called.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.group != nil {
		return oops.In("core").Errorf("already running")
	}

	c.bus.Start()
	c.router.Start()
	if c.fragments != nil {
		c.fragments.Start()
	}
	if c.sync != nil {
		c.sync.Start()
	}
	c.statics.Load(c.connections, c.holder.Current().Network.StaticNodes)

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return c.loop(gctx) })
	c.cancel = cancel
	c.group = group
	log.WithFields(logger.Fields{
		"at":    "(Core) Start",
		"local": c.local.String(),
	}).Info("daemon started")
	return nil
}

// Wait blocks until the tick loop has ended.
func (c *Core) Wait() error {
	c.mu.Lock()
	group := c.group
	c.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Stop ends the tick loop and stops the components in reverse start order.
// The storage stays open until Close.
func (c *Core) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.group == nil {
		return nil
	}
	c.cancel()
	err := c.group.Wait()
	c.group = nil
	c.cancel = nil

	if c.sync != nil {
		c.sync.Stop()
	}
	if c.fragments != nil {
		c.fragments.Stop()
	}
	err = multierr.Append(err, c.router.Stop())
	c.bus.Stop()
	log.WithField("at", "(Core) Stop").Info("daemon stopped")
	return err
}

// Close stops the daemon and releases the storage it opened.
func (c *Core) Close() error {
	err := c.Stop()
	c.mu.Lock()
	for _, id := range c.subs {
		c.bus.Unsubscribe(id)
	}
	c.subs = nil
	c.mu.Unlock()
	return multierr.Append(err, c.closeStorage())
}

package config

import (
	"regexp"
	"strconv"
	"time"

	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/filter"
	"github.com/go-i2p/go-dtn/lib/node"
	"github.com/go-i2p/go-dtn/lib/routing"
)

// Storage engines.
const (
	EngineMemory = "memory"
	EngineBadger = "badger"
)

// DaemonConfig is the complete daemon configuration. A value is an
// immutable snapshot; reloads produce a new one.
type DaemonConfig struct {
	// LocalEID is the node endpoint of this daemon.
	LocalEID string `yaml:"local_eid"`

	Storage StorageConfig `yaml:"storage"`
	Routing RoutingConfig `yaml:"routing"`
	Network NetworkConfig `yaml:"network"`
	Limits  LimitsConfig  `yaml:"limits"`

	// AcceptNonSingleton admits bundles addressed to groups.
	AcceptNonSingleton bool `yaml:"accept_nonsingleton"`
	// Fragmentation enables reassembly of fragments addressed to this node.
	Fragmentation bool `yaml:"fragmentation"`

	// Filters maps a table name (validation, input, output, routing) to
	// its rules, see filter.ParseRule.
	Filters map[string][]string `yaml:"filters"`

	Metrics MetricsConfig `yaml:"metrics"`
	Time    TimeConfig    `yaml:"time"`
}

// StorageConfig selects the bundle storage.
type StorageConfig struct {
	// Engine is "memory" or "badger".
	Engine string `yaml:"engine"`
	// Path is the badger directory, relative paths are resolved against the
	// daemon directory.
	Path string `yaml:"path"`
	// Limit is the storage size in bytes, zero for no limit.
	Limit uint64 `yaml:"limit"`
}

// BloomConfig sizes the summary vectors.
type BloomConfig struct {
	Capacity          uint    `yaml:"capacity"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
	// Lifetime is how long a received summary vector is trusted, in seconds.
	Lifetime uint64 `yaml:"lifetime"`
}

// RoutingConfig selects and tunes the routing extensions.
type RoutingConfig struct {
	// Extension is default, flooding, epidemic, prophet or none.
	Extension           string   `yaml:"extension"`
	PreferDirect        bool     `yaml:"prefer_direct"`
	MaxBundlesInTransit int      `yaml:"max_bundles_in_transit"`
	Forwarding          bool     `yaml:"forwarding"`
	StaticRoutes        []string `yaml:"static_routes"`

	Bloom          BloomConfig                  `yaml:"bloom"`
	Prophet        routing.ProphetConfig        `yaml:"prophet"`
	Retransmission routing.RetransmissionConfig `yaml:"retransmission"`
}

// StaticNode is a neighbor configured by hand.
type StaticNode struct {
	EID                string `yaml:"eid" mapstructure:"eid"`
	Protocol           string `yaml:"protocol" mapstructure:"protocol"`
	Address            string `yaml:"address" mapstructure:"address"`
	Port               int    `yaml:"port" mapstructure:"port"`
	Global             bool   `yaml:"global" mapstructure:"global"`
	ConnectImmediately bool   `yaml:"connect" mapstructure:"connect"`
}

// URI renders the node address in the convergence layer notation.
func (s StaticNode) URI() node.URI {
	t := node.TypeStaticLocal
	if s.Global {
		t = node.TypeStaticGlobal
	}
	value := "ip=" + s.Address + ";"
	if s.Port > 0 {
		value += "port=" + strconv.Itoa(s.Port) + ";"
	}
	return node.URI{Type: t, Protocol: node.ParseProtocol(s.Protocol), Value: value}
}

// NetworkConfig controls the connection manager.
type NetworkConfig struct {
	// AutoConnect is the minimum interval between autoconnect sweeps, zero
	// disables them.
	AutoConnect time.Duration `yaml:"auto_connect"`
	StaticNodes []StaticNode  `yaml:"static_nodes"`
	// Internet is the initial global connectivity state.
	Internet bool `yaml:"internet"`
}

// DestinationLifetime caps the lifetime of bundles to matching destinations.
type DestinationLifetime struct {
	Pattern  string `yaml:"pattern" mapstructure:"pattern"`
	Lifetime uint64 `yaml:"lifetime" mapstructure:"lifetime"`
}

// LimitsConfig bounds what Inject accepts. Zero disables a limit.
type LimitsConfig struct {
	// Lifetime is the longest accepted bundle lifetime in seconds.
	Lifetime uint64 `yaml:"lifetime"`
	// PredatedTimestamp is how far in seconds a creation timestamp may lie
	// in the future.
	PredatedTimestamp uint64 `yaml:"predated_timestamp"`
	// BlockSize limits the size of any bundle.
	BlockSize uint64 `yaml:"blocksize"`
	// ForeignBlockSize limits bundles not addressed to this node.
	ForeignBlockSize     uint64                `yaml:"foreign_blocksize"`
	DestinationLifetimes []DestinationLifetime `yaml:"destination_lifetimes"`
}

type MetricsConfig struct {
	// Address of the /metrics listener, empty disables it.
	Address string `yaml:"address"`
}

// TimeConfig controls the clock synchronisation.
type TimeConfig struct {
	NTPServers   []string      `yaml:"ntp_servers"`
	NTPSync      bool          `yaml:"ntp_sync"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// Defaults returns the configuration used for every key that is not set.
func Defaults() DaemonConfig {
	return DaemonConfig{
		LocalEID: "dtn://local",
		Storage: StorageConfig{
			Engine: EngineMemory,
			Path:   "bundles",
		},
		Routing: RoutingConfig{
			Extension:           routing.StrategyDefault,
			PreferDirect:        true,
			MaxBundlesInTransit: 5,
			Forwarding:          true,
			Bloom: BloomConfig{
				Capacity:          1024,
				FalsePositiveRate: 0.01,
				Lifetime:          3600,
			},
			Prophet:        routing.DefaultProphetConfig(),
			Retransmission: routing.DefaultRetransmissionConfig(),
		},
		Network: NetworkConfig{
			AutoConnect: 0,
			Internet:    true,
		},
		Limits: LimitsConfig{
			PredatedTimestamp: 3600,
		},
		AcceptNonSingleton: true,
		Fragmentation:      true,
		Filters:            map[string][]string{},
		Time: TimeConfig{
			NTPServers:   []string{"0.pool.ntp.org", "1.pool.ntp.org", "2.pool.ntp.org"},
			SyncInterval: 11 * time.Minute,
		},
	}
}

// RoutingOptions converts the routing section for routing.NewExtensions.
func (c *DaemonConfig) RoutingOptions() routing.Config {
	return routing.Config{
		Extension:      c.Routing.Extension,
		PreferDirect:   c.Routing.PreferDirect,
		StaticRoutes:   c.Routing.StaticRoutes,
		Prophet:        c.Routing.Prophet,
		Retransmission: c.Routing.Retransmission,
		FilterLifetime: c.Routing.Bloom.Lifetime,
	}
}

// EID returns the parsed local endpoint.
func (c *DaemonConfig) EID() (bundle.EID, error) {
	eid, err := bundle.ParseEID(c.LocalEID)
	if err != nil {
		return "", err
	}
	return eid.Node(), nil
}

// Validate checks the configuration and returns the first problem found.
func (c *DaemonConfig) Validate() error {
	log.WithFields(logger.Fields{
		"at":     "(DaemonConfig) Validate",
		"reason": "verification_requested",
	}).Debug("validating configuration")
	validators := []func() error{
		c.validateLocal,
		c.validateStorage,
		c.validateRouting,
		c.validateNetwork,
		c.validateLimits,
		c.validateFilters,
		c.validateTime,
	}
	for _, validator := range validators {
		if err := validator(); err != nil {
			log.WithError(err).Error("configuration validation failed")
			return err
		}
	}
	return nil
}

func (c *DaemonConfig) validateLocal() error {
	eid, err := bundle.ParseEID(c.LocalEID)
	if err != nil || eid.IsNone() {
		return newValidationError("local_eid " + strconv.Quote(c.LocalEID) + " is not a valid endpoint")
	}
	return nil
}

func (c *DaemonConfig) validateStorage() error {
	switch c.Storage.Engine {
	case EngineMemory:
	case EngineBadger:
		if c.Storage.Path == "" {
			return newValidationError("storage.path is required for the badger engine")
		}
	default:
		return newValidationError("storage.engine must be memory or badger, not " + strconv.Quote(c.Storage.Engine))
	}
	return nil
}

func (c *DaemonConfig) validateRouting() error {
	r := c.Routing
	if r.MaxBundlesInTransit < 1 {
		log.WithField("max_bundles_in_transit", r.MaxBundlesInTransit).Error("invalid routing configuration")
		return newValidationError("routing.max_bundles_in_transit must be at least 1")
	}
	if r.Bloom.Capacity < 1 {
		return newValidationError("routing.bloom.capacity must be at least 1")
	}
	if r.Bloom.FalsePositiveRate <= 0 || r.Bloom.FalsePositiveRate >= 1 {
		return newValidationError("routing.bloom.false_positive_rate must be between 0 and 1")
	}
	if err := c.RoutingOptions().Validate(); err != nil {
		return newValidationError("routing: " + err.Error())
	}
	return nil
}

func (c *DaemonConfig) validateNetwork() error {
	if c.Network.AutoConnect < 0 {
		return newValidationError("network.auto_connect must not be negative")
	}
	for _, n := range c.Network.StaticNodes {
		if _, err := bundle.ParseEID(n.EID); err != nil {
			return newValidationError("network.static_nodes: invalid eid " + strconv.Quote(n.EID))
		}
		if p := node.ParseProtocol(n.Protocol); p == node.ProtoUnsupported || p == node.ProtoUndefined {
			return newValidationError("network.static_nodes: unsupported protocol " + strconv.Quote(n.Protocol))
		}
		if n.Address == "" {
			return newValidationError("network.static_nodes: " + n.EID + " has no address")
		}
	}
	return nil
}

func (c *DaemonConfig) validateLimits() error {
	for _, d := range c.Limits.DestinationLifetimes {
		if _, err := regexp.Compile(d.Pattern); err != nil {
			return newValidationError("limits.destination_lifetimes: invalid pattern " + strconv.Quote(d.Pattern))
		}
	}
	return nil
}

func (c *DaemonConfig) validateFilters() error {
	if err := filter.NewTables().Load(c.Filters); err != nil {
		return newValidationError("filters: " + err.Error())
	}
	return nil
}

func (c *DaemonConfig) validateTime() error {
	if c.Time.NTPSync && len(c.Time.NTPServers) == 0 {
		return newValidationError("time.ntp_sync needs at least one server in time.ntp_servers")
	}
	if c.Time.SyncInterval < 0 {
		return newValidationError("time.sync_interval must not be negative")
	}
	return nil
}

// validationError is returned when configuration validation fails
type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (e *validationError) Error() string {
	return "configuration validation failed: " + e.message
}

// IsValidationError reports whether err came from Validate.
func IsValidationError(err error) bool {
	_, ok := err.(*validationError)
	return ok
}

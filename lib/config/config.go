package config

import (
	"errors"
	"path/filepath"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-i2p/go-dtn/lib/util"
)

var log = logger.GetGoI2PLogger()

const DTN_BASE_DIR = ".go-dtn"

// InitConfig prepares v: it registers every default, then reads cfgFile or
// the default config.yaml in the daemon directory. A missing default file is
// created from the defaults; a missing explicit file is an error.
func InitConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(BuildDTNDirPath())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	setDefaults(v)
	return handleConfigFile(v, cfgFile)
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("local_eid", d.LocalEID)

	v.SetDefault("storage.engine", d.Storage.Engine)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.limit", d.Storage.Limit)

	r := d.Routing
	v.SetDefault("routing.extension", r.Extension)
	v.SetDefault("routing.prefer_direct", r.PreferDirect)
	v.SetDefault("routing.max_bundles_in_transit", r.MaxBundlesInTransit)
	v.SetDefault("routing.forwarding", r.Forwarding)
	v.SetDefault("routing.static_routes", []string{})
	v.SetDefault("routing.bloom.capacity", r.Bloom.Capacity)
	v.SetDefault("routing.bloom.false_positive_rate", r.Bloom.FalsePositiveRate)
	v.SetDefault("routing.bloom.lifetime", r.Bloom.Lifetime)
	v.SetDefault("routing.prophet.p_encounter_max", r.Prophet.PEncounterMax)
	v.SetDefault("routing.prophet.p_encounter_first", r.Prophet.PEncounterFirst)
	v.SetDefault("routing.prophet.p_first_threshold", r.Prophet.PFirstThreshold)
	v.SetDefault("routing.prophet.beta", r.Prophet.Beta)
	v.SetDefault("routing.prophet.gamma", r.Prophet.Gamma)
	v.SetDefault("routing.prophet.delta", r.Prophet.Delta)
	v.SetDefault("routing.prophet.time_unit", r.Prophet.TimeUnit)
	v.SetDefault("routing.prophet.i_typ", r.Prophet.ITyp)
	v.SetDefault("routing.prophet.forwarding", r.Prophet.Forwarding)
	v.SetDefault("routing.prophet.gtmx_max_forwards", r.Prophet.GTMXMaxForwards)
	v.SetDefault("routing.retransmission.limit", r.Retransmission.Limit)
	v.SetDefault("routing.retransmission.backoff", r.Retransmission.Backoff)
	v.SetDefault("routing.retransmission.max_backoff", r.Retransmission.MaxBackoff)
	v.SetDefault("routing.retransmission.cache_size", r.Retransmission.CacheSize)

	v.SetDefault("network.auto_connect", d.Network.AutoConnect)
	v.SetDefault("network.static_nodes", []StaticNode{})
	v.SetDefault("network.internet", d.Network.Internet)

	v.SetDefault("limits.lifetime", d.Limits.Lifetime)
	v.SetDefault("limits.predated_timestamp", d.Limits.PredatedTimestamp)
	v.SetDefault("limits.blocksize", d.Limits.BlockSize)
	v.SetDefault("limits.foreign_blocksize", d.Limits.ForeignBlockSize)
	v.SetDefault("limits.destination_lifetimes", []DestinationLifetime{})

	v.SetDefault("accept_nonsingleton", d.AcceptNonSingleton)
	v.SetDefault("fragmentation", d.Fragmentation)
	v.SetDefault("filters", map[string][]string{})
	v.SetDefault("metrics.address", d.Metrics.Address)

	v.SetDefault("time.ntp_servers", d.Time.NTPServers)
	v.SetDefault("time.ntp_sync", d.Time.NTPSync)
	v.SetDefault("time.sync_interval", d.Time.SyncInterval)
}

// NewDaemonConfigFromViper builds a configuration snapshot from v. It does
// not validate; call Validate on the result.
func NewDaemonConfigFromViper(v *viper.Viper) (*DaemonConfig, error) {
	cfg := &DaemonConfig{
		LocalEID: v.GetString("local_eid"),
		Storage: StorageConfig{
			Engine: v.GetString("storage.engine"),
			Path:   v.GetString("storage.path"),
			Limit:  v.GetUint64("storage.limit"),
		},
		Routing: RoutingConfig{
			Extension:           v.GetString("routing.extension"),
			PreferDirect:        v.GetBool("routing.prefer_direct"),
			MaxBundlesInTransit: v.GetInt("routing.max_bundles_in_transit"),
			Forwarding:          v.GetBool("routing.forwarding"),
			StaticRoutes:        v.GetStringSlice("routing.static_routes"),
			Bloom: BloomConfig{
				Capacity:          v.GetUint("routing.bloom.capacity"),
				FalsePositiveRate: v.GetFloat64("routing.bloom.false_positive_rate"),
				Lifetime:          v.GetUint64("routing.bloom.lifetime"),
			},
		},
		Network: NetworkConfig{
			AutoConnect: v.GetDuration("network.auto_connect"),
			Internet:    v.GetBool("network.internet"),
		},
		Limits: LimitsConfig{
			Lifetime:          v.GetUint64("limits.lifetime"),
			PredatedTimestamp: v.GetUint64("limits.predated_timestamp"),
			BlockSize:         v.GetUint64("limits.blocksize"),
			ForeignBlockSize:  v.GetUint64("limits.foreign_blocksize"),
		},
		AcceptNonSingleton: v.GetBool("accept_nonsingleton"),
		Fragmentation:      v.GetBool("fragmentation"),
		Filters:            map[string][]string{},
		Metrics:            MetricsConfig{Address: v.GetString("metrics.address")},
		Time: TimeConfig{
			NTPServers:   v.GetStringSlice("time.ntp_servers"),
			NTPSync:      v.GetBool("time.ntp_sync"),
			SyncInterval: v.GetDuration("time.sync_interval"),
		},
	}

	p := &cfg.Routing.Prophet
	p.PEncounterMax = v.GetFloat64("routing.prophet.p_encounter_max")
	p.PEncounterFirst = v.GetFloat64("routing.prophet.p_encounter_first")
	p.PFirstThreshold = v.GetFloat64("routing.prophet.p_first_threshold")
	p.Beta = v.GetFloat64("routing.prophet.beta")
	p.Gamma = v.GetFloat64("routing.prophet.gamma")
	p.Delta = v.GetFloat64("routing.prophet.delta")
	p.TimeUnit = v.GetDuration("routing.prophet.time_unit")
	p.ITyp = v.GetDuration("routing.prophet.i_typ")
	p.Forwarding = v.GetString("routing.prophet.forwarding")
	p.GTMXMaxForwards = v.GetInt("routing.prophet.gtmx_max_forwards")

	rt := &cfg.Routing.Retransmission
	rt.Limit = v.GetInt("routing.retransmission.limit")
	rt.Backoff = v.GetDuration("routing.retransmission.backoff")
	rt.MaxBackoff = v.GetDuration("routing.retransmission.max_backoff")
	rt.CacheSize = v.GetInt("routing.retransmission.cache_size")

	if err := v.UnmarshalKey("network.static_nodes", &cfg.Network.StaticNodes); err != nil {
		return nil, oops.In("config").With("key", "network.static_nodes").Wrapf(err, "parse static nodes")
	}
	if err := v.UnmarshalKey("limits.destination_lifetimes", &cfg.Limits.DestinationLifetimes); err != nil {
		return nil, oops.In("config").With("key", "limits.destination_lifetimes").Wrapf(err, "parse destination lifetimes")
	}
	for table := range v.GetStringMap("filters") {
		cfg.Filters[table] = v.GetStringSlice("filters." + table)
	}
	return cfg, nil
}

// YAML renders the configuration as a config file.
func (c *DaemonConfig) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, oops.In("config").Wrapf(err, "encode configuration")
	}
	return out, nil
}

func createDefaultConfig(v *viper.Viper, defaultConfigDir string) error {
	defaultConfigFile := filepath.Join(defaultConfigDir, "config.yaml")
	if err := CreateSecureDirectory(defaultConfigDir); err != nil {
		return err
	}
	if err := v.SafeWriteConfigAs(defaultConfigFile); err != nil {
		return oops.In("config").With("path", defaultConfigFile).Wrapf(err, "write default config file")
	}
	log.WithField("path", defaultConfigFile).Debug("created default configuration")
	return nil
}

func handleConfigFile(v *viper.Viper, cfgFile string) error {
	err := v.ReadInConfig()
	if err == nil {
		log.WithField("path", v.ConfigFileUsed()).Debug("using config file")
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if cfgFile == "" && errors.As(err, &notFound) {
		return createDefaultConfig(v, BuildDTNDirPath())
	}
	if cfgFile != "" && !util.CheckFileExists(cfgFile) {
		return oops.In("config").With("path", cfgFile).Errorf("config file not found")
	}
	return oops.In("config").With("path", cfgFile).Wrapf(err, "read config file")
}

// BuildDTNDirPath returns the daemon directory in the user's home.
func BuildDTNDirPath() string {
	return filepath.Join(util.UserHome(), DTN_BASE_DIR)
}

// StoragePath resolves the storage path against the daemon directory.
// Absolute paths are returned cleaned; relative paths may not escape it.
func (c *DaemonConfig) StoragePath() (string, error) {
	if filepath.IsAbs(c.Storage.Path) {
		return filepath.Clean(c.Storage.Path), nil
	}
	return SanitizePath(BuildDTNDirPath(), c.Storage.Path)
}

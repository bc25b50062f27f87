package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-dtn/lib/node"
	"github.com/go-i2p/go-dtn/lib/routing"
)

const sampleConfig = `
local_eid: dtn://alpha/
storage:
  engine: badger
  path: store
  limit: 1048576
routing:
  extension: prophet
  max_bundles_in_transit: 3
  static_routes:
    - "^dtn://beta/.* dtn://gamma"
  prophet:
    beta: 0.5
    i_typ: 10m
network:
  auto_connect: 30s
  internet: false
  static_nodes:
    - eid: dtn://gamma
      protocol: tcp
      address: 192.0.2.7
      port: 4556
      connect: true
limits:
  lifetime: 86400
  destination_lifetimes:
    - pattern: "^dtn://slow/"
      lifetime: 600
filters:
  input:
    - "reject source=^dtn://spam/"
time:
  ntp_sync: true
  sync_interval: 1h
`

func loadSample(t *testing.T, content string) *viper.Viper {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	v := viper.New()
	require.NoError(t, InitConfig(v, path))
	return v
}

func TestDefaultsAreValid(t *testing.T) {
	d := Defaults()
	require.NoError(t, d.Validate())
	eid, err := d.EID()
	require.NoError(t, err)
	assert.Equal(t, "dtn://local", eid.String())
	assert.Equal(t, routing.StrategyDefault, d.RoutingOptions().Extension)
}

func TestLoadConfigFile(t *testing.T) {
	cfg, err := NewDaemonConfigFromViper(loadSample(t, sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "dtn://alpha/", cfg.LocalEID)
	assert.Equal(t, EngineBadger, cfg.Storage.Engine)
	assert.Equal(t, uint64(1048576), cfg.Storage.Limit)

	assert.Equal(t, routing.StrategyProphet, cfg.Routing.Extension)
	assert.Equal(t, 3, cfg.Routing.MaxBundlesInTransit)
	assert.True(t, cfg.Routing.PreferDirect, "unset keys keep their default")
	assert.Equal(t, []string{"^dtn://beta/.* dtn://gamma"}, cfg.Routing.StaticRoutes)
	assert.Equal(t, 0.5, cfg.Routing.Prophet.Beta)
	assert.Equal(t, 10*time.Minute, cfg.Routing.Prophet.ITyp)
	assert.Equal(t, routing.DefaultProphetConfig().Gamma, cfg.Routing.Prophet.Gamma)

	assert.Equal(t, 30*time.Second, cfg.Network.AutoConnect)
	assert.False(t, cfg.Network.Internet)
	require.Len(t, cfg.Network.StaticNodes, 1)
	sn := cfg.Network.StaticNodes[0]
	assert.Equal(t, "dtn://gamma", sn.EID)
	assert.True(t, sn.ConnectImmediately)
	uri := sn.URI()
	assert.Equal(t, node.TypeStaticLocal, uri.Type)
	assert.Equal(t, node.ParseProtocol("tcp"), uri.Protocol)
	assert.Equal(t, "ip=192.0.2.7;port=4556;", uri.Value)

	assert.Equal(t, uint64(86400), cfg.Limits.Lifetime)
	assert.Equal(t, uint64(3600), cfg.Limits.PredatedTimestamp)
	require.Len(t, cfg.Limits.DestinationLifetimes, 1)
	assert.Equal(t, DestinationLifetime{Pattern: "^dtn://slow/", Lifetime: 600}, cfg.Limits.DestinationLifetimes[0])

	assert.Equal(t, []string{"reject source=^dtn://spam/"}, cfg.Filters["input"])
	assert.True(t, cfg.Time.NTPSync)
	assert.Equal(t, time.Hour, cfg.Time.SyncInterval)
	assert.Len(t, cfg.Time.NTPServers, 3)
}

func TestMissingExplicitConfigFile(t *testing.T) {
	err := InitConfig(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestDefaultConfigFileIsCreated(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	v := viper.New()
	require.NoError(t, InitConfig(v, ""))
	path := filepath.Join(home, DTN_BASE_DIR, "config.yaml")
	assert.FileExists(t, path)

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(SecureDirPermissions), info.Mode().Perm())

	cfg, err := NewDaemonConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, Defaults().LocalEID, cfg.LocalEID)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *DaemonConfig){
		"local eid":        func(c *DaemonConfig) { c.LocalEID = "dtn:none" },
		"engine":           func(c *DaemonConfig) { c.Storage.Engine = "sqlite" },
		"badger path":      func(c *DaemonConfig) { c.Storage.Engine, c.Storage.Path = EngineBadger, "" },
		"in transit":       func(c *DaemonConfig) { c.Routing.MaxBundlesInTransit = 0 },
		"bloom rate":       func(c *DaemonConfig) { c.Routing.Bloom.FalsePositiveRate = 1 },
		"extension":        func(c *DaemonConfig) { c.Routing.Extension = "spray" },
		"auto connect":     func(c *DaemonConfig) { c.Network.AutoConnect = -time.Second },
		"node protocol":    func(c *DaemonConfig) { c.Network.StaticNodes = []StaticNode{{EID: "dtn://x", Protocol: "smoke", Address: "a"}} },
		"node address":     func(c *DaemonConfig) { c.Network.StaticNodes = []StaticNode{{EID: "dtn://x", Protocol: "tcp"}} },
		"lifetime pattern": func(c *DaemonConfig) { c.Limits.DestinationLifetimes = []DestinationLifetime{{Pattern: "("}} },
		"filter table":     func(c *DaemonConfig) { c.Filters = map[string][]string{"forward": {"accept"}} },
		"ntp servers":      func(c *DaemonConfig) { c.Time.NTPSync, c.Time.NTPServers = true, nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Defaults()
			mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestYAMLDumpLoadsBack(t *testing.T) {
	cfg, err := NewDaemonConfigFromViper(loadSample(t, sampleConfig))
	require.NoError(t, err)
	out, err := cfg.YAML()
	require.NoError(t, err)

	again, err := NewDaemonConfigFromViper(loadSample(t, string(out)))
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestHolderStagesUntilCommit(t *testing.T) {
	first := Defaults()
	h := NewHolder(&first)
	assert.Equal(t, uint64(1), h.Generation())

	cfg, gen, ok := h.Commit()
	assert.False(t, ok)
	assert.Same(t, &first, cfg)
	assert.Equal(t, uint64(1), gen)

	bad := Defaults()
	bad.Storage.Engine = "tape"
	assert.Error(t, h.Stage(&bad))

	next := Defaults()
	next.Routing.Extension = routing.StrategyEpidemic
	require.NoError(t, h.Stage(&next))
	assert.Same(t, &first, h.Current(), "staged snapshots are not visible before commit")

	cfg, gen, ok = h.Commit()
	assert.True(t, ok)
	assert.Same(t, &next, cfg)
	assert.Equal(t, uint64(2), gen)
	assert.Same(t, &next, h.Current())
}

func TestHolderReload(t *testing.T) {
	v := loadSample(t, sampleConfig)
	cfg, err := NewDaemonConfigFromViper(v)
	require.NoError(t, err)
	h := NewHolder(cfg)

	require.NoError(t, os.WriteFile(v.ConfigFileUsed(), []byte("local_eid: dtn://omega/\n"), 0o600))
	require.NoError(t, h.Reload(v))
	next, _, ok := h.Commit()
	require.True(t, ok)
	assert.Equal(t, "dtn://omega/", next.LocalEID)
	assert.Equal(t, EngineMemory, next.Storage.Engine)
}

func TestSanitizePath(t *testing.T) {
	base := t.TempDir()

	p, err := SanitizePath(base, "bundles")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "bundles"), p)

	p, err = SanitizePath(base, "")
	require.NoError(t, err)
	assert.Equal(t, base, p)

	_, err = SanitizePath(base, "../outside")
	assert.Error(t, err)
	_, err = SanitizePath(base, "/etc")
	assert.Error(t, err)
	_, err = SanitizePath("", "x")
	assert.Error(t, err)
}

func TestStoragePath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	c := Defaults()
	p, err := c.StoragePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(BuildDTNDirPath(), "bundles"), p)

	c.Storage.Path = "/var/lib/dtn/../dtn/store"
	p, err = c.StoragePath()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/dtn/store", p)
}

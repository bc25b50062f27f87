package routing

import (
	"strings"
	"time"

	"github.com/samber/oops"
)

// Strategy names accepted by Config.Extension.
const (
	StrategyDefault  = "default"
	StrategyFlooding = "flooding"
	StrategyEpidemic = "epidemic"
	StrategyProphet  = "prophet"
	StrategyNone     = "none"
)

// ProphetConfig holds the PROPHETv2 parameters.
type ProphetConfig struct {
	PEncounterMax   float64       `yaml:"p_encounter_max"`
	PEncounterFirst float64       `yaml:"p_encounter_first"`
	PFirstThreshold float64       `yaml:"p_first_threshold"`
	Beta            float64       `yaml:"beta"`
	Gamma           float64       `yaml:"gamma"`
	Delta           float64       `yaml:"delta"`
	TimeUnit        time.Duration `yaml:"time_unit"`
	ITyp            time.Duration `yaml:"i_typ"`
	// Forwarding is "grtr" or "gtmx".
	Forwarding string `yaml:"forwarding"`
	// GTMXMaxForwards bounds the copies handed out under gtmx.
	GTMXMaxForwards int `yaml:"gtmx_max_forwards"`
}

// DefaultProphetConfig returns the usual PROPHETv2 constants.
func DefaultProphetConfig() ProphetConfig {
	return ProphetConfig{
		PEncounterMax:   0.7,
		PEncounterFirst: 0.5,
		PFirstThreshold: 0.1,
		Beta:            0.9,
		Gamma:           0.999,
		Delta:           0.01,
		TimeUnit:        time.Second,
		ITyp:            300 * time.Second,
		Forwarding:      "grtr",
		GTMXMaxForwards: 10,
	}
}

// RetransmissionConfig bounds the retries of requeued transfers.
type RetransmissionConfig struct {
	Limit      int           `yaml:"limit"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// CacheSize is the number of transfers whose retry count is remembered.
	CacheSize int `yaml:"cache_size"`
}

// DefaultRetransmissionConfig returns the retry defaults.
func DefaultRetransmissionConfig() RetransmissionConfig {
	return RetransmissionConfig{
		Limit:      5,
		Backoff:    time.Second,
		MaxBackoff: time.Minute,
		CacheSize:  4096,
	}
}

// Config selects and tunes the routing extensions.
type Config struct {
	Extension    string
	PreferDirect bool
	// StaticRoutes are "<destination regexp> <next hop>" pairs.
	StaticRoutes   []string
	Prophet        ProphetConfig
	Retransmission RetransmissionConfig
	// FilterLifetime is how long a received summary vector is trusted, in
	// seconds. Zero trusts it until the neighbor goes away.
	FilterLifetime uint64
}

// DefaultConfig returns the configuration of a plain neighbor router.
func DefaultConfig() Config {
	return Config{
		Extension:      StrategyDefault,
		PreferDirect:   true,
		Prophet:        DefaultProphetConfig(),
		Retransmission: DefaultRetransmissionConfig(),
		FilterLifetime: 3600,
	}
}

// Validate checks the strategy name and the numeric ranges.
func (c Config) Validate() error {
	switch strings.ToLower(c.Extension) {
	case StrategyDefault, StrategyFlooding, StrategyEpidemic, StrategyProphet, StrategyNone, "":
	default:
		return oops.In("routing").Errorf("unknown routing extension %q", c.Extension)
	}
	if _, err := ParseStaticRoutes(c.StaticRoutes); err != nil {
		return err
	}
	if strings.EqualFold(c.Extension, StrategyProphet) {
		p := c.Prophet
		for name, v := range map[string]float64{
			"p_encounter_max":   p.PEncounterMax,
			"p_encounter_first": p.PEncounterFirst,
			"p_first_threshold": p.PFirstThreshold,
			"beta":              p.Beta,
			"gamma":             p.Gamma,
			"delta":             p.Delta,
		} {
			if v < 0 || v > 1 {
				return oops.In("routing").With("parameter", name).Errorf("prophet parameter out of range: %v", v)
			}
		}
		if _, err := newForwardingStrategy(p); err != nil {
			return err
		}
	}
	if c.Retransmission.Limit < 0 {
		return oops.In("routing").Errorf("negative retransmission limit")
	}
	return nil
}

// NewExtensions builds the extensions selected by cfg. The neighbor,
// handshake and retransmission extensions are always installed; the static
// extension only with routes configured.
func NewExtensions(cfg Config) ([]Extension, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	exts := []Extension{
		NewNeighborExtension(),
		NewHandshakeExtension(cfg.FilterLifetime),
		NewRetransmissionExtension(cfg.Retransmission),
	}
	if len(cfg.StaticRoutes) > 0 {
		routes, _ := ParseStaticRoutes(cfg.StaticRoutes)
		exts = append(exts, NewStaticExtension(routes))
	}
	switch strings.ToLower(cfg.Extension) {
	case StrategyFlooding:
		exts = append(exts, NewFloodingExtension())
	case StrategyEpidemic:
		exts = append(exts, NewEpidemicExtension(cfg.PreferDirect))
	case StrategyProphet:
		p, err := NewProphetExtension(cfg.Prophet, nil)
		if err != nil {
			return nil, err
		}
		exts = append(exts, p)
	}
	return exts, nil
}

package config

import (
	"sync"

	"github.com/go-i2p/logger"
	"github.com/spf13/viper"
)

// Holder publishes configuration snapshots. A new snapshot is staged at any
// time and becomes current only when the daemon commits it, between two
// processing rounds.
type Holder struct {
	mu         sync.RWMutex
	current    *DaemonConfig
	staged     *DaemonConfig
	generation uint64
}

// NewHolder returns a holder whose current snapshot is cfg.
func NewHolder(cfg *DaemonConfig) *Holder {
	return &Holder{current: cfg, generation: 1}
}

// Current returns the committed snapshot. Callers must not modify it.
func (h *Holder) Current() *DaemonConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

func (h *Holder) Generation() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.generation
}

// Stage validates cfg and queues it for the next Commit. A later Stage
// replaces an earlier one that was not committed yet.
func (h *Holder) Stage(cfg *DaemonConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.staged = cfg
	log.WithFields(logger.Fields{
		"at":         "(Holder) Stage",
		"generation": h.generation + 1,
	}).Debug("configuration staged")
	return nil
}

// Commit makes the staged snapshot current. ok is false when nothing was
// staged.
func (h *Holder) Commit() (cfg *DaemonConfig, generation uint64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.staged == nil {
		return h.current, h.generation, false
	}
	h.current = h.staged
	h.staged = nil
	h.generation++
	log.WithFields(logger.Fields{
		"at":         "(Holder) Commit",
		"generation": h.generation,
	}).Info("configuration applied")
	return h.current, h.generation, true
}

// Reload re-reads the config file of v and stages the result.
func (h *Holder) Reload(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	cfg, err := NewDaemonConfigFromViper(v)
	if err != nil {
		return err
	}
	return h.Stage(cfg)
}

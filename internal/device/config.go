package device

import (
	"sync"
	"time"
)

const (
	DefaultPort      = 4370
	DefaultTimeoutMs = 5000
	DefaultRetries   = 3
)

// Config selects the transport strategy and holds network parameters.
type Config struct {
	IP        string `json:"ip" yaml:"ip"`
	Port      int    `json:"port" yaml:"port"`
	TimeoutMs int    `json:"timeoutMs" yaml:"timeout_ms"`
	Retries   int    `json:"retries" yaml:"retries"`
	UseSDK    bool   `json:"useSdk" yaml:"use_sdk"`
	MockMode  bool   `json:"mockMode" yaml:"mock_mode"`
	Password  string `json:"password,omitempty" yaml:"password"`
	CommKey   string `json:"commKey,omitempty" yaml:"comm_key"`
}

// Timeout returns the per-operation network timeout.
func (c Config) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return DefaultTimeoutMs * time.Millisecond
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = DefaultTimeoutMs
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	return c
}

// ConfigPatch is a partial update; nil fields are left untouched.
type ConfigPatch struct {
	IP        *string `json:"ip"`
	Port      *int    `json:"port"`
	TimeoutMs *int    `json:"timeoutMs"`
	Retries   *int    `json:"retries"`
	UseSDK    *bool   `json:"useSdk"`
	MockMode  *bool   `json:"mockMode"`
	Password  *string `json:"password"`
	CommKey   *string `json:"commKey"`
}

// ConfigHolder owns the process-wide device configuration. Readers take a
// snapshot so an in-flight operation never observes a later update.
type ConfigHolder struct {
	mu  sync.RWMutex
	cfg Config
}

// NewConfigHolder creates a holder with defaults applied.
func NewConfigHolder(cfg Config) *ConfigHolder {
	return &ConfigHolder{cfg: cfg.withDefaults()}
}

// Snapshot returns a copy of the current configuration.
func (h *ConfigHolder) Snapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Apply merges a patch into the current configuration.
func (h *ConfigHolder) Apply(p ConfigPatch) Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = h.cfg.Merge(p)
	return h.cfg
}

// Merge returns c with the non-nil fields of p applied.
func (c Config) Merge(p ConfigPatch) Config {
	if p.IP != nil {
		c.IP = *p.IP
	}
	if p.Port != nil {
		c.Port = *p.Port
	}
	if p.TimeoutMs != nil {
		c.TimeoutMs = *p.TimeoutMs
	}
	if p.Retries != nil {
		c.Retries = *p.Retries
	}
	if p.UseSDK != nil {
		c.UseSDK = *p.UseSDK
	}
	if p.MockMode != nil {
		c.MockMode = *p.MockMode
	}
	if p.Password != nil {
		c.Password = *p.Password
	}
	if p.CommKey != nil {
		c.CommKey = *p.CommKey
	}
	return c.withDefaults()
}

// config/config.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// LogConfig holds the configuration for logging.
type LogConfig struct {
	LogLevel   string `yaml:"log_level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// GatewayConfig holds transport settings for the trading gateway client.
type GatewayConfig struct {
	TimeoutSeconds    int `yaml:"timeout_seconds"`
	RetryAttempts     int `yaml:"retry_attempts"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`
}

// NormalConfig holds all general, non-instance-specific configuration.
type NormalConfig struct {
	StateDirectory         string `yaml:"state_directory"`
	LogDirectory           string `yaml:"log_directory"`
	WatchIntervalSeconds   int    `yaml:"watch_interval_seconds"`
	HeartbeatIntervalMins  int    `yaml:"heartbeat_interval_minutes"`
	MetricsListenAddr      string `yaml:"metrics_listen_addr"`
	MaxConcurrentInstances int    `yaml:"max_concurrent_instances"`
	StalenessMinutes       int    `yaml:"staleness_minutes"`
	OrphanGraceMinutes     int    `yaml:"orphan_grace_minutes"`
}

// MarginConfig enables the margin-safety checks of the reconciliation
// controller. When the block is absent from config.yaml the checks are
// skipped entirely.
type MarginConfig struct {
	UtilizationWarnPct     float64 `yaml:"utilization_warn_pct"`
	UtilizationCriticalPct float64 `yaml:"utilization_critical_pct"`
	LiqDistanceWarnPct     float64 `yaml:"liq_distance_warn_pct"`
	LiqDistanceCriticalPct float64 `yaml:"liq_distance_critical_pct"`
	TargetUtilizationPct   float64 `yaml:"target_utilization_pct"`
	AutoDownsize           bool    `yaml:"auto_downsize"`
	MinReducePct           float64 `yaml:"min_reduce_pct"`
	MaxReducePct           float64 `yaml:"max_reduce_pct"`
}

// TierConfig describes one profit tier of the trailing-stop ladder.
type TierConfig struct {
	Name             string  `yaml:"name"`
	TriggerPct       float64 `yaml:"trigger_pct"`
	LockPct          float64 `yaml:"lock_pct"`
	Retrace          float64 `yaml:"retrace"`
	BreachesRequired int     `yaml:"breaches_required"`
}

// PhaseTemplate holds the per-phase trailing parameters used when a new
// position record is created from the instance template.
type PhaseTemplate struct {
	RetraceThreshold float64 `yaml:"retrace_threshold"`
	BreachesRequired int     `yaml:"breaches_required"`
	AbsoluteFloor    float64 `yaml:"absolute_floor"`
}

// StagnationTemplate configures the stagnation auto-cut.
type StagnationTemplate struct {
	MinROEPct    float64 `yaml:"min_roe_pct"`
	StaleMinutes int     `yaml:"stale_minutes"`
	PriceBandPct float64 `yaml:"price_band_pct"`
}

// TemplateConfig is the default risk template applied to records the
// reconciliation controller auto-creates or replaces.
type TemplateConfig struct {
	Tiers                  []TierConfig        `yaml:"tiers"`
	Phase1                 *PhaseTemplate      `yaml:"phase1"`
	Phase2                 *PhaseTemplate      `yaml:"phase2"`
	Phase2TriggerTier      int                 `yaml:"phase2_trigger_tier"`
	BreachDecayMode        string              `yaml:"breach_decay_mode"`
	Stagnation             *StagnationTemplate `yaml:"stagnation"`
	Phase1TimeoutMinutes   int                 `yaml:"phase1_timeout_minutes"`
	WeakPeakMinutes        int                 `yaml:"weak_peak_minutes"`
	WeakPeakROEPct         float64             `yaml:"weak_peak_roe_pct"`
	MaxFetchFailures       int                 `yaml:"max_fetch_failures"`
	CloseRetries           int                 `yaml:"close_retries"`
	CloseRetryDelaySeconds int                 `yaml:"close_retry_delay_seconds"`
}

// InstanceConfig describes one strategy instance: its wallet, slot capacity
// and the risk template for auto-created records.
type InstanceConfig struct {
	Key          string          `yaml:"key"`
	Wallet       string          `yaml:"wallet"`
	Enabled      bool            `yaml:"enabled"`
	SlotCapacity int             `yaml:"slot_capacity"`
	Template     *TemplateConfig `yaml:"template"`
}

// Config is the top-level configuration structure.
type Config struct {
	UseSimulation bool              `yaml:"use_simulation"`
	Normal        *NormalConfig     `yaml:"normal_config"`
	Logs          *LogConfig        `yaml:"logs"`
	Gateway       *GatewayConfig    `yaml:"gateway"`
	Margin        *MarginConfig     `yaml:"margin"`
	Instances     []*InstanceConfig `yaml:"instances"`
}

// NewConfig creates a Config with safe defaults. Critical strategy
// parameters MUST still be provided in config.yaml; Validate enforces that.
func NewConfig() *Config {
	return &Config{
		UseSimulation: false,
		Normal: &NormalConfig{
			WatchIntervalSeconds:   30,
			HeartbeatIntervalMins:  30,
			MaxConcurrentInstances: 1,
			StalenessMinutes:       10,
			OrphanGraceMinutes:     5,
		},
		Logs: &LogConfig{},
		Gateway: &GatewayConfig{
			TimeoutSeconds:    10,
			RetryAttempts:     3,
			RetryDelaySeconds: 2,
		},
	}
}

// LoadConfig loads configuration from a given path, applies defaults, and
// validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s, the program cannot run without one", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the logical consistency and completeness of the entire
// configuration.
func (c *Config) Validate() error {
	if c.Normal == nil {
		return fmt.Errorf("critical config missing: 'normal_config' block must be provided in config.yaml")
	}
	if c.Normal.StateDirectory == "" {
		return fmt.Errorf("critical config missing: 'normal_config.state_directory' must be explicitly specified (e.g., 'state')")
	}
	if c.Normal.LogDirectory == "" {
		return fmt.Errorf("critical config missing: 'normal_config.log_directory' must be explicitly specified (e.g., 'logs')")
	}
	if c.Normal.WatchIntervalSeconds <= 0 {
		return fmt.Errorf("config error: 'normal_config.watch_interval_seconds' must be positive")
	}
	if c.Normal.HeartbeatIntervalMins <= 0 {
		return fmt.Errorf("config error: 'normal_config.heartbeat_interval_minutes' must be positive")
	}
	if c.Normal.MaxConcurrentInstances <= 0 {
		return fmt.Errorf("config error: 'normal_config.max_concurrent_instances' must be positive")
	}
	if c.Normal.StalenessMinutes <= 0 {
		return fmt.Errorf("config error: 'normal_config.staleness_minutes' must be positive")
	}
	if c.Normal.OrphanGraceMinutes < 0 {
		return fmt.Errorf("config error: 'normal_config.orphan_grace_minutes' cannot be negative")
	}

	if c.Logs == nil {
		return fmt.Errorf("critical config missing: 'logs' configuration block must be provided in config.yaml")
	}
	if c.Logs.LogLevel == "" {
		return fmt.Errorf("critical config missing: 'logs.log_level' must be explicitly specified (e.g., 'info', 'debug')")
	}
	if c.Logs.MaxSizeMB <= 0 {
		return fmt.Errorf("critical config missing: 'logs.max_size_mb' must be explicitly specified and positive")
	}
	if c.Logs.MaxBackups <= 0 {
		return fmt.Errorf("critical config missing: 'logs.max_backups' must be explicitly specified and positive")
	}
	if c.Logs.MaxAgeDays <= 0 {
		return fmt.Errorf("critical config missing: 'logs.max_age_days' must be explicitly specified and positive")
	}

	if c.Gateway == nil {
		return fmt.Errorf("critical config missing: 'gateway' configuration block must be provided in config.yaml")
	}
	if c.Gateway.TimeoutSeconds <= 0 {
		return fmt.Errorf("config error: 'gateway.timeout_seconds' must be positive")
	}
	if c.Gateway.RetryAttempts <= 0 {
		return fmt.Errorf("config error: 'gateway.retry_attempts' must be positive")
	}
	if c.Gateway.RetryDelaySeconds < 0 {
		return fmt.Errorf("config error: 'gateway.retry_delay_seconds' cannot be negative")
	}

	if c.Margin != nil {
		if err := c.Margin.validate(); err != nil {
			return err
		}
	}

	if len(c.Instances) == 0 {
		return fmt.Errorf("critical config missing: at least one entry under 'instances' must be provided in config.yaml")
	}
	seen := make(map[string]bool, len(c.Instances))
	for i, inst := range c.Instances {
		if inst == nil {
			return fmt.Errorf("config error: instances[%d] is empty", i)
		}
		if err := inst.validate(); err != nil {
			return fmt.Errorf("instances[%d] (%s): %w", i, inst.Key, err)
		}
		if seen[inst.Key] {
			return fmt.Errorf("config error: duplicate instance key '%s'", inst.Key)
		}
		seen[inst.Key] = true
	}

	return nil
}

func (m *MarginConfig) validate() error {
	if m.UtilizationWarnPct <= 0 || m.UtilizationCriticalPct <= 0 {
		return fmt.Errorf("config error: margin utilization thresholds must be positive")
	}
	if m.UtilizationWarnPct >= m.UtilizationCriticalPct {
		return fmt.Errorf("config error: margin.utilization_warn_pct (%.1f) must be below utilization_critical_pct (%.1f)",
			m.UtilizationWarnPct, m.UtilizationCriticalPct)
	}
	if m.LiqDistanceWarnPct <= 0 || m.LiqDistanceCriticalPct <= 0 {
		return fmt.Errorf("config error: margin liquidation distance thresholds must be positive")
	}
	if m.LiqDistanceCriticalPct >= m.LiqDistanceWarnPct {
		return fmt.Errorf("config error: margin.liq_distance_critical_pct (%.1f) must be below liq_distance_warn_pct (%.1f)",
			m.LiqDistanceCriticalPct, m.LiqDistanceWarnPct)
	}
	if m.AutoDownsize {
		if m.TargetUtilizationPct <= 0 || m.TargetUtilizationPct >= m.UtilizationCriticalPct {
			return fmt.Errorf("config error: margin.target_utilization_pct must be positive and below the critical threshold")
		}
		if m.MinReducePct <= 0 {
			m.MinReducePct = 5
		}
		if m.MaxReducePct <= 0 {
			m.MaxReducePct = 50
		}
		if m.MinReducePct > m.MaxReducePct {
			return fmt.Errorf("config error: margin.min_reduce_pct (%.1f) cannot exceed max_reduce_pct (%.1f)",
				m.MinReducePct, m.MaxReducePct)
		}
	}
	return nil
}

func (inst *InstanceConfig) validate() error {
	if inst.Key == "" {
		return fmt.Errorf("critical config missing: 'key' must be specified")
	}
	if inst.Wallet == "" {
		return fmt.Errorf("critical config missing: 'wallet' must be specified")
	}
	if inst.SlotCapacity <= 0 {
		return fmt.Errorf("critical config missing: 'slot_capacity' must be positive")
	}
	if inst.Template == nil {
		return fmt.Errorf("critical config missing: 'template' block must be provided")
	}
	return inst.Template.validate()
}

func (t *TemplateConfig) validate() error {
	if len(t.Tiers) == 0 {
		return fmt.Errorf("critical config missing: 'template.tiers' must contain at least one tier")
	}
	prev := 0.0
	for i, tier := range t.Tiers {
		if tier.TriggerPct <= prev {
			return fmt.Errorf("config error: template.tiers must have strictly ascending trigger_pct (tier %d)", i)
		}
		if tier.LockPct < 0 || tier.LockPct > 100 {
			return fmt.Errorf("config error: template.tiers[%d].lock_pct must be within [0, 100]", i)
		}
		if tier.Retrace < 0 || tier.Retrace >= 1 {
			return fmt.Errorf("config error: template.tiers[%d].retrace must be a price fraction within [0, 1)", i)
		}
		prev = tier.TriggerPct
	}
	if t.Phase1 == nil || t.Phase2 == nil {
		return fmt.Errorf("critical config missing: 'template.phase1' and 'template.phase2' must both be provided")
	}
	if t.Phase1.RetraceThreshold <= 0 || t.Phase1.RetraceThreshold >= 1 {
		return fmt.Errorf("config error: template.phase1.retrace_threshold must be a price fraction within (0, 1)")
	}
	if t.Phase2.RetraceThreshold <= 0 || t.Phase2.RetraceThreshold >= 1 {
		return fmt.Errorf("config error: template.phase2.retrace_threshold must be a price fraction within (0, 1)")
	}
	if t.Phase1.BreachesRequired <= 0 || t.Phase2.BreachesRequired <= 0 {
		return fmt.Errorf("config error: template phase breaches_required must be positive")
	}
	if t.Phase2TriggerTier < 0 || t.Phase2TriggerTier > len(t.Tiers) {
		return fmt.Errorf("config error: template.phase2_trigger_tier must be within [0, %d]", len(t.Tiers))
	}
	if t.BreachDecayMode != "hard" && t.BreachDecayMode != "soft" {
		return fmt.Errorf("config error: template.breach_decay_mode must be 'hard' or 'soft'")
	}
	if t.Stagnation != nil {
		if t.Stagnation.MinROEPct <= 0 || t.Stagnation.StaleMinutes <= 0 || t.Stagnation.PriceBandPct <= 0 {
			return fmt.Errorf("config error: template.stagnation fields must all be positive when the block is present")
		}
	}
	if t.MaxFetchFailures <= 0 {
		return fmt.Errorf("critical config missing: 'template.max_fetch_failures' must be positive")
	}
	if t.CloseRetries <= 0 {
		return fmt.Errorf("critical config missing: 'template.close_retries' must be positive")
	}
	if t.CloseRetryDelaySeconds < 0 {
		return fmt.Errorf("config error: 'template.close_retry_delay_seconds' cannot be negative")
	}
	return nil
}

// EnvConfig carries secrets and endpoints sourced from the environment.
type EnvConfig struct {
	GatewayBaseURL string
	GatewayToken   string
}

func LoadEnvConfig() *EnvConfig {
	return &EnvConfig{
		GatewayBaseURL: os.Getenv("TRAILGUARD_GATEWAY_URL"),
		GatewayToken:   os.Getenv("TRAILGUARD_GATEWAY_TOKEN"),
	}
}

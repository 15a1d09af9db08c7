// Package config provides the YAML application configuration. This is the
// process bootstrap config; runtime trading policy lives in the persisted
// policy store and is adjusted through the dashboard, not here.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	defaultOptionsInterval = "1m"
	defaultEquityInterval  = "5m"
	defaultMacroInterval   = "30m"
	defaultAITimeout       = "25s"
	defaultDashboardPort   = 8080
	defaultStoragePath     = "data"
)

// Config is the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	AI          AIConfig          `yaml:"ai"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Engines     EnginesConfig     `yaml:"engines"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig selects trading mode and log verbosity.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig holds broker API settings.
type BrokerConfig struct {
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"`
	AccountID   string `yaml:"account_id"`
}

// AIConfig holds the LLM adjudicator settings. When disabled the engine
// trades on the assessor alone.
type AIConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

// ScheduleConfig sets the cycle cadences as duration strings.
type ScheduleConfig struct {
	OptionsCycleInterval string `yaml:"options_cycle_interval"`
	EquityCycleInterval  string `yaml:"equity_cycle_interval"`
	MacroRefreshInterval string `yaml:"macro_refresh_interval"`
}

// EnginesConfig selects what each engine trades.
type EnginesConfig struct {
	Options OptionsEngineConfig `yaml:"options"`
	Equity  EquityEngineConfig  `yaml:"equity"`
}

// OptionsEngineConfig lists the option underlyings to scan.
type OptionsEngineConfig struct {
	Underlyings []string `yaml:"underlyings"`
}

// EquityEngineConfig lists the share watchlist.
type EquityEngineConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Watchlist []string `yaml:"watchlist"`
}

// StorageConfig sets the state directory.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig sets the HTTP listener.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads, expands, parses, and validates the configuration file.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables so secrets stay out of the file.
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// normalize fills defaults before validation.
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = "tradier"
	}
	if c.Schedule.OptionsCycleInterval == "" {
		c.Schedule.OptionsCycleInterval = defaultOptionsInterval
	}
	if c.Schedule.EquityCycleInterval == "" {
		c.Schedule.EquityCycleInterval = defaultEquityInterval
	}
	if c.Schedule.MacroRefreshInterval == "" {
		c.Schedule.MacroRefreshInterval = defaultMacroInterval
	}
	if c.AI.Timeout == "" {
		c.AI.Timeout = defaultAITimeout
	}
	if len(c.Engines.Options.Underlyings) == 0 {
		c.Engines.Options.Underlyings = []string{"SPY", "QQQ"}
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = defaultDashboardPort
	}
}

// Validate checks that the configuration is complete and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level %q not one of debug/info/warn/error", c.Environment.LogLevel)
	}

	// The mock provider needs no credentials.
	if c.Broker.Provider != "mock" {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required")
		}
	}

	if c.AI.Enabled {
		if c.AI.Endpoint == "" {
			return fmt.Errorf("ai.endpoint is required when ai.enabled")
		}
		if _, err := time.ParseDuration(c.AI.Timeout); err != nil {
			return fmt.Errorf("ai.timeout invalid: %w", err)
		}
	}

	for key, value := range map[string]string{
		"schedule.options_cycle_interval": c.Schedule.OptionsCycleInterval,
		"schedule.equity_cycle_interval":  c.Schedule.EquityCycleInterval,
		"schedule.macro_refresh_interval": c.Schedule.MacroRefreshInterval,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	for _, u := range c.Engines.Options.Underlyings {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("engines.options.underlyings contains an empty symbol")
		}
	}
	if c.Engines.Equity.Enabled && len(c.Engines.Equity.Watchlist) == 0 {
		return fmt.Errorf("engines.equity.watchlist is required when the equity engine is enabled")
	}

	if c.Dashboard.Port < 1 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	return nil
}

// IsPaperTrading reports whether the bot runs against the paper endpoint.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

func (c *Config) interval(value, fallback string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

// OptionsInterval is the options cycle cadence.
func (c *Config) OptionsInterval() time.Duration {
	return c.interval(c.Schedule.OptionsCycleInterval, defaultOptionsInterval)
}

// EquityInterval is the equity cycle cadence.
func (c *Config) EquityInterval() time.Duration {
	return c.interval(c.Schedule.EquityCycleInterval, defaultEquityInterval)
}

// MacroInterval is the macro regime refresh cadence.
func (c *Config) MacroInterval() time.Duration {
	return c.interval(c.Schedule.MacroRefreshInterval, defaultMacroInterval)
}

// AITimeout is the per-adjudication deadline.
func (c *Config) AITimeout() time.Duration {
	return c.interval(c.AI.Timeout, defaultAITimeout)
}

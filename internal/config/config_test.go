package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
environment:
  mode: paper
broker:
  api_key: test-key
  account_id: test-account
`

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.IsPaperTrading() {
		t.Error("mode paper should report paper trading")
	}
	if cfg.Environment.LogLevel != "info" {
		t.Errorf("log level default = %q", cfg.Environment.LogLevel)
	}
	if cfg.Broker.Provider != "tradier" {
		t.Errorf("provider default = %q", cfg.Broker.Provider)
	}
	if got := cfg.Engines.Options.Underlyings; len(got) != 2 || got[0] != "SPY" || got[1] != "QQQ" {
		t.Errorf("underlyings default = %v", got)
	}
	if cfg.OptionsInterval() != time.Minute {
		t.Errorf("options interval = %v", cfg.OptionsInterval())
	}
	if cfg.EquityInterval() != 5*time.Minute {
		t.Errorf("equity interval = %v", cfg.EquityInterval())
	}
	if cfg.MacroInterval() != 30*time.Minute {
		t.Errorf("macro interval = %v", cfg.MacroInterval())
	}
	if cfg.Dashboard.Port != 8080 {
		t.Errorf("dashboard port default = %d", cfg.Dashboard.Port)
	}
	if cfg.Storage.Path != "data" {
		t.Errorf("storage path default = %q", cfg.Storage.Path)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_BROKER_KEY", "expanded-secret")
	cfg, err := Load(writeConfig(t, `
environment:
  mode: live
broker:
  api_key: ${TEST_BROKER_KEY}
  account_id: acct-1
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.APIKey != "expanded-secret" {
		t.Errorf("api key = %q, want env expansion", cfg.Broker.APIKey)
	}
	if cfg.IsPaperTrading() {
		t.Error("mode live should not report paper trading")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
strategy:
  symbol: SPY
`))
	if err == nil {
		t.Error("unknown top-level section must be rejected")
	}
}

func TestLoadInvalidPath(t *testing.T) {
	if _, err := Load("nonexistent.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := &Config{
			Environment: EnvironmentConfig{Mode: "paper"},
			Broker:      BrokerConfig{APIKey: "k", AccountID: "a"},
		}
		c.normalize()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:    "bad mode",
			mutate:  func(c *Config) { c.Environment.Mode = "prod" },
			wantErr: "environment.mode",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Environment.LogLevel = "trace" },
			wantErr: "log_level",
		},
		{
			name:    "missing api key",
			mutate:  func(c *Config) { c.Broker.APIKey = "" },
			wantErr: "broker.api_key",
		},
		{
			name:    "missing account",
			mutate:  func(c *Config) { c.Broker.AccountID = "" },
			wantErr: "broker.account_id",
		},
		{
			name:    "ai enabled without endpoint",
			mutate:  func(c *Config) { c.AI.Enabled = true },
			wantErr: "ai.endpoint",
		},
		{
			name: "bad ai timeout",
			mutate: func(c *Config) {
				c.AI.Enabled = true
				c.AI.Endpoint = "https://llm.example.com"
				c.AI.Timeout = "soon"
			},
			wantErr: "ai.timeout",
		},
		{
			name:    "bad cycle interval",
			mutate:  func(c *Config) { c.Schedule.OptionsCycleInterval = "often" },
			wantErr: "options_cycle_interval",
		},
		{
			name:    "negative cycle interval",
			mutate:  func(c *Config) { c.Schedule.EquityCycleInterval = "-5m" },
			wantErr: "must be positive",
		},
		{
			name:    "blank underlying",
			mutate:  func(c *Config) { c.Engines.Options.Underlyings = []string{"SPY", " "} },
			wantErr: "underlyings",
		},
		{
			name:    "equity enabled without watchlist",
			mutate:  func(c *Config) { c.Engines.Equity.Enabled = true },
			wantErr: "watchlist",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Dashboard.Port = 70000 },
			wantErr: "dashboard.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestAITimeoutFallsBackOnGarbage(t *testing.T) {
	c := &Config{AI: AIConfig{Timeout: "garbage"}}
	if got := c.AITimeout(); got != 25*time.Second {
		t.Errorf("timeout = %v, want default 25s", got)
	}
}

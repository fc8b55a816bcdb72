package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		check      func(*Config) string
	}{
		{"default.base_url", "http://api", func(c *Config) string { return c.Default.BaseURL }},
		{"default.broker_url", "ws://b", func(c *Config) string { return c.Default.BrokerURL }},
		{"default.redis_url", "redis://r", func(c *Config) string { return c.Default.RedisURL }},
		{"auth.token", "tok", func(c *Config) string { return c.Auth.Token }},
		{"auth.user_id", "7", func(c *Config) string { return c.Auth.UserID }},
		{"auth.user_name", "Ada", func(c *Config) string { return c.Auth.UserName }},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := &Config{}
			if err := setConfigValue(cfg, tt.key, tt.value); err != nil {
				t.Fatalf("setConfigValue: %v", err)
			}
			if got := tt.check(cfg); got != tt.value {
				t.Fatalf("expected %q, got %q", tt.value, got)
			}
		})
	}

	for _, bad := range []string{"token", "default.api_key", "auth.password", "misc.x"} {
		if err := setConfigValue(&Config{}, bad, "v"); err == nil {
			t.Fatalf("expected an error for %q", bad)
		}
	}
}

func TestConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if *cfg != (Config{}) {
		t.Fatalf("expected zero config without a file, got %+v", cfg)
	}

	cfg.Auth.Token = "tok"
	cfg.Default.BrokerURL = "ws://broker"
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}
	info, err := os.Stat(filepath.Join(home, ".studychat", "config.toml"))
	if err != nil {
		t.Fatalf("config file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}

	got, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if *got != *cfg {
		t.Fatalf("expected %+v, got %+v", cfg, got)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("STUDYCHAT_TOKEN", "env-token")
	t.Setenv("STUDYCHAT_BROKER_URL", "ws://env")
	t.Setenv("STUDYCHAT_USER_ID", "")

	cfg := &Config{
		Default: ConfigDefault{BaseURL: "http://file", BrokerURL: "ws://file"},
		Auth:    ConfigAuth{Token: "file-token", UserID: "3"},
	}
	applyEnv(cfg)
	if cfg.Auth.Token != "env-token" || cfg.Default.BrokerURL != "ws://env" {
		t.Fatalf("expected env overrides, got %+v", cfg)
	}
	if cfg.Default.BaseURL != "http://file" || cfg.Auth.UserID != "3" {
		t.Fatalf("unset or empty env must keep file values, got %+v", cfg)
	}
}

func TestRedactConfig(t *testing.T) {
	cfg := Config{
		Default: ConfigDefault{BrokerURL: "ws://broker"},
		Auth:    ConfigAuth{Token: "eyJhbGciOiJIUzI1NiJ9.payload.signature", UserID: "7"},
	}

	masked := redactConfig(cfg, false)
	if masked.Auth.Token != "eyJhbGci...ture" {
		t.Fatalf("expected a masked token, got %q", masked.Auth.Token)
	}
	if masked.Auth.UserID != "7" || masked.Default.BrokerURL != "ws://broker" {
		t.Fatalf("expected other fields untouched, got %+v", masked)
	}
	if cfg.Auth.Token != "eyJhbGciOiJIUzI1NiJ9.payload.signature" {
		t.Fatal("redactConfig must not modify its argument")
	}

	if got := redactConfig(cfg, true).Auth.Token; got != cfg.Auth.Token {
		t.Fatalf("expected the token revealed, got %q", got)
	}
	if got := redactConfig(Config{}, false).Auth.Token; got != "" {
		t.Fatalf("expected an empty token to stay empty, got %q", got)
	}
}

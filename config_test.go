package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestLoadConfigWritesDefaultsOnce verifies first boot materializes a config
// file and a second load round-trips it unchanged.
func TestLoadConfigWritesDefaultsOnce(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	secretsPath := filepath.Join(dir, "secrets.toml")

	cfg, gotSecrets := loadConfig(cfgPath, secretsPath)
	if gotSecrets != secretsPath {
		t.Fatalf("expected secrets path %s, got %s", secretsPath, gotSecrets)
	}
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("expected default config written: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr || cfg.ThresholdDiscount != defaultThresholdDiscount {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	again, _ := loadConfig(cfgPath, secretsPath)
	if again != cfg {
		t.Fatalf("reloaded config differs from written defaults:\n%+v\n%+v", cfg, again)
	}
}

// TestApplyFileConfigOverrides verifies pointer-field overlay semantics: only
// present keys override, and a bare port is normalized to a listen address.
func TestApplyFileConfigOverrides(t *testing.T) {
	cfg := defaultConfig()
	depth := 2
	discount := 0.5
	aggSec := 30
	debug := true
	applyFileConfig(&cfg, fileConfig{
		Listen:                "9000",
		TrustedProxyDepth:     &depth,
		ThresholdDiscount:     &discount,
		AggregatorIntervalSec: &aggSec,
		LogDebug:              &debug,
	})

	if cfg.ListenAddr != ":9000" {
		t.Fatalf("expected bare port normalized to :9000, got %q", cfg.ListenAddr)
	}
	if cfg.TrustedProxyDepth != 2 || cfg.ThresholdDiscount != 0.5 || !cfg.LogDebug {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.AggregatorInterval != 30*time.Second {
		t.Fatalf("expected 30s aggregator interval, got %v", cfg.AggregatorInterval)
	}
	// Untouched keys keep their defaults.
	if cfg.MaxBodyBytes != defaultMaxBodyBytes || cfg.LeaderboardSize != defaultLeaderboardSize {
		t.Fatalf("absent keys overwritten: %+v", cfg)
	}
}

// TestEnsureMACSecretGeneratesAndPersists verifies a missing secret is
// generated once, written with restrictive permissions, and reloaded on the
// next boot.
func TestEnsureMACSecretGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	secretsPath := filepath.Join(dir, "secrets.toml")

	cfg, _ := loadConfig(cfgPath, secretsPath)
	if err := ensureMACSecret(&cfg, secretsPath); err != nil {
		t.Fatalf("ensure secret: %v", err)
	}
	if cfg.MACSecret == "" {
		t.Fatalf("expected generated secret")
	}
	// Word-list secret: several words joined by the delimiter.
	if strings.Count(cfg.MACSecret, "-") < 3 {
		t.Fatalf("unexpected secret shape: %q", cfg.MACSecret)
	}

	info, err := os.Stat(secretsPath)
	if err != nil {
		t.Fatalf("expected secrets file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 secrets file, got %v", info.Mode().Perm())
	}

	reloaded, _ := loadConfig(cfgPath, secretsPath)
	if reloaded.MACSecret != cfg.MACSecret {
		t.Fatalf("secret not stable across reload: %q vs %q", reloaded.MACSecret, cfg.MACSecret)
	}
	if err := ensureMACSecret(&reloaded, secretsPath); err != nil {
		t.Fatalf("ensure on reload: %v", err)
	}
	if reloaded.MACSecret != cfg.MACSecret {
		t.Fatalf("ensure regenerated an existing secret")
	}
}

// TestValidateConfigRejectsNonsense pins the guard rails.
func TestValidateConfigRejectsNonsense(t *testing.T) {
	base := defaultConfig()
	if err := validateConfig(base); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.ListenAddr = " " }},
		{"zero body cap", func(c *Config) { c.MaxBodyBytes = 0 }},
		{"negative proxy depth", func(c *Config) { c.TrustedProxyDepth = -1 }},
		{"zero leaderboard", func(c *Config) { c.LeaderboardSize = 0 }},
		{"discount above one", func(c *Config) { c.ThresholdDiscount = 1.5 }},
		{"zero discount", func(c *Config) { c.ThresholdDiscount = 0 }},
		{"inverted intervals", func(c *Config) { c.MaxUpdateInterval = c.MinUpdateInterval }},
		{"zero retry budget", func(c *Config) { c.UpsertMaxAttempts = 0 }},
	}
	for _, tc := range cases {
		cfg := base
		tc.mutate(&cfg)
		if err := validateConfig(cfg); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

// TestValidatorParamsPerProtocol verifies only the app profile carries the
// per-check-in delta cap.
func TestValidatorParamsPerProtocol(t *testing.T) {
	cfg := defaultConfig()
	web := cfg.validatorParamsFor(protocolWeb)
	app := cfg.validatorParamsFor(protocolApp)

	if web.MaxDeltaPerUpdate != 0 {
		t.Fatalf("web profile must not cap deltas, got %d", web.MaxDeltaPerUpdate)
	}
	if app.MaxDeltaPerUpdate != uint64(cfg.AppMaxDeltaSpins) {
		t.Fatalf("expected app cap %d, got %d", cfg.AppMaxDeltaSpins, app.MaxDeltaPerUpdate)
	}
	if web.MinInterval != cfg.MinUpdateInterval || web.MaxInterval != cfg.MaxUpdateInterval {
		t.Fatalf("interval bounds not propagated: %+v", web)
	}
	if web.SecondsPerSpin != secondsPerSpin {
		t.Fatalf("expected protocol cadence %v, got %v", secondsPerSpin, web.SecondsPerSpin)
	}
}

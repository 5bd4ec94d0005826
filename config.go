package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinhoefling/goxkcdpwgen/xkcdpwgen"
	"github.com/pelletier/go-toml"
)

const defaultDataDir = "data"

const (
	defaultListenAddr         = ":8480"
	defaultMaxBodyBytes       = 300
	defaultLeaderboardSize    = 5
	defaultThresholdDiscount  = 0.8
	defaultAggregatorInterval = time.Minute
	// defaultMinUpdateInterval throttles check-in spam; the protocol keeps
	// no per-client state to ban on, so the window is the only brake.
	defaultMinUpdateInterval = time.Second
	// defaultMaxUpdateInterval bounds how long an intercepted token remains
	// usable before the chain must be re-registered.
	defaultMaxUpdateInterval = 15 * time.Minute
	// defaultCorrectionTolerance absorbs honest desync between a client's
	// locally counted spins and the server's time-derived expectation.
	defaultCorrectionTolerance = 2
	defaultAppMaxDeltaSpins    = 2 * spinsBetweenUpdates
	defaultUpsertMaxAttempts   = 3
	defaultRegisterBurst       = 10
	defaultRegisterWindow      = time.Minute
	defaultRegisterBlock       = 5 * time.Minute
)

type Config struct {
	ListenAddr string
	DataDir    string
	// TrustedProxyDepth is how many proxies sit in front of the server.
	// Zero means no proxies: the socket peer address is the client. When
	// positive, the client address is taken from that position in the
	// X-Forwarded-For chain and shorter chains are rejected.
	TrustedProxyDepth int
	MaxBodyBytes      int64

	LeaderboardSize    int
	ThresholdDiscount  float64
	AggregatorInterval time.Duration

	MinUpdateInterval        time.Duration
	MaxUpdateInterval        time.Duration
	CorrectionToleranceSpins int
	// AppMaxDeltaSpins caps counter growth per check-in for app clients,
	// which have no origin binding to limit stolen-token reuse.
	AppMaxDeltaSpins int

	UpsertWorkers     int
	UpsertMaxAttempts int

	RegisterBurst  int
	RegisterWindow time.Duration
	RegisterBlock  time.Duration

	UseSimdSHA256 bool
	LogDebug      bool

	// Secrets: loaded exclusively from secrets.toml, never from the main
	// config file and never written back to it.
	MACSecret        string
	DiscordBotToken  string
	DiscordChannelID string
}

type fileConfig struct {
	Listen                   string   `toml:"listen"`
	DataDir                  string   `toml:"data_dir"`
	TrustedProxyDepth        *int     `toml:"trusted_proxy_depth"`
	MaxBodyBytes             *int64   `toml:"max_body_bytes"`
	LeaderboardSize          *int     `toml:"leaderboard_size"`
	ThresholdDiscount        *float64 `toml:"threshold_discount"`
	AggregatorIntervalSec    *int     `toml:"aggregator_interval_seconds"`
	MinUpdateIntervalMs      *int     `toml:"min_update_interval_ms"`
	MaxUpdateIntervalSec     *int     `toml:"max_update_interval_seconds"`
	CorrectionToleranceSpins *int     `toml:"correction_tolerance_spins"`
	AppMaxDeltaSpins         *int     `toml:"app_max_delta_spins"`
	UpsertWorkers            *int     `toml:"upsert_workers"`
	UpsertMaxAttempts        *int     `toml:"upsert_max_attempts"`
	RegisterBurst            *int     `toml:"register_burst"`
	RegisterWindowSec        *int     `toml:"register_window_seconds"`
	RegisterBlockSec         *int     `toml:"register_block_seconds"`
	UseSimdSHA256            *bool    `toml:"use_simd_sha256"`
	LogDebug                 *bool    `toml:"log_debug"`
}

// secretsConfig holds sensitive values kept out of the main config.toml so
// that file can be shared or checked in freely.
type secretsConfig struct {
	MACSecret        string `toml:"mac_secret"`
	DiscordBotToken  string `toml:"discord_bot_token"`
	DiscordChannelID string `toml:"discord_channel_id"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:               defaultListenAddr,
		DataDir:                  defaultDataDir,
		TrustedProxyDepth:        0,
		MaxBodyBytes:             defaultMaxBodyBytes,
		LeaderboardSize:          defaultLeaderboardSize,
		ThresholdDiscount:        defaultThresholdDiscount,
		AggregatorInterval:       defaultAggregatorInterval,
		MinUpdateInterval:        defaultMinUpdateInterval,
		MaxUpdateInterval:        defaultMaxUpdateInterval,
		CorrectionToleranceSpins: defaultCorrectionTolerance,
		AppMaxDeltaSpins:         defaultAppMaxDeltaSpins,
		UpsertWorkers:            0,
		UpsertMaxAttempts:        defaultUpsertMaxAttempts,
		RegisterBurst:            defaultRegisterBurst,
		RegisterWindow:           defaultRegisterWindow,
		RegisterBlock:            defaultRegisterBlock,
		UseSimdSHA256:            true,
		LogDebug:                 false,
	}
}

func defaultConfigPath() string {
	return filepath.Join(defaultDataDir, "config.toml")
}

func loadConfig(configPath, secretsPath string) (Config, string) {
	cfg := defaultConfig()

	if configPath == "" {
		configPath = defaultConfigPath()
	}

	if fc, ok, err := loadConfigFile(configPath); err != nil {
		fatal("config file", err, "path", configPath)
	} else if ok {
		applyFileConfig(&cfg, *fc)
	} else {
		if err := rewriteConfigFile(configPath, cfg); err != nil {
			fatal("write default config", err, "path", configPath)
		}
		logger.Info("created default config file", "path", configPath)
	}

	if secretsPath == "" {
		secretsPath = filepath.Join(cfg.DataDir, "secrets.toml")
	}
	if sc, ok, err := loadSecretsFile(secretsPath); err != nil {
		fatal("secrets file", err, "path", secretsPath)
	} else if ok {
		applySecretsConfig(&cfg, *sc)
	}

	return cfg, secretsPath
}

func loadConfigFile(path string) (*fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, true, nil
}

func loadSecretsFile(path string) (*secretsConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}

	var sc secretsConfig
	if err := toml.Unmarshal(data, &sc); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return &sc, true, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Listen != "" {
		addr := strings.TrimSpace(fc.Listen)
		if addr != "" && !strings.Contains(addr, ":") {
			addr = ":" + addr
		}
		cfg.ListenAddr = addr
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.TrustedProxyDepth != nil && *fc.TrustedProxyDepth >= 0 {
		cfg.TrustedProxyDepth = *fc.TrustedProxyDepth
	}
	if fc.MaxBodyBytes != nil && *fc.MaxBodyBytes > 0 {
		cfg.MaxBodyBytes = *fc.MaxBodyBytes
	}
	if fc.LeaderboardSize != nil && *fc.LeaderboardSize > 0 {
		cfg.LeaderboardSize = *fc.LeaderboardSize
	}
	if fc.ThresholdDiscount != nil {
		cfg.ThresholdDiscount = *fc.ThresholdDiscount
	}
	if fc.AggregatorIntervalSec != nil && *fc.AggregatorIntervalSec > 0 {
		cfg.AggregatorInterval = time.Duration(*fc.AggregatorIntervalSec) * time.Second
	}
	if fc.MinUpdateIntervalMs != nil && *fc.MinUpdateIntervalMs > 0 {
		cfg.MinUpdateInterval = time.Duration(*fc.MinUpdateIntervalMs) * time.Millisecond
	}
	if fc.MaxUpdateIntervalSec != nil && *fc.MaxUpdateIntervalSec > 0 {
		cfg.MaxUpdateInterval = time.Duration(*fc.MaxUpdateIntervalSec) * time.Second
	}
	if fc.CorrectionToleranceSpins != nil && *fc.CorrectionToleranceSpins >= 0 {
		cfg.CorrectionToleranceSpins = *fc.CorrectionToleranceSpins
	}
	if fc.AppMaxDeltaSpins != nil && *fc.AppMaxDeltaSpins >= 0 {
		cfg.AppMaxDeltaSpins = *fc.AppMaxDeltaSpins
	}
	if fc.UpsertWorkers != nil && *fc.UpsertWorkers >= 0 {
		cfg.UpsertWorkers = *fc.UpsertWorkers
	}
	if fc.UpsertMaxAttempts != nil && *fc.UpsertMaxAttempts > 0 {
		cfg.UpsertMaxAttempts = *fc.UpsertMaxAttempts
	}
	if fc.RegisterBurst != nil && *fc.RegisterBurst >= 0 {
		cfg.RegisterBurst = *fc.RegisterBurst
	}
	if fc.RegisterWindowSec != nil && *fc.RegisterWindowSec > 0 {
		cfg.RegisterWindow = time.Duration(*fc.RegisterWindowSec) * time.Second
	}
	if fc.RegisterBlockSec != nil && *fc.RegisterBlockSec > 0 {
		cfg.RegisterBlock = time.Duration(*fc.RegisterBlockSec) * time.Second
	}
	if fc.UseSimdSHA256 != nil {
		cfg.UseSimdSHA256 = *fc.UseSimdSHA256
	}
	if fc.LogDebug != nil {
		cfg.LogDebug = *fc.LogDebug
	}
}

func applySecretsConfig(cfg *Config, sc secretsConfig) {
	if sc.MACSecret != "" {
		cfg.MACSecret = sc.MACSecret
	}
	if sc.DiscordBotToken != "" {
		cfg.DiscordBotToken = strings.TrimSpace(sc.DiscordBotToken)
	}
	if sc.DiscordChannelID != "" {
		cfg.DiscordChannelID = strings.TrimSpace(sc.DiscordChannelID)
	}
}

func rewriteConfigFile(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	intPtr := func(v int) *int { return &v }
	int64Ptr := func(v int64) *int64 { return &v }
	boolPtr := func(v bool) *bool { return &v }
	float64Ptr := func(v float64) *float64 { return &v }

	fc := fileConfig{
		Listen:                   cfg.ListenAddr,
		DataDir:                  cfg.DataDir,
		TrustedProxyDepth:        intPtr(cfg.TrustedProxyDepth),
		MaxBodyBytes:             int64Ptr(cfg.MaxBodyBytes),
		LeaderboardSize:          intPtr(cfg.LeaderboardSize),
		ThresholdDiscount:        float64Ptr(cfg.ThresholdDiscount),
		AggregatorIntervalSec:    intPtr(int(cfg.AggregatorInterval / time.Second)),
		MinUpdateIntervalMs:      intPtr(int(cfg.MinUpdateInterval / time.Millisecond)),
		MaxUpdateIntervalSec:     intPtr(int(cfg.MaxUpdateInterval / time.Second)),
		CorrectionToleranceSpins: intPtr(cfg.CorrectionToleranceSpins),
		AppMaxDeltaSpins:         intPtr(cfg.AppMaxDeltaSpins),
		UpsertWorkers:            intPtr(cfg.UpsertWorkers),
		UpsertMaxAttempts:        intPtr(cfg.UpsertMaxAttempts),
		RegisterBurst:            intPtr(cfg.RegisterBurst),
		RegisterWindowSec:        intPtr(int(cfg.RegisterWindow / time.Second)),
		RegisterBlockSec:         intPtr(int(cfg.RegisterBlock / time.Second)),
		UseSimdSHA256:            boolPtr(cfg.UseSimdSHA256),
		LogDebug:                 boolPtr(cfg.LogDebug),
	}

	data, err := toml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return atomicWriteFile(path, data)
}

// ensureMACSecret guarantees the keyed-MAC secret exists. Without one, all
// issued tokens would die with the process's memory, so a generated secret
// is persisted to secrets.toml immediately.
func ensureMACSecret(cfg *Config, secretsPath string) error {
	if strings.TrimSpace(cfg.MACSecret) != "" {
		return nil
	}

	g := xkcdpwgen.NewGenerator()
	g.SetNumWords(4)
	g.SetDelimiter("-")
	secret := g.GeneratePasswordString()
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("generated empty secret")
	}
	cfg.MACSecret = secret

	sc := secretsConfig{
		MACSecret:        cfg.MACSecret,
		DiscordBotToken:  cfg.DiscordBotToken,
		DiscordChannelID: cfg.DiscordChannelID,
	}
	data, err := toml.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encode secrets: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(secretsPath), 0o755); err != nil {
		return err
	}
	if err := atomicWriteFile(secretsPath, data); err != nil {
		return err
	}
	if err := os.Chmod(secretsPath, 0o600); err != nil {
		return err
	}
	logger.Warn("no mac_secret configured; generated one and wrote secrets file", "path", secretsPath)
	return nil
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	removeTemp := true
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
		}
		if removeTemp {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	tmp = nil

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpName, path, err)
	}
	removeTemp = false
	return nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("listen address is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be > 0, got %d", cfg.MaxBodyBytes)
	}
	if cfg.TrustedProxyDepth < 0 {
		return fmt.Errorf("trusted_proxy_depth cannot be negative")
	}
	if cfg.LeaderboardSize <= 0 {
		return fmt.Errorf("leaderboard_size must be > 0, got %d", cfg.LeaderboardSize)
	}
	if cfg.ThresholdDiscount <= 0 || cfg.ThresholdDiscount > 1 {
		return fmt.Errorf("threshold_discount must be in (0, 1], got %v", cfg.ThresholdDiscount)
	}
	if cfg.AggregatorInterval <= 0 {
		return fmt.Errorf("aggregator_interval_seconds must be > 0")
	}
	if cfg.MinUpdateInterval <= 0 {
		return fmt.Errorf("min_update_interval_ms must be > 0")
	}
	if cfg.MaxUpdateInterval <= cfg.MinUpdateInterval {
		return fmt.Errorf("max_update_interval_seconds must exceed the minimum interval")
	}
	if cfg.CorrectionToleranceSpins < 0 {
		return fmt.Errorf("correction_tolerance_spins cannot be negative")
	}
	if cfg.AppMaxDeltaSpins < 0 {
		return fmt.Errorf("app_max_delta_spins cannot be negative")
	}
	if cfg.UpsertMaxAttempts <= 0 {
		return fmt.Errorf("upsert_max_attempts must be > 0, got %d", cfg.UpsertMaxAttempts)
	}
	return nil
}

// validatorParamsFor builds the named validator configuration for a protocol
// version. App clients additionally get the per-check-in delta cap.
func (cfg Config) validatorParamsFor(proto protocolVersion) validatorParams {
	p := validatorParams{
		SecondsPerSpin:      secondsPerSpin,
		MinInterval:         cfg.MinUpdateInterval,
		MaxInterval:         cfg.MaxUpdateInterval,
		CorrectionTolerance: uint64(cfg.CorrectionToleranceSpins),
	}
	if proto == protocolApp {
		p.MaxDeltaPerUpdate = uint64(cfg.AppMaxDeltaSpins)
	}
	return p
}

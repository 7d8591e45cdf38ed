package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the callgrid server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPPort int
	SIPPort  int
	AppID    string // application the SIP listeners are bound to

	GlobalID    string // deployment-global identifier, stamped into worker state
	Shards      int    // router shard count, must be a power of two
	MaxCalls    int    // global admission limit, 0 disables
	SyncTimeout time.Duration

	// SIP timers, snapshotted into every shard at startup.
	TimerT1 time.Duration
	TimerT2 time.Duration
	TimerT4 time.Duration
	TimerC  time.Duration

	TransactionTimeout time.Duration
	DialogTimeout      time.Duration
	MaxDialogTime      time.Duration

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultDataDir     = "./data"
	defaultHTTPPort    = 8080
	defaultSIPPort     = 5060
	defaultAppID       = "default"
	defaultMaxCalls    = 100000
	defaultSyncTimeout = 5 * time.Second

	defaultTimerT1 = 500 * time.Millisecond
	defaultTimerT2 = 4 * time.Second
	defaultTimerT4 = 5 * time.Second
	defaultTimerC  = 180 * time.Second

	defaultTransactionTimeout = 32 * time.Second
	defaultDialogTimeout      = 30 * time.Minute
	defaultMaxDialogTime      = 24 * time.Hour

	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// envPrefix is the prefix for all callgrid environment variables.
const envPrefix = "CALLGRID_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callgrid", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the application database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP observability server listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.StringVar(&cfg.AppID, "app-id", defaultAppID, "application id the SIP listeners are bound to")
	fs.StringVar(&cfg.GlobalID, "global-id", "", "deployment-global identifier (generated if empty)")
	fs.IntVar(&cfg.Shards, "shards", defaultShards(), "router shard count (power of two)")
	fs.IntVar(&cfg.MaxCalls, "max-calls", defaultMaxCalls, "maximum concurrent calls across all applications (0 disables)")
	fs.DurationVar(&cfg.SyncTimeout, "sync-timeout", defaultSyncTimeout, "deadline for synchronous work round-trips")
	fs.DurationVar(&cfg.TimerT1, "timer-t1", defaultTimerT1, "SIP timer T1 (RTT estimate)")
	fs.DurationVar(&cfg.TimerT2, "timer-t2", defaultTimerT2, "SIP timer T2 (maximum retransmit interval)")
	fs.DurationVar(&cfg.TimerT4, "timer-t4", defaultTimerT4, "SIP timer T4 (maximum message lifetime)")
	fs.DurationVar(&cfg.TimerC, "timer-c", defaultTimerC, "SIP timer C (proxy INVITE timeout)")
	fs.DurationVar(&cfg.TransactionTimeout, "transaction-timeout", defaultTransactionTimeout, "maximum transaction duration")
	fs.DurationVar(&cfg.DialogTimeout, "dialog-timeout", defaultDialogTimeout, "idle dialog expiry")
	fs.DurationVar(&cfg.MaxDialogTime, "max-dialog-time", defaultMaxDialogTime, "absolute dialog lifetime cap")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultShards returns the smallest power of two that covers the CPU count.
func defaultShards() int {
	n := 1
	for n < runtime.NumCPU() {
		n <<= 1
	}
	return n
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":            envPrefix + "DATA_DIR",
		"http-port":           envPrefix + "HTTP_PORT",
		"sip-port":            envPrefix + "SIP_PORT",
		"app-id":              envPrefix + "APP_ID",
		"global-id":           envPrefix + "GLOBAL_ID",
		"shards":              envPrefix + "SHARDS",
		"max-calls":           envPrefix + "MAX_CALLS",
		"sync-timeout":        envPrefix + "SYNC_TIMEOUT",
		"timer-t1":            envPrefix + "TIMER_T1",
		"timer-t2":            envPrefix + "TIMER_T2",
		"timer-t4":            envPrefix + "TIMER_T4",
		"timer-c":             envPrefix + "TIMER_C",
		"transaction-timeout": envPrefix + "TRANSACTION_TIMEOUT",
		"dialog-timeout":      envPrefix + "DIALOG_TIMEOUT",
		"max-dialog-time":     envPrefix + "MAX_DIALOG_TIME",
		"log-level":           envPrefix + "LOG_LEVEL",
		"log-format":          envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "app-id":
			cfg.AppID = val
		case "global-id":
			cfg.GlobalID = val
		case "shards":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.Shards = v
			}
		case "max-calls":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxCalls = v
			}
		case "sync-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.SyncTimeout = v
			}
		case "timer-t1":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.TimerT1 = v
			}
		case "timer-t2":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.TimerT2 = v
			}
		case "timer-t4":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.TimerT4 = v
			}
		case "timer-c":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.TimerC = v
			}
		case "transaction-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.TransactionTimeout = v
			}
		case "dialog-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.DialogTimeout = v
			}
		case "max-dialog-time":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.MaxDialogTime = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.AppID == "" {
		return fmt.Errorf("app-id must not be empty")
	}
	if c.Shards < 1 || c.Shards&(c.Shards-1) != 0 {
		return fmt.Errorf("shards must be a power of two, got %d", c.Shards)
	}
	if c.MaxCalls < 0 {
		return fmt.Errorf("max-calls must not be negative, got %d", c.MaxCalls)
	}
	if c.SyncTimeout <= 0 {
		return fmt.Errorf("sync-timeout must be positive, got %s", c.SyncTimeout)
	}
	if c.TimerT1 <= 0 || c.TimerT2 <= 0 || c.TimerT4 <= 0 || c.TimerC <= 0 {
		return fmt.Errorf("sip timers must all be positive")
	}
	if c.TimerT2 < c.TimerT1 {
		return fmt.Errorf("timer-t2 (%s) must not be below timer-t1 (%s)", c.TimerT2, c.TimerT1)
	}
	if c.TransactionTimeout <= 0 || c.DialogTimeout <= 0 || c.MaxDialogTime <= 0 {
		return fmt.Errorf("transaction, dialog and max-dialog durations must all be positive")
	}
	if c.MaxDialogTime < c.DialogTimeout {
		return fmt.Errorf("max-dialog-time (%s) must not be below dialog-timeout (%s)", c.MaxDialogTime, c.DialogTimeout)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// Global is the immutable per-shard configuration captured at startup.
// Every shard and worker reads the same snapshot for the process lifetime.
type Global struct {
	ID          string
	Shards      int
	MaxCalls    int
	SyncTimeout time.Duration

	TimerT1 time.Duration
	TimerT2 time.Duration
	TimerT4 time.Duration
	TimerC  time.Duration

	TransactionTimeout time.Duration
	DialogTimeout      time.Duration
	MaxDialogTime      time.Duration
}

// Global snapshots the router-facing configuration.
func (c *Config) Global() Global {
	return Global{
		ID:                 c.GlobalID,
		Shards:             c.Shards,
		MaxCalls:           c.MaxCalls,
		SyncTimeout:        c.SyncTimeout,
		TimerT1:            c.TimerT1,
		TimerT2:            c.TimerT2,
		TimerT4:            c.TimerT4,
		TimerC:             c.TimerC,
		TransactionTimeout: c.TransactionTimeout,
		DialogTimeout:      c.DialogTimeout,
		MaxDialogTime:      c.MaxDialogTime,
	}
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

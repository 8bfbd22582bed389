// Package config defines the orhub configuration and its validation.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration. Fields are populated from a TOML file and
// then optionally overridden by ORHUB_* environment variables.
type Config struct {
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`

	Instruments map[string]InstrumentConfig `toml:"instruments"`
	Risk        RiskConfig                  `toml:"risk"`
	Targets     TargetsConfig               `toml:"targets"`
	Trailing    TrailingConfig              `toml:"trailing"`
	IPC         IPCConfig                   `toml:"ipc"`
	Replication ReplicationConfig           `toml:"replication"`
	Engine      EngineConfig                `toml:"engine"`
	Paper       PaperConfig                 `toml:"paper"`
	Redis       RedisConfig                 `toml:"redis"`
	Feed        FeedConfig                  `toml:"feed"`
	Server      ServerConfig                `toml:"server"`
	Notify      NotifyConfig                `toml:"notify"`
}

// InstrumentConfig holds contract constants for one symbol.
type InstrumentConfig struct {
	TickSize   decimal.Decimal `toml:"tick_size"`
	PointValue decimal.Decimal `toml:"point_value"`
}

// RiskConfig holds position sizing and stop distance limits. Prices and
// distances are in points.
type RiskConfig struct {
	RiskDollars        decimal.Decimal `toml:"risk_dollars"`
	ReducedRiskDollars decimal.Decimal `toml:"reduced_risk_dollars"`
	StopThreshold      decimal.Decimal `toml:"stop_threshold"`
	MinContracts       int             `toml:"min_contracts"`
	MaxContracts       int             `toml:"max_contracts"`
	MinStop            decimal.Decimal `toml:"min_stop"`
	MaxStop            decimal.Decimal `toml:"max_stop"`
	StopATRMultiplier  decimal.Decimal `toml:"stop_atr_multiplier"`
	DefaultATR         decimal.Decimal `toml:"default_atr"`
	ATRBarInterval     duration        `toml:"atr_bar_interval"`
	ATRPeriod          int             `toml:"atr_period"`
}

// TargetsConfig holds profit target placement and the tier split.
type TargetsConfig struct {
	T1Points          decimal.Decimal `toml:"t1_points"`
	T2RangeMultiplier decimal.Decimal `toml:"t2_range_multiplier"`
	T1Percent         int             `toml:"t1_percent"`
	T2Percent         int             `toml:"t2_percent"`
	EntryOffsetTicks  int             `toml:"entry_offset_ticks"`
}

// TrailingConfig holds trailing-stop triggers and distances in points.
type TrailingConfig struct {
	BreakevenTrigger     decimal.Decimal `toml:"breakeven_trigger"`
	BreakevenOffsetTicks int             `toml:"breakeven_offset_ticks"`
	Trail1Trigger        decimal.Decimal `toml:"trail1_trigger"`
	Trail1Distance       decimal.Decimal `toml:"trail1_distance"`
	Trail2Trigger        decimal.Decimal `toml:"trail2_trigger"`
	Trail2Distance       decimal.Decimal `toml:"trail2_distance"`
	Trail3Trigger        decimal.Decimal `toml:"trail3_trigger"`
	Trail3Distance       decimal.Decimal `toml:"trail3_distance"`
	ManualBreakevenTicks int             `toml:"manual_breakeven_ticks"`
	StopValidationTicks  int             `toml:"stop_validation_ticks"`
}

// IPCConfig holds the command channel and agent pool settings.
type IPCConfig struct {
	ListenAddr        string   `toml:"listen_addr"`
	PoolAddr          string   `toml:"pool_addr"`
	HubAddr           string   `toml:"hub_addr"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  duration `toml:"heartbeat_timeout"`
	ReconnectBackoff  duration `toml:"reconnect_backoff"`
	MaxAgents         int      `toml:"max_agents"`
	CommandsPerSecond float64  `toml:"commands_per_second"`
	CommandBurst      int      `toml:"command_burst"`
	QueueLimit        int      `toml:"queue_limit"`
}

// ReplicationConfig holds multi-account fan-out and sync settings.
type ReplicationConfig struct {
	AccountPrefix    string          `toml:"account_prefix"`
	ReferenceAccount string          `toml:"reference_account"`
	SyncInterval     duration        `toml:"sync_interval"`
	SyncEpsilon      decimal.Decimal `toml:"sync_epsilon"`
}

// EngineConfig holds tick driver scheduling.
type EngineConfig struct {
	TickInterval duration `toml:"tick_interval"`
}

// PaperConfig holds the simulated gateway's accounts and seed prices.
type PaperConfig struct {
	Accounts       []string                   `toml:"accounts"`
	StartingPrices map[string]decimal.Decimal `toml:"starting_prices"`
}

// RedisConfig holds the Redis connection and relay settings. Redis is
// optional; when disabled the relay, authority lock and Redis feed are off.
type RedisConfig struct {
	Enabled       bool     `toml:"enabled"`
	Addr          string   `toml:"addr"`
	Password      string   `toml:"password"`
	DB            int      `toml:"db"`
	PoolSize      int      `toml:"pool_size"`
	MaxRetries    int      `toml:"max_retries"`
	TLSEnabled    bool     `toml:"tls_enabled"`
	SignalChannel string   `toml:"signal_channel"`
	AuditStream   string   `toml:"audit_stream"`
	StreamMaxLen  int64    `toml:"stream_max_len"`
	LockKey       string   `toml:"lock_key"`
	LockTTL       duration `toml:"lock_ttl"`
	// Origin names this process in relay frames; empty uses the hostname.
	Origin string `toml:"origin"`
}

// FeedConfig selects external price feeds. Each is off when its source is
// empty.
type FeedConfig struct {
	RedisChannel string   `toml:"redis_channel"`
	WSURL        string   `toml:"ws_url"`
	Backoff      duration `toml:"backoff"`
}

// duration wraps time.Duration so TOML strings like "5s" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   float64  `toml:"rate_limit"`
	RateBurst   int      `toml:"rate_burst"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Defaults returns the stock opening-range settings for micro index futures.
func Defaults() Config {
	return Config{
		Mode:     "paper",
		LogLevel: "info",
		Instruments: map[string]InstrumentConfig{
			"MES": {TickSize: dec("0.25"), PointValue: dec("5")},
			"MNQ": {TickSize: dec("0.25"), PointValue: dec("2")},
			"ES":  {TickSize: dec("0.25"), PointValue: dec("50")},
			"NQ":  {TickSize: dec("0.25"), PointValue: dec("20")},
		},
		Risk: RiskConfig{
			RiskDollars:        dec("200"),
			ReducedRiskDollars: dec("100"),
			StopThreshold:      dec("10"),
			MinContracts:       1,
			MaxContracts:       10,
			MinStop:            dec("2"),
			MaxStop:            dec("20"),
			StopATRMultiplier:  dec("1.5"),
			DefaultATR:         dec("4"),
			ATRBarInterval:     duration{time.Minute},
			ATRPeriod:          14,
		},
		Targets: TargetsConfig{
			T1Points:          dec("2"),
			T2RangeMultiplier: dec("1"),
			T1Percent:         33,
			T2Percent:         33,
			EntryOffsetTicks:  1,
		},
		Trailing: TrailingConfig{
			BreakevenTrigger:     dec("2"),
			BreakevenOffsetTicks: 1,
			Trail1Trigger:        dec("3"),
			Trail1Distance:       dec("2"),
			Trail2Trigger:        dec("4"),
			Trail2Distance:       dec("1.5"),
			Trail3Trigger:        dec("5"),
			Trail3Distance:       dec("1"),
			ManualBreakevenTicks: 1,
			StopValidationTicks:  2,
		},
		IPC: IPCConfig{
			ListenAddr:        "127.0.0.1:5555",
			PoolAddr:          "0.0.0.0:5556",
			HubAddr:           "127.0.0.1:5556",
			HeartbeatInterval: duration{5 * time.Second},
			HeartbeatTimeout:  duration{10 * time.Second},
			ReconnectBackoff:  duration{5 * time.Second},
			MaxAgents:         16,
			CommandsPerSecond: 20,
			CommandBurst:      10,
			QueueLimit:        1024,
		},
		Replication: ReplicationConfig{
			AccountPrefix: "Apex",
			SyncInterval:  duration{30 * time.Second},
			SyncEpsilon:   dec("0.001"),
		},
		Engine: EngineConfig{
			TickInterval: duration{100 * time.Millisecond},
		},
		Paper: PaperConfig{
			Accounts: []string{"Apex-1", "Apex-2", "Sim101"},
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			PoolSize:      10,
			MaxRetries:    3,
			SignalChannel: "orhub:signals",
			AuditStream:   "orhub:audit",
			StreamMaxLen:  10000,
			LockKey:       "orhub:hub",
			LockTTL:       duration{15 * time.Second},
		},
		Feed: FeedConfig{
			Backoff: duration{5 * time.Second},
		},
		Server: ServerConfig{
			Enabled:     true,
			Addr:        "127.0.0.1:8080",
			CORSOrigins: []string{"*"},
			RateLimit:   20,
			RateBurst:   40,
		},
	}
}

// Symbols returns the configured instrument symbols in sorted order.
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Instruments))
	for sym := range c.Instruments {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

var validModes = map[string]bool{
	"hub":   true,
	"agent": true,
	"paper": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }
	positive := func(name string, d decimal.Decimal) {
		if !d.IsPositive() {
			add("%s must be > 0", name)
		}
	}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: hub, agent, paper)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if len(c.Instruments) == 0 {
		add("instruments: at least one instrument is required")
	}
	for _, sym := range c.Symbols() {
		inst := c.Instruments[sym]
		if sym != strings.ToUpper(sym) || strings.ContainsAny(sym, "|/") {
			add("instruments.%s: symbol must be upper case without '|' or '/'", sym)
		}
		positive("instruments."+sym+".tick_size", inst.TickSize)
		positive("instruments."+sym+".point_value", inst.PointValue)
	}

	positive("risk: risk_dollars", c.Risk.RiskDollars)
	positive("risk: reduced_risk_dollars", c.Risk.ReducedRiskDollars)
	positive("risk: min_stop", c.Risk.MinStop)
	positive("risk: default_atr", c.Risk.DefaultATR)
	positive("risk: stop_atr_multiplier", c.Risk.StopATRMultiplier)
	if c.Risk.MaxStop.LessThan(c.Risk.MinStop) {
		add("risk: max_stop must be >= min_stop")
	}
	if c.Risk.MinContracts < 1 {
		add("risk: min_contracts must be >= 1")
	}
	if c.Risk.MaxContracts < c.Risk.MinContracts {
		add("risk: max_contracts must be >= min_contracts")
	}
	if c.Risk.ATRPeriod < 1 {
		add("risk: atr_period must be >= 1")
	}

	positive("targets: t1_points", c.Targets.T1Points)
	positive("targets: t2_range_multiplier", c.Targets.T2RangeMultiplier)
	if c.Targets.T1Percent < 0 || c.Targets.T2Percent < 0 || c.Targets.T1Percent+c.Targets.T2Percent > 100 {
		add("targets: t1_percent and t2_percent must be >= 0 and sum to at most 100")
	}

	t := c.Trailing
	if t.Trail1Trigger.IsPositive() && !t.Trail1Distance.IsPositive() {
		add("trailing: trail1_distance must be > 0 when trail1_trigger is set")
	}
	if t.Trail2Trigger.IsPositive() && !t.Trail2Distance.IsPositive() {
		add("trailing: trail2_distance must be > 0 when trail2_trigger is set")
	}
	if t.Trail3Trigger.IsPositive() && !t.Trail3Distance.IsPositive() {
		add("trailing: trail3_distance must be > 0 when trail3_trigger is set")
	}
	if t.StopValidationTicks < 1 {
		add("trailing: stop_validation_ticks must be >= 1")
	}

	switch mode {
	case "hub", "paper":
		if c.IPC.ListenAddr == "" {
			add("ipc: listen_addr must not be empty for mode %s", mode)
		}
		if c.IPC.MaxAgents < 0 {
			add("ipc: max_agents must be >= 0")
		}
	case "agent":
		if c.IPC.HubAddr == "" {
			add("ipc: hub_addr must not be empty for mode agent")
		}
	}
	if c.IPC.HeartbeatTimeout.Duration <= c.IPC.HeartbeatInterval.Duration {
		add("ipc: heartbeat_timeout must exceed heartbeat_interval")
	}
	if c.IPC.QueueLimit < 1 {
		add("ipc: queue_limit must be >= 1")
	}

	if c.Replication.SyncEpsilon.IsNegative() {
		add("replication: sync_epsilon must be >= 0")
	}
	if c.Engine.TickInterval.Duration <= 0 {
		add("engine: tick_interval must be > 0")
	}
	if mode == "paper" && len(c.Paper.Accounts) == 0 {
		add("paper: at least one account is required")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
		if c.Redis.SignalChannel == "" {
			add("redis: signal_channel must not be empty when enabled")
		}
		if c.Redis.LockTTL.Duration < time.Second {
			add("redis: lock_ttl must be at least 1s")
		}
	}
	if c.Feed.RedisChannel != "" && !c.Redis.Enabled {
		add("feed: redis_channel requires redis.enabled")
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		add("server: addr must not be empty when enabled")
	}
	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		add("notify: telegram_chat_id is required with telegram_token")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

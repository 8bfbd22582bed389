package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads the TOML file at path over Defaults, loads .env when present and
// applies ORHUB_* environment overrides. An empty path skips the file. The
// result is not validated; call Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// A missing .env is not an error.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose ORHUB_* variable is set, so
// operators can inject secrets at deploy time without touching the file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "ORHUB_MODE")
	setStr(&cfg.LogLevel, "ORHUB_LOG_LEVEL")

	// ── Risk ──
	setDecimal(&cfg.Risk.RiskDollars, "ORHUB_RISK_RISK_DOLLARS")
	setDecimal(&cfg.Risk.ReducedRiskDollars, "ORHUB_RISK_REDUCED_RISK_DOLLARS")
	setDecimal(&cfg.Risk.StopThreshold, "ORHUB_RISK_STOP_THRESHOLD")
	setInt(&cfg.Risk.MinContracts, "ORHUB_RISK_MIN_CONTRACTS")
	setInt(&cfg.Risk.MaxContracts, "ORHUB_RISK_MAX_CONTRACTS")
	setDecimal(&cfg.Risk.DefaultATR, "ORHUB_RISK_DEFAULT_ATR")

	// ── Targets ──
	setDecimal(&cfg.Targets.T1Points, "ORHUB_TARGETS_T1_POINTS")
	setDecimal(&cfg.Targets.T2RangeMultiplier, "ORHUB_TARGETS_T2_RANGE_MULTIPLIER")
	setInt(&cfg.Targets.T1Percent, "ORHUB_TARGETS_T1_PERCENT")
	setInt(&cfg.Targets.T2Percent, "ORHUB_TARGETS_T2_PERCENT")

	// ── IPC ──
	setStr(&cfg.IPC.ListenAddr, "ORHUB_IPC_LISTEN_ADDR")
	setStr(&cfg.IPC.PoolAddr, "ORHUB_IPC_POOL_ADDR")
	setStr(&cfg.IPC.HubAddr, "ORHUB_IPC_HUB_ADDR")
	setDuration(&cfg.IPC.HeartbeatInterval, "ORHUB_IPC_HEARTBEAT_INTERVAL")
	setDuration(&cfg.IPC.HeartbeatTimeout, "ORHUB_IPC_HEARTBEAT_TIMEOUT")
	setDuration(&cfg.IPC.ReconnectBackoff, "ORHUB_IPC_RECONNECT_BACKOFF")
	setInt(&cfg.IPC.MaxAgents, "ORHUB_IPC_MAX_AGENTS")
	setFloat64(&cfg.IPC.CommandsPerSecond, "ORHUB_IPC_COMMANDS_PER_SECOND")

	// ── Replication ──
	setStr(&cfg.Replication.AccountPrefix, "ORHUB_REPLICATION_ACCOUNT_PREFIX")
	setStr(&cfg.Replication.ReferenceAccount, "ORHUB_REPLICATION_REFERENCE_ACCOUNT")
	setDuration(&cfg.Replication.SyncInterval, "ORHUB_REPLICATION_SYNC_INTERVAL")
	setDecimal(&cfg.Replication.SyncEpsilon, "ORHUB_REPLICATION_SYNC_EPSILON")

	// ── Engine / paper ──
	setDuration(&cfg.Engine.TickInterval, "ORHUB_ENGINE_TICK_INTERVAL")
	setStringSlice(&cfg.Paper.Accounts, "ORHUB_PAPER_ACCOUNTS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ORHUB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ORHUB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ORHUB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ORHUB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ORHUB_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "ORHUB_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.SignalChannel, "ORHUB_REDIS_SIGNAL_CHANNEL")
	setStr(&cfg.Redis.Origin, "ORHUB_REDIS_ORIGIN")
	setDuration(&cfg.Redis.LockTTL, "ORHUB_REDIS_LOCK_TTL")

	// ── Feed ──
	setStr(&cfg.Feed.RedisChannel, "ORHUB_FEED_REDIS_CHANNEL")
	setStr(&cfg.Feed.WSURL, "ORHUB_FEED_WS_URL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ORHUB_SERVER_ENABLED")
	setStr(&cfg.Server.Addr, "ORHUB_SERVER_ADDR")
	setStr(&cfg.Server.APIKey, "ORHUB_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "ORHUB_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ORHUB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ORHUB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ORHUB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ORHUB_NOTIFY_EVENTS")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

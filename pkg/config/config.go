// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the engine's process configuration. Every field has a default
// suitable for a local single-host deployment.
type Config struct {
	ListenAddr       string
	WorkspaceRoot    string
	ConstitutionPath string

	// Receipt persistence. ReceiptDSN selects PostgreSQL when set;
	// otherwise ReceiptDBPath selects SQLite; otherwise memory.
	ReceiptDBPath string
	ReceiptDSN    string

	WhitelistDBPath string

	// RedisAddr enables shared budget counters across replicas.
	RedisAddr   string
	RedisPrefix string

	ApprovalTimeout time.Duration
	ExecTimeout     time.Duration

	ApproverSecret string

	// Feature flags, all on by default.
	CachingEnabled     bool
	AsyncVerifyEnabled bool
	TieringEnabled     bool

	Workers int

	BudgetT1 int64
	BudgetT2 int64
	BudgetT3 int64

	// ArchiveBucket enables S3 chain snapshots when set.
	ArchiveBucket string
	ArchivePrefix string

	LogLevel  string
	LogFormat string
}

// Load reads configuration from GOVERNOR_* environment variables.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:         envStr("GOVERNOR_LISTEN_ADDR", ":8780"),
		WorkspaceRoot:      envStr("GOVERNOR_WORKSPACE_ROOT", "."),
		ConstitutionPath:   envStr("GOVERNOR_CONSTITUTION", "constitution.yaml"),
		ReceiptDBPath:      envStr("GOVERNOR_RECEIPT_DB", "receipts.db"),
		ReceiptDSN:         os.Getenv("GOVERNOR_RECEIPT_DSN"),
		WhitelistDBPath:    envStr("GOVERNOR_WHITELIST_DB", "whitelist.db"),
		RedisAddr:          os.Getenv("GOVERNOR_REDIS_ADDR"),
		RedisPrefix:        envStr("GOVERNOR_REDIS_PREFIX", "governor:budget"),
		ApproverSecret:     os.Getenv("GOVERNOR_APPROVER_SECRET"),
		ArchiveBucket:      os.Getenv("GOVERNOR_ARCHIVE_BUCKET"),
		ArchivePrefix:      envStr("GOVERNOR_ARCHIVE_PREFIX", "receipts"),
		LogLevel:           envStr("GOVERNOR_LOG_LEVEL", "info"),
		LogFormat:          envStr("GOVERNOR_LOG_FORMAT", "json"),
		CachingEnabled:     envBool("GOVERNOR_CACHING_ENABLED", true),
		AsyncVerifyEnabled: envBool("GOVERNOR_ASYNC_VERIFY_ENABLED", true),
		TieringEnabled:     envBool("GOVERNOR_TIERING_ENABLED", true),
	}

	var err error
	if cfg.ApprovalTimeout, err = envDuration("GOVERNOR_APPROVAL_TIMEOUT", 15*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.ExecTimeout, err = envDuration("GOVERNOR_EXEC_TIMEOUT", 60*time.Second); err != nil {
		return cfg, err
	}
	if cfg.Workers, err = envInt("GOVERNOR_WORKERS", 8); err != nil {
		return cfg, err
	}
	if cfg.BudgetT1, err = envInt64("GOVERNOR_BUDGET_T1", 500); err != nil {
		return cfg, err
	}
	if cfg.BudgetT2, err = envInt64("GOVERNOR_BUDGET_T2", 50); err != nil {
		return cfg, err
	}
	if cfg.BudgetT3, err = envInt64("GOVERNOR_BUDGET_T3", 10); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

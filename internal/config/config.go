package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	ServerPort         string   `env:"SERVER_PORT" envDefault:"8080"`
	LogLevel           string   `env:"LOG_LEVEL" envDefault:"info"`
	OperatorTokens     []string `env:"OPERATOR_TOKENS" envSeparator:","`
	RateLimitPerMinute int      `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60"`

	// Database
	DatabaseURL      string `env:"DATABASE_URL"`
	LogRetentionDays int    `env:"LOG_RETENTION_DAYS" envDefault:"30"`

	// Mapping
	MappingBackend  string `env:"MAPPING_BACKEND" envDefault:"file"`
	MappingFile     string `env:"MAPPING_FILE" envDefault:"data/identifier_mappings.json"`
	MappingSeedFile string `env:"MAPPING_SEED_FILE"`
	MappingWatch    bool   `env:"MAPPING_WATCH" envDefault:"true"`

	// Gateway
	GatewayURL           string        `env:"GATEWAY_URL"`
	GatewayToken         string        `env:"GATEWAY_TOKEN"`
	GatewayAllowPrivate  bool          `env:"GATEWAY_ALLOW_PRIVATE" envDefault:"false"`
	DirectoryCallTimeout time.Duration `env:"DIRECTORY_CALL_TIMEOUT" envDefault:"20s"`
	MutationPacing       time.Duration `env:"MUTATION_PACING" envDefault:"1s"`

	// Mutation
	ItemPacing         time.Duration `env:"ITEM_PACING" envDefault:"5s"`
	RateLimitCooldown  time.Duration `env:"RATE_LIMIT_COOLDOWN" envDefault:"30s"`
	PropagationWait    time.Duration `env:"PROPAGATION_WAIT" envDefault:"5s"`
	AddVerifyDelay     time.Duration `env:"ADD_VERIFY_DELAY" envDefault:"3s"`
	DemoteVerifyDelay  time.Duration `env:"DEMOTE_VERIFY_DELAY" envDefault:"2s"`
	AddPromoteSyncWait time.Duration `env:"ADD_PROMOTE_SYNC_WAIT" envDefault:"15s"`
	AddMaxAttempts     int           `env:"ADD_MAX_ATTEMPTS" envDefault:"3"`
	PromoteMaxAttempts int           `env:"PROMOTE_MAX_ATTEMPTS" envDefault:"5"`
	PromoteBackoffStep time.Duration `env:"PROMOTE_BACKOFF_STEP" envDefault:"5s"`
	DemoteMaxAttempts  int           `env:"DEMOTE_MAX_ATTEMPTS" envDefault:"3"`
	RenameMaxAttempts  int           `env:"RENAME_MAX_ATTEMPTS" envDefault:"3"`
	FixedBackoff       time.Duration `env:"FIXED_BACKOFF" envDefault:"5s"`

	// Join requests
	AutoApprove     bool          `env:"AUTO_APPROVE" envDefault:"false"`
	ApproveInterval time.Duration `env:"APPROVE_INTERVAL" envDefault:"5m"`
	ApprovePacing   time.Duration `env:"APPROVE_PACING" envDefault:"1s"`

	// Phone numbering
	CountryCode          string `env:"COUNTRY_CODE" envDefault:"62"`
	TrunkPrefix          string `env:"TRUNK_PREFIX" envDefault:"0"`
	LocalPrefix          string `env:"LOCAL_PREFIX" envDefault:"8"`
	NationalPhoneLength  int    `env:"NATIONAL_PHONE_LENGTH" envDefault:"10"`
	CanonicalPhoneLength int    `env:"CANONICAL_PHONE_LENGTH" envDefault:"12"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はまとめてエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.OperatorTokens = compact(cfg.OperatorTokens)

	var missing []string
	if len(cfg.OperatorTokens) == 0 {
		missing = append(missing, "OPERATOR_TOKENS")
	}
	if cfg.GatewayURL == "" {
		missing = append(missing, "GATEWAY_URL")
	}
	if cfg.MappingBackend == "postgres" && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.MappingBackend {
	case "file", "postgres":
	default:
		return fmt.Errorf("MAPPING_BACKEND must be file or postgres: %q", c.MappingBackend)
	}
	if c.MappingBackend == "file" && c.MappingFile == "" {
		return fmt.Errorf("MAPPING_FILE must not be empty")
	}
	for name, v := range map[string]int{
		"ADD_MAX_ATTEMPTS":     c.AddMaxAttempts,
		"PROMOTE_MAX_ATTEMPTS": c.PromoteMaxAttempts,
		"DEMOTE_MAX_ATTEMPTS":  c.DemoteMaxAttempts,
		"RENAME_MAX_ATTEMPTS":  c.RenameMaxAttempts,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be at least 1: %d", name, v)
		}
	}
	if c.RateLimitPerMinute < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be at least 1: %d", c.RateLimitPerMinute)
	}
	return nil
}

// HasDatabase はPostgreSQLが設定されているかを返す。
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Package daemon wires configuration, storage, the rewards server client,
// the account and the HTTP API into one long-running process.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/tutu-network/adrewards/internal/app/account"
	"github.com/tutu-network/adrewards/internal/app/issuers"
	"github.com/tutu-network/adrewards/internal/app/redemption"
	"github.com/tutu-network/adrewards/internal/app/tokens"
)

// Config is the on-disk daemon configuration (~/.adrewards/config.toml).
// Durations are strings so the file stays hand-editable.
type Config struct {
	API        APIConfig        `toml:"api"`
	Rewards    RewardsConfig    `toml:"rewards"`
	Issuers    IssuersConfig    `toml:"issuers"`
	Tokens     TokensConfig     `toml:"tokens"`
	Redemption RedemptionConfig `toml:"redemption"`
	Statement  StatementConfig  `toml:"statement"`
	Schedule   ScheduleConfig   `toml:"schedule"`
	Legacy     LegacyConfig     `toml:"legacy"`
	Log        LogConfig        `toml:"log"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr is the listen address.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type RewardsConfig struct {
	ServerURL      string `toml:"server_url"`
	RequestTimeout string `toml:"request_timeout"`
}

type IssuersConfig struct {
	DefaultPing   string `toml:"default_ping"`
	RetryInterval string `toml:"retry_interval"`
}

type TokensConfig struct {
	MinUnblinded  int    `toml:"min_unblinded"`
	MaxUnblinded  int    `toml:"max_unblinded"`
	Lifetime      string `toml:"lifetime"`
	RetryInterval string `toml:"retry_interval"`
}

type RedemptionConfig struct {
	RedeemAfter   string `toml:"redeem_after"`
	RetryInterval string `toml:"retry_interval"`
}

type StatementConfig struct {
	NextPaymentDay int `toml:"next_payment_day"`
}

// ScheduleConfig drives the background loop.
type ScheduleConfig struct {
	// ClearingInterval is how often queued confirmations are retried and
	// redemption is checked.
	ClearingInterval string `toml:"clearing_interval"`
	// IssuerCheckInterval is how often the issuer schedule is checked.
	IssuerCheckInterval string `toml:"issuer_check_interval"`
}

// LegacyConfig points at a legacy state document imported once on start.
type LegacyConfig struct {
	StatePath string `toml:"state_path"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 11480,
		},
		Rewards: RewardsConfig{
			ServerURL:      "https://mywallet.ads.brave.com",
			RequestTimeout: "30s",
		},
		Issuers: IssuersConfig{
			DefaultPing:   "2h",
			RetryInterval: "1m",
		},
		Tokens: TokensConfig{
			MinUnblinded:  20,
			MaxUnblinded:  50,
			Lifetime:      "",
			RetryInterval: "15s",
		},
		Redemption: RedemptionConfig{
			RedeemAfter:   "24h",
			RetryInterval: "1m",
		},
		Statement: StatementConfig{
			NextPaymentDay: 5,
		},
		Schedule: ScheduleConfig{
			ClearingInterval:    "1m",
			IssuerCheckInterval: "5m",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// HomeDir is ADREWARDS_HOME or ~/.adrewards.
func HomeDir() string {
	if env := os.Getenv("ADREWARDS_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".adrewards")
}

// LoadConfig reads config.toml and .env from home and applies ADREWARDS_*
// environment overrides on top of the defaults. Missing files are not an
// error.
func LoadConfig(home string) (Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(home, "config.toml")
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(filepath.Join(home, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"ADREWARDS_API_HOST":            &c.API.Host,
		"ADREWARDS_SERVER_URL":          &c.Rewards.ServerURL,
		"ADREWARDS_REQUEST_TIMEOUT":     &c.Rewards.RequestTimeout,
		"ADREWARDS_REDEEM_AFTER":        &c.Redemption.RedeemAfter,
		"ADREWARDS_CLEARING_INTERVAL":   &c.Schedule.ClearingInterval,
		"ADREWARDS_LEGACY_STATE_PATH":   &c.Legacy.StatePath,
		"ADREWARDS_LOG_LEVEL":           &c.Log.Level,
		"ADREWARDS_LOG_FORMAT":          &c.Log.Format,
		"ADREWARDS_TOKEN_LIFETIME":      &c.Tokens.Lifetime,
		"ADREWARDS_ISSUER_DEFAULT_PING": &c.Issuers.DefaultPing,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"ADREWARDS_API_PORT":         &c.API.Port,
		"ADREWARDS_NEXT_PAYMENT_DAY": &c.Statement.NextPaymentDay,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	if v, ok := os.LookupEnv("ADREWARDS_METRICS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ADREWARDS_METRICS: %w", err)
		}
		c.Metrics.Enabled = b
	}
	return nil
}

// Validate checks that every duration parses and the pool bounds are sane.
func (c Config) Validate() error {
	if c.Tokens.MinUnblinded < 0 || c.Tokens.MaxUnblinded <= c.Tokens.MinUnblinded {
		return fmt.Errorf("tokens: need 0 <= min_unblinded < max_unblinded, got %d and %d",
			c.Tokens.MinUnblinded, c.Tokens.MaxUnblinded)
	}
	if c.Statement.NextPaymentDay < 1 || c.Statement.NextPaymentDay > 28 {
		return fmt.Errorf("statement: next_payment_day %d out of range 1..28", c.Statement.NextPaymentDay)
	}
	if _, err := c.AccountConfig(); err != nil {
		return err
	}
	if _, err := parseDuration("schedule.clearing_interval", c.Schedule.ClearingInterval); err != nil {
		return err
	}
	if _, err := parseDuration("schedule.issuer_check_interval", c.Schedule.IssuerCheckInterval); err != nil {
		return err
	}
	_, err := parseDuration("rewards.request_timeout", c.Rewards.RequestTimeout)
	return err
}

// AccountConfig converts the file settings to the account's configuration.
func (c Config) AccountConfig() (account.Config, error) {
	var errs []error
	dur := func(name, v string) time.Duration {
		d, err := parseDuration(name, v)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	cfg := account.Config{
		Issuers: issuers.Config{
			DefaultPing:   dur("issuers.default_ping", c.Issuers.DefaultPing),
			RetryInterval: dur("issuers.retry_interval", c.Issuers.RetryInterval),
		},
		Tokens: tokens.Config{
			MinUnblindedTokens: c.Tokens.MinUnblinded,
			MaxUnblindedTokens: c.Tokens.MaxUnblinded,
			TokenLifetime:      dur("tokens.lifetime", c.Tokens.Lifetime),
			RetryInterval:      dur("tokens.retry_interval", c.Tokens.RetryInterval),
		},
		Redemption: redemption.Config{
			RedeemAfter:   dur("redemption.redeem_after", c.Redemption.RedeemAfter),
			RetryInterval: dur("redemption.retry_interval", c.Redemption.RetryInterval),
		},
		NextPaymentDay: c.Statement.NextPaymentDay,
	}
	return cfg, errors.Join(errs...)
}

// parseDuration parses a config duration. Empty means zero.
func parseDuration(name, v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", name, v)
	}
	return d, nil
}

package resolver

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/pocketpay/spendflow/resolver/models"
)

// Config is the configuration for the resolver application.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	ISO8583Addr string `yaml:"iso8583_addr"`

	// NATSURL enables resolution-event publishing when set.
	NATSURL string `yaml:"nats_url"`
	// RedisAddr enables the shared whitelist cache when set.
	RedisAddr string `yaml:"redis_addr"`

	LockWait          time.Duration `yaml:"lock_wait"`
	WhitelistTimeout  time.Duration `yaml:"whitelist_timeout"`
	WhitelistCacheTTL time.Duration `yaml:"whitelist_cache_ttl"`

	BillingCurrency string `yaml:"billing_currency"`
	// DefaultSpread is a decimal fraction, e.g. "0.02".
	DefaultSpread string `yaml:"default_spread"`

	// AssetCurrencies maps asset codes to underlying currencies (DUSD: USD).
	AssetCurrencies map[string]string `yaml:"asset_currencies"`
	// Rates is a static market-rate table keyed "FROM/TO".
	Rates map[string]string `yaml:"rates"`
	// PlatformFees are the platform-default fee definitions.
	PlatformFees map[string]FeeConfig `yaml:"platform_fees"`
}

// FeeConfig is the YAML shape of a fee definition; Value stays a string so
// fractions survive without float parsing.
type FeeConfig struct {
	Target   string          `yaml:"target"`
	Kind     string          `yaml:"kind"`
	Value    string          `yaml:"value"`
	Category string          `yaml:"category"`
	Rule     *models.FeeRule `yaml:"rule"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:          "localhost:9090",
		ISO8583Addr:       "localhost:8583",
		LockWait:          defaultLockWait,
		WhitelistTimeout:  2 * time.Second,
		WhitelistCacheTTL: 5 * time.Minute,
		BillingCurrency:   "USD",
		DefaultSpread:     "0.02",
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Platform builds the injectable platform defaults from the config.
func (c *Config) Platform() (Platform, error) {
	spread := DefaultSpread
	if c.DefaultSpread != "" {
		var err error
		spread, err = decimal.NewFromString(c.DefaultSpread)
		if err != nil {
			return Platform{}, fmt.Errorf("default_spread: %w", err)
		}
	}
	fees := make(map[string]models.FeeDefinition, len(c.PlatformFees))
	for name, fc := range c.PlatformFees {
		value, err := decimal.NewFromString(fc.Value)
		if err != nil {
			return Platform{}, fmt.Errorf("platform fee %q value: %w", name, err)
		}
		def := models.FeeDefinition{
			Target:   fc.Target,
			Kind:     models.FeeKind(fc.Kind),
			Value:    value,
			Category: models.FeeCategory(fc.Category),
			Rule:     fc.Rule,
		}
		if err := def.Validate(); err != nil {
			return Platform{}, fmt.Errorf("platform fee %q: %w", name, err)
		}
		fees[name] = def
	}
	return Platform{
		Fees:            fees,
		DefaultSpread:   spread,
		AssetCurrencies: c.AssetCurrencies,
		BillingCurrency: c.BillingCurrency,
	}, nil
}

// RateTable parses the static rate table.
func (c *Config) RateTable() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.Rates))
	for pair, v := range c.Rates {
		rate, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("rate %q: %w", pair, err)
		}
		out[pair] = rate
	}
	return out, nil
}

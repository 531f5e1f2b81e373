package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "TIMELINE"

// StateConfig selects where client-local state is kept. A Redis URL wins over
// the state file.
type StateConfig struct {
	Path        string
	RedisURL    string
	RedisPrefix string
}

// PriceConfig holds the price quote settings.
type PriceConfig struct {
	URL        string
	ID         string
	VsCurrency string
	ValueKey   string
	TimeKey    string
	TTL        time.Duration
	Timeout    time.Duration
	RetryMax   int
}

// TimelineConfig holds configuration for the run command.
type TimelineConfig struct {
	RPCURL       string
	WalletRPCURL string
	Contract     string
	ABIPath      string
	FromBlock    uint64
	BatchSize    uint64
	Workers      int
	ReceiptRPS   float64
	PublishEvery int
	Out          string
	PGDSN        string
	MaxRetries   int
	RetryBackoff time.Duration
	State        StateConfig
	Price        PriceConfig
	LogLevel     string
}

// PriceCommandConfig holds configuration for the price command.
type PriceCommandConfig struct {
	Refresh  bool
	State    StateConfig
	Price    PriceConfig
	LogLevel string
}

// WalletConfig holds configuration for the connect and disconnect commands.
type WalletConfig struct {
	WalletRPCURL string
	State        StateConfig
	LogLevel     string
}

var commonDefaults = map[string]interface{}{
	"state":        "./data/state.json",
	"redis-prefix": "covdev",
	"log-level":    "info",
}

var priceDefaults = map[string]interface{}{
	"price-url":       "https://api.coingecko.com/api/v3",
	"price-id":        "ethereum",
	"price-vs":        "eur",
	"price-value-key": "eth_price_eur",
	"price-time-key":  "eth_price_timestamp",
	"price-ttl":       10 * time.Minute,
	"price-timeout":   5 * time.Second,
	"price-retries":   2,
}

// LoadTimeline merges config file, environment variables, and flags into TimelineConfig.
func LoadTimeline(cfgFile string, flags *pflag.FlagSet) (TimelineConfig, error) {
	v, err := load(cfgFile, flags, commonDefaults, priceDefaults, map[string]interface{}{
		"from":          uint64(0),
		"batch-size":    uint64(2000),
		"workers":       1,
		"receipt-rps":   float64(0),
		"publish-every": 5,
		"out":           "./data/timeline.jsonl",
		"max-retries":   5,
		"retry-backoff": 500 * time.Millisecond,
	})
	if err != nil {
		return TimelineConfig{}, err
	}

	return TimelineConfig{
		RPCURL:       v.GetString("rpc"),
		WalletRPCURL: v.GetString("wallet-rpc"),
		Contract:     strings.TrimSpace(v.GetString("contract")),
		ABIPath:      v.GetString("abi"),
		FromBlock:    v.GetUint64("from"),
		BatchSize:    v.GetUint64("batch-size"),
		Workers:      v.GetInt("workers"),
		ReceiptRPS:   v.GetFloat64("receipt-rps"),
		PublishEvery: v.GetInt("publish-every"),
		Out:          v.GetString("out"),
		PGDSN:        v.GetString("pg-dsn"),
		MaxRetries:   v.GetInt("max-retries"),
		RetryBackoff: v.GetDuration("retry-backoff"),
		State:        stateConfig(v),
		Price:        priceConfig(v),
		LogLevel:     v.GetString("log-level"),
	}, nil
}

// LoadPrice merges config file, environment variables, and flags into PriceCommandConfig.
func LoadPrice(cfgFile string, flags *pflag.FlagSet) (PriceCommandConfig, error) {
	v, err := load(cfgFile, flags, commonDefaults, priceDefaults)
	if err != nil {
		return PriceCommandConfig{}, err
	}

	return PriceCommandConfig{
		Refresh:  v.GetBool("refresh"),
		State:    stateConfig(v),
		Price:    priceConfig(v),
		LogLevel: v.GetString("log-level"),
	}, nil
}

// LoadWallet merges config file, environment variables, and flags into WalletConfig.
func LoadWallet(cfgFile string, flags *pflag.FlagSet) (WalletConfig, error) {
	v, err := load(cfgFile, flags, commonDefaults)
	if err != nil {
		return WalletConfig{}, err
	}

	return WalletConfig{
		WalletRPCURL: v.GetString("wallet-rpc"),
		State:        stateConfig(v),
		LogLevel:     v.GetString("log-level"),
	}, nil
}

func load(cfgFile string, flags *pflag.FlagSet, defaults ...map[string]interface{}) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, set := range defaults {
		for key, val := range set {
			v.SetDefault(key, val)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

func stateConfig(v *viper.Viper) StateConfig {
	return StateConfig{
		Path:        v.GetString("state"),
		RedisURL:    v.GetString("redis-url"),
		RedisPrefix: v.GetString("redis-prefix"),
	}
}

func priceConfig(v *viper.Viper) PriceConfig {
	return PriceConfig{
		URL:        v.GetString("price-url"),
		ID:         v.GetString("price-id"),
		VsCurrency: strings.ToLower(v.GetString("price-vs")),
		ValueKey:   v.GetString("price-value-key"),
		TimeKey:    v.GetString("price-time-key"),
		TTL:        v.GetDuration("price-ttl"),
		Timeout:    v.GetDuration("price-timeout"),
		RetryMax:   v.GetInt("price-retries"),
	}
}

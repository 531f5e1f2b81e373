package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"covdev/internal/config"
	"covdev/internal/pricing"
	"covdev/internal/storage"
	redisstore "covdev/internal/storage/redis"
)

func main() {
	root := &cobra.Command{
		Use:          "timeline",
		Short:        "Governance contract event timeline",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Build the event timeline with transaction costs",
		RunE:  runTimeline,
	}

	runCmd.Flags().String("rpc", "", "chain RPC URL")
	runCmd.Flags().String("wallet-rpc", "", "wallet provider JSON-RPC URL")
	runCmd.Flags().String("contract", "", "governance contract address")
	runCmd.Flags().String("abi", "", "contract ABI JSON path (defaults to the built-in governance ABI)")
	runCmd.Flags().Uint64("from", 0, "first block to query (inclusive)")
	runCmd.Flags().Uint64("batch-size", 2000, "blocks per log query")
	runCmd.Flags().Int("workers", 1, "concurrent receipt lookups")
	runCmd.Flags().Float64("receipt-rps", 0, "receipt requests per second, 0 means unlimited")
	runCmd.Flags().Int("publish-every", 5, "republish after this many receipts")
	runCmd.Flags().String("out", "./data/timeline.jsonl", "output JSONL path")
	runCmd.Flags().String("pg-dsn", "", "optional Postgres DSN")
	runCmd.Flags().Int("max-retries", 5, "maximum retry attempts per log query")
	runCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	addStateFlags(runCmd)
	addPriceFlags(runCmd)

	root.AddCommand(runCmd)

	priceCmd := &cobra.Command{
		Use:   "price",
		Short: "Print the cached or live fiat price",
		RunE:  runPrice,
	}

	priceCmd.Flags().Bool("refresh", false, "skip the cache and fetch a live quote")
	addStateFlags(priceCmd)
	addPriceFlags(priceCmd)

	root.AddCommand(priceCmd)

	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "Request wallet account access",
		RunE:  runConnect,
	}
	connectCmd.Flags().String("wallet-rpc", "", "wallet provider JSON-RPC URL")
	addStateFlags(connectCmd)

	disconnectCmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Revoke wallet access and forget the connection",
		RunE:  runDisconnect,
	}
	disconnectCmd.Flags().String("wallet-rpc", "", "wallet provider JSON-RPC URL")
	addStateFlags(disconnectCmd)

	root.AddCommand(connectCmd, disconnectCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addStateFlags(cmd *cobra.Command) {
	cmd.Flags().String("state", "./data/state.json", "local state file (wallet flag, cached price)")
	cmd.Flags().String("redis-url", "", "optional Redis URL for local state")
	cmd.Flags().String("redis-prefix", "covdev", "Redis key prefix")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

func addPriceFlags(cmd *cobra.Command) {
	cmd.Flags().String("price-url", pricing.DefaultBaseURL, "price API base URL")
	cmd.Flags().String("price-id", "ethereum", "price API asset id")
	cmd.Flags().String("price-vs", "eur", "fiat currency")
	cmd.Flags().Duration("price-ttl", pricing.DefaultTTL, "cached price lifetime")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// openKV opens the Redis store when configured and falls back to the state
// file when Redis is unreachable.
func openKV(ctx context.Context, cfg config.StateConfig, logger *zap.Logger) (storage.KV, func()) {
	if cfg.RedisURL != "" {
		kv, err := redisstore.NewKV(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err == nil {
			return kv, func() { _ = kv.Close() }
		}
		logger.Warn("redis unavailable, using state file", zap.String("state", cfg.Path), zap.Error(err))
	}
	return storage.NewFileKV(cfg.Path), func() {}
}

func newPriceCache(cfg config.PriceConfig, kv storage.KV, logger *zap.Logger) *pricing.Cache {
	client := pricing.NewHTTPClient(pricing.WithTimeout(cfg.Timeout), pricing.WithRetryMax(cfg.RetryMax))
	asset := pricing.Asset{
		ID:         cfg.ID,
		VsCurrency: cfg.VsCurrency,
		ValueKey:   cfg.ValueKey,
		TimeKey:    cfg.TimeKey,
	}
	return pricing.NewCache(asset, kv, pricing.NewHTTPFetcher(cfg.URL, client),
		pricing.WithTTL(cfg.TTL),
		pricing.WithLogger(logger),
	)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"covdev/internal/config"
	"covdev/internal/model"
)

func runPrice(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadPrice(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, closeKV := openKV(ctx, cfg.State, logger)
	defer closeKV()

	cache := newPriceCache(cfg.Price, kv, logger)

	var (
		quote model.PriceQuote
		ok    bool
	)
	if cfg.Refresh {
		quote, err = cache.Refresh(ctx)
		if err != nil {
			logger.Warn("price refresh failed", zap.Error(err))
		}
		ok = err == nil
	} else {
		quote, ok = cache.Get(ctx)
	}

	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: unavailable\n", cfg.Price.ID, cfg.Price.VsCurrency)
		return nil
	}

	fetched := "unknown"
	if !quote.FetchedAt.IsZero() {
		fetched = quote.FetchedAt.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %v (fetched %s, stale %t)\n",
		cfg.Price.ID, cfg.Price.VsCurrency, quote.Value, fetched, quote.Stale)
	return nil
}

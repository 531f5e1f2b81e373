package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"covdev/internal/chain"
	"covdev/internal/config"
	"covdev/internal/contract"
	"covdev/internal/storage"
	"covdev/internal/storage/postgres"
	"covdev/internal/timeline"
	"covdev/internal/wallet"
)

func runTimeline(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadTimeline(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	address, err := chain.ParseAddress(cfg.Contract)
	if err != nil {
		return fmt.Errorf("contract: %w", err)
	}
	if cfg.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}
	contractABI, err := contract.LoadABI(cfg.ABIPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, closeKV := openKV(ctx, cfg.State, logger)
	defer closeKV()

	account := connectWallet(ctx, cfg.WalletRPCURL, kv, logger)

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, chain.NewLimiter(cfg.ReceiptRPS, 1))
	if err != nil {
		logger.Error("connect rpc failed", zap.Error(err))
		return nil
	}
	defer chainClient.Close()

	publishers := timeline.MultiPublisher{
		timeline.NewLogPublisher(logger),
		timeline.NewSinkPublisher("jsonl", storage.NewJsonlStorage(cfg.Out), logger),
	}
	var knownCosts map[string]string
	if cfg.PGDSN != "" {
		store, err := openPostgres(ctx, chainClient, cfg.PGDSN)
		if err != nil {
			logger.Warn("postgres sink disabled", zap.Error(err))
		} else {
			defer store.Close()
			publishers = append(publishers, timeline.NewSinkPublisher("postgres", store, logger))
			knownCosts = loadKnownCosts(ctx, store, logger)
		}
	}

	events := contract.NewEventSource(contract.SourceConfig{
		Address:      address,
		FromBlock:    cfg.FromBlock,
		BatchSize:    cfg.BatchSize,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, chainClient, contract.NewDecoder(contractABI, logger), logger)

	builder := timeline.NewBuilder(timeline.Config{
		PublishEvery: cfg.PublishEvery,
		Workers:      cfg.Workers,
		Account:      account,
		KnownCosts:   knownCosts,
	}, events, contract.NewReceiptSource(chainClient), publishers, logger)

	priceCache := newPriceCache(cfg.Price, kv, logger)

	logger.Info("timeline start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("contract", address.Hex()),
		zap.Uint64("from", cfg.FromBlock),
		zap.Uint64("batch_size", cfg.BatchSize),
		zap.Int("workers", cfg.Workers),
		zap.String("account", account),
		zap.String("out", cfg.Out),
	)

	var g errgroup.Group
	g.Go(func() error {
		quote, ok := priceCache.Get(ctx)
		if !ok {
			logger.Warn("no price available, fiat costs omitted", zap.String("asset", cfg.Price.ID))
			return nil
		}
		if err := builder.SetPrice(ctx, quote); err != nil {
			logger.Warn("apply price", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		if err := builder.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("timeline build failed", zap.Error(err))
		}
		return nil
	})
	_ = g.Wait()

	snapshot := builder.Snapshot()
	logger.Info("timeline done",
		zap.Int("events", len(snapshot.Records)),
		zap.Int("costed", snapshot.Costed()),
		zap.Bool("priced", snapshot.Price != nil),
	)
	return nil
}

func connectWallet(ctx context.Context, url string, kv storage.KV, logger *zap.Logger) string {
	if url == "" {
		return ""
	}
	client, err := chain.NewClient(ctx, url, nil)
	if err != nil {
		logger.Warn("connect wallet provider", zap.Error(err))
		return ""
	}
	defer client.Close()

	session := wallet.NewSession(client, kv, logger)
	if session.Resume(ctx) {
		return session.Account()
	}
	if _, err := session.Connect(ctx); err != nil {
		logger.Warn("wallet not connected", zap.Error(err))
	}
	return session.Account()
}

// loadKnownCosts returns the native costs stored by earlier runs so their
// receipts are not fetched again.
func loadKnownCosts(ctx context.Context, store *postgres.Store, logger *zap.Logger) map[string]string {
	stored, err := store.LoadEvents(ctx)
	if err != nil {
		logger.Warn("load stored timeline", zap.Error(err))
		return nil
	}
	known := make(map[string]string, len(stored))
	for _, record := range stored {
		if record.HasCost() {
			known[timeline.CostKey(record.TxHash, record.LogIndex)] = *record.CostNative
		}
	}
	logger.Info("stored timeline loaded", zap.Int("events", len(stored)), zap.Int("costed", len(known)))
	return known
}

func openPostgres(ctx context.Context, chainClient *chain.Client, dsn string) (*postgres.Store, error) {
	chainID, err := chainClient.GetChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	if !chainID.IsUint64() {
		return nil, fmt.Errorf("chain id does not fit in uint64: %s", chainID)
	}
	store, err := postgres.NewStore(ctx, dsn, chainID.Uint64())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

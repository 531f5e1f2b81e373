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

	"covdev/internal/chain"
	"covdev/internal/config"
	"covdev/internal/wallet"
)

func runConnect(cmd *cobra.Command, _ []string) error {
	return withSession(cmd, func(ctx context.Context, session *wallet.Session, logger *zap.Logger) error {
		account, err := session.Connect(ctx)
		switch {
		case errors.Is(err, wallet.ErrUserRejected):
			fmt.Fprintln(cmd.OutOrStdout(), "connection request rejected")
		case err != nil:
			logger.Warn("wallet connect failed", zap.Error(err))
			fmt.Fprintln(cmd.OutOrStdout(), "not connected")
		default:
			fmt.Fprintln(cmd.OutOrStdout(), account)
		}
		return nil
	})
}

func runDisconnect(cmd *cobra.Command, _ []string) error {
	return withSession(cmd, func(ctx context.Context, session *wallet.Session, _ *zap.Logger) error {
		if err := session.Disconnect(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "disconnected")
		return nil
	})
}

func withSession(cmd *cobra.Command, fn func(ctx context.Context, session *wallet.Session, logger *zap.Logger) error) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadWallet(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.WalletRPCURL == "" {
		return fmt.Errorf("wallet rpc url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, closeKV := openKV(ctx, cfg.State, logger)
	defer closeKV()

	client, err := chain.NewClient(ctx, cfg.WalletRPCURL, nil)
	if err != nil {
		logger.Error("connect wallet provider failed", zap.Error(err))
		return nil
	}
	defer client.Close()

	return fn(ctx, wallet.NewSession(client, kv, logger), logger)
}

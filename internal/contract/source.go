package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"covdev/internal/chain"
	"covdev/internal/model"
)

// LogFilterer is the chain surface needed to query contract history.
type LogFilterer interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address) ([]types.Log, error)
}

// ReceiptFetcher is the chain surface needed to load receipts.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// SourceConfig holds settings for the event source.
type SourceConfig struct {
	Address      common.Address
	FromBlock    uint64
	BatchSize    uint64
	MaxRetries   int
	RetryBackoff time.Duration
}

// EventSource queries every event of the contract from FromBlock to latest.
type EventSource struct {
	cfg     SourceConfig
	chain   LogFilterer
	decoder *Decoder
	logger  *zap.Logger
}

func NewEventSource(cfg SourceConfig, chainClient LogFilterer, decoder *Decoder, logger *zap.Logger) *EventSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventSource{cfg: cfg, chain: chainClient, decoder: decoder, logger: logger}
}

// QueryEvents returns decoded events in chain order.
func (s *EventSource) QueryEvents(ctx context.Context) ([]model.RawEvent, error) {
	if s.chain == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	if s.decoder == nil {
		return nil, fmt.Errorf("decoder is nil")
	}
	if s.cfg.BatchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}

	var latest uint64
	err := withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		latest, err = s.chain.LatestBlockNumber(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get latest block: %w", err)
	}
	if s.cfg.FromBlock > latest {
		return nil, nil
	}

	ranges, err := chain.SplitRange(s.cfg.FromBlock, latest, s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	addresses := []common.Address{s.cfg.Address}
	events := make([]model.RawEvent, 0)
	for _, blockRange := range ranges {
		var logs []types.Log
		err := withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
			var err error
			logs, err = s.chain.FilterLogs(ctx, blockRange.From, blockRange.To, addresses)
			if err != nil {
				s.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("filter logs %d-%d: %w", blockRange.From, blockRange.To, err)
		}

		for _, log := range logs {
			if log.Removed {
				continue
			}
			events = append(events, s.decoder.Decode(log))
		}
		s.logger.Debug("batch fetched", zap.Int("logs", len(logs)), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
	}

	return events, nil
}

// ReceiptSource loads transaction receipts from the chain.
type ReceiptSource struct {
	chain ReceiptFetcher
}

func NewReceiptSource(chainClient ReceiptFetcher) *ReceiptSource {
	return &ReceiptSource{chain: chainClient}
}

// Receipt returns the gas data for txHash, or nil when the node has none.
func (s *ReceiptSource) Receipt(ctx context.Context, txHash string) (*model.Receipt, error) {
	if s.chain == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	receipt, err := s.chain.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	if receipt == nil {
		return nil, nil
	}
	return &model.Receipt{
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
	}, nil
}

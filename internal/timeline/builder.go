package timeline

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"covdev/internal/model"
)

const defaultPublishEvery = 5

// EventSource returns every raw contract event in source order.
type EventSource interface {
	QueryEvents(ctx context.Context) ([]model.RawEvent, error)
}

// ReceiptSource returns the receipt for a transaction, or nil when absent.
type ReceiptSource interface {
	Receipt(ctx context.Context, txHash string) (*model.Receipt, error)
}

// Config controls how the builder annotates and republishes the timeline.
type Config struct {
	// PublishEvery republishes after this many processed records.
	PublishEvery int
	// Workers bounds concurrent receipt lookups; 1 keeps them sequential.
	Workers int
	// Account is the connected wallet address, copied into snapshots.
	Account string
	// KnownCosts holds native costs persisted by an earlier run, keyed by
	// CostKey. Matching records reuse them instead of fetching a receipt.
	KnownCosts map[string]string
}

// CostKey identifies one event across runs.
func CostKey(txHash string, logIndex uint64) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(txHash), logIndex)
}

// Builder fetches contract events, publishes them sorted, and then refines
// each record with its transaction cost as receipts arrive.
type Builder struct {
	cfg       Config
	events    EventSource
	receipts  ReceiptSource
	publisher Publisher
	logger    *zap.Logger

	mu        sync.Mutex
	records   []model.EventRecord
	loading   bool
	price     *model.PriceQuote
	priceRat  *big.Rat
	lastErr   string
	processed int

	publishMu sync.Mutex
}

// NewBuilder builds a Builder with its dependencies.
func NewBuilder(cfg Config, events EventSource, receipts ReceiptSource, publisher Publisher, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = MultiPublisher{}
	}
	if cfg.PublishEvery <= 0 {
		cfg.PublishEvery = defaultPublishEvery
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Builder{
		cfg:       cfg,
		events:    events,
		receipts:  receipts,
		publisher: publisher,
		logger:    logger,
		loading:   true,
	}
}

// Run queries the contract history and annotates it. A failed event query
// publishes an empty, non-loading timeline and returns the error. Receipt
// failures only leave the affected record without cost.
func (b *Builder) Run(ctx context.Context) error {
	if b.events == nil {
		return fmt.Errorf("event source is nil")
	}
	if b.receipts == nil {
		return fmt.Errorf("receipt source is nil")
	}

	b.mu.Lock()
	b.records = nil
	b.loading = true
	b.lastErr = ""
	b.processed = 0
	b.mu.Unlock()
	b.publish(ctx)

	raw, err := b.events.QueryEvents(ctx)
	if err != nil {
		b.logger.Error("query events failed", zap.Error(err))
		b.mu.Lock()
		b.records = nil
		b.loading = false
		b.lastErr = err.Error()
		b.mu.Unlock()
		b.publish(ctx)
		return fmt.Errorf("query events: %w", err)
	}

	records := Normalize(raw)
	b.mu.Lock()
	b.records = records
	b.loading = false
	b.mu.Unlock()

	b.logger.Info("events loaded", zap.Int("events", len(records)))
	b.publish(ctx)

	if len(records) == 0 {
		return nil
	}

	if b.cfg.Workers > 1 {
		err = b.annotateConcurrent(ctx, records)
	} else {
		err = b.annotateSequential(ctx, records)
	}
	if err != nil {
		return err
	}

	b.logger.Info("cost annotation complete", zap.Int("events", len(records)), zap.Int("costed", b.Snapshot().Costed()))
	return nil
}

func (b *Builder) annotateSequential(ctx context.Context, records []model.EventRecord) error {
	for i := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.annotate(ctx, i, records[i].TxHash, records[i].LogIndex, len(records))
	}
	return ctx.Err()
}

// annotateConcurrent fans receipt lookups out to a bounded pool. Results land
// at the record's index, so the published order never changes.
func (b *Builder) annotateConcurrent(ctx context.Context, records []model.EventRecord) error {
	var g errgroup.Group
	g.SetLimit(b.cfg.Workers)
	for i := range records {
		if ctx.Err() != nil {
			break
		}
		index := i
		txHash, logIndex := records[i].TxHash, records[i].LogIndex
		g.Go(func() error {
			b.annotate(ctx, index, txHash, logIndex, len(records))
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// annotate sets the native cost of the record at index, then its fiat cost
// when a price is installed. The last record always triggers a publish.
func (b *Builder) annotate(ctx context.Context, index int, txHash string, logIndex uint64, total int) {
	var (
		cost string
		ok   bool
		err  error
	)
	if known, found := b.cfg.KnownCosts[CostKey(txHash, logIndex)]; found {
		cost, ok = known, true
	} else {
		var receipt *model.Receipt
		receipt, err = b.receipts.Receipt(ctx, txHash)
		if receipt != nil && err == nil {
			cost, ok = FormatEther(NativeCost(*receipt)), true
		}
	}
	if ctx.Err() != nil {
		return
	}

	b.mu.Lock()
	switch {
	case err != nil:
		b.logger.Warn("receipt fetch failed", zap.String("tx_hash", txHash), zap.Int("index", index), zap.Error(err))
	case !ok:
		b.logger.Debug("receipt not found", zap.String("tx_hash", txHash))
	case !b.records[index].HasCost():
		b.records[index].CostNative = &cost
		AnnotateFiat(b.records[index:index+1], b.priceRat)
	}
	b.processed++
	processed := b.processed
	b.mu.Unlock()

	if processed%b.cfg.PublishEvery == 0 || processed == total {
		b.publish(ctx)
	}
}

// SetPrice installs a new fiat quote. Records with a native cost and no fiat
// cost are annotated with it; records already annotated keep their value.
func (b *Builder) SetPrice(ctx context.Context, quote model.PriceQuote) error {
	rat, err := PriceRat(quote.Value)
	if err != nil {
		return err
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("price must be positive: %v", quote.Value)
	}

	b.mu.Lock()
	b.price = &quote
	b.priceRat = rat
	AnnotateFiat(b.records, rat)
	b.mu.Unlock()

	b.publish(ctx)
	return nil
}

// Snapshot returns a copy of the current timeline. Before Run has loaded the
// events it reports Loading.
func (b *Builder) Snapshot() model.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// publish hands a fresh copy of the timeline to the publisher. Nothing is
// published once ctx is done.
func (b *Builder) publish(ctx context.Context) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	if ctx.Err() != nil {
		return
	}

	b.mu.Lock()
	snapshot := b.snapshotLocked()
	b.mu.Unlock()

	b.publisher.Publish(ctx, snapshot)
}

func (b *Builder) snapshotLocked() model.Snapshot {
	records := make([]model.EventRecord, len(b.records))
	copy(records, b.records)

	snapshot := model.Snapshot{
		Account: b.cfg.Account,
		Loading: b.loading,
		Records: records,
		Err:     b.lastErr,
	}
	if b.price != nil {
		price := *b.price
		snapshot.Price = &price
	}
	return snapshot
}

package timeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"covdev/internal/model"
	"covdev/internal/storage"
)

type fakeEvents struct {
	events []model.RawEvent
	err    error
}

func (f fakeEvents) QueryEvents(context.Context) ([]model.RawEvent, error) {
	return f.events, f.err
}

type fakeReceipts struct {
	fail    map[string]bool
	missing map[string]bool
	delay   func(txHash string) time.Duration
	calls   atomic.Int32
	onCall  func(n int32)
}

func (f *fakeReceipts) Receipt(ctx context.Context, txHash string) (*model.Receipt, error) {
	n := f.calls.Add(1)
	if f.onCall != nil {
		f.onCall(n)
	}
	if f.delay != nil {
		select {
		case <-time.After(f.delay(txHash)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail[txHash] {
		return nil, errors.New("node unavailable")
	}
	if f.missing[txHash] {
		return nil, nil
	}
	return &model.Receipt{GasUsed: 21000, EffectiveGasPrice: big.NewInt(50_000_000_000)}, nil
}

type recorder struct {
	mu        sync.Mutex
	snapshots []model.Snapshot
}

func (r *recorder) Publish(_ context.Context, snapshot model.Snapshot) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, snapshot)
	r.mu.Unlock()
}

func (r *recorder) all() []model.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Snapshot, len(r.snapshots))
	copy(out, r.snapshots)
	return out
}

func (r *recorder) last() model.Snapshot {
	all := r.all()
	return all[len(all)-1]
}

func sevenEvents() []model.RawEvent {
	events := make([]model.RawEvent, 0, 7)
	for i := 0; i < 7; i++ {
		events = append(events, model.RawEvent{
			Name:        "VoteCast",
			BlockNumber: uint64(100 + i),
			TxHash:      fmt.Sprintf("0x%02d", i),
		})
	}
	return events
}

func TestBuilderReceiptFailureIsIsolated(t *testing.T) {
	events := sevenEvents()
	// sorted descending, index 3 is block 103
	receipts := &fakeReceipts{fail: map[string]bool{"0x03": true}}
	rec := &recorder{}

	builder := NewBuilder(Config{}, fakeEvents{events: events}, receipts, rec, zap.NewNop())
	require.NoError(t, builder.Run(context.Background()))

	final := rec.last()
	require.Len(t, final.Records, 7)
	assert.Equal(t, 6, final.Costed())
	assert.False(t, final.Loading)
	assert.Nil(t, final.Records[3].CostNative)
	assert.Equal(t, uint64(103), final.Records[3].BlockNumber)

	for i, record := range final.Records {
		assert.Equal(t, uint64(106-i), record.BlockNumber)
		if i != 3 {
			require.NotNil(t, record.CostNative)
			assert.Equal(t, "0.00105", *record.CostNative)
		}
	}
	assert.Equal(t, int32(7), receipts.calls.Load(), "each receipt is fetched exactly once")
}

func TestBuilderPublishCadence(t *testing.T) {
	rec := &recorder{}
	builder := NewBuilder(Config{PublishEvery: 5}, fakeEvents{events: sevenEvents()}, &fakeReceipts{}, rec, nil)
	require.NoError(t, builder.Run(context.Background()))

	snapshots := rec.all()
	// loading, initial list, after 5, after 7 (last)
	require.Len(t, snapshots, 4)

	assert.True(t, snapshots[0].Loading)
	assert.Empty(t, snapshots[0].Records)

	assert.False(t, snapshots[1].Loading)
	assert.Len(t, snapshots[1].Records, 7)
	assert.Equal(t, 0, snapshots[1].Costed(), "initial list is published before any cost")

	assert.Equal(t, 5, snapshots[2].Costed())
	assert.Equal(t, 7, snapshots[3].Costed())
}

func TestBuilderSnapshotsAreIndependentCopies(t *testing.T) {
	rec := &recorder{}
	builder := NewBuilder(Config{}, fakeEvents{events: sevenEvents()}, &fakeReceipts{}, rec, nil)
	require.NoError(t, builder.Run(context.Background()))

	snapshots := rec.all()
	assert.Nil(t, snapshots[1].Records[0].CostNative, "earlier snapshot must not be mutated")
	assert.NotNil(t, snapshots[len(snapshots)-1].Records[0].CostNative)
}

func TestBuilderQueryFailurePublishesEmptyTimeline(t *testing.T) {
	rec := &recorder{}
	builder := NewBuilder(Config{}, fakeEvents{err: errors.New("rpc down")}, &fakeReceipts{}, rec, nil)

	err := builder.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query events")

	final := rec.last()
	assert.False(t, final.Loading)
	assert.Empty(t, final.Records)
	assert.Equal(t, "rpc down", final.Err)
}

func TestBuilderMissingReceiptLeavesCostAbsent(t *testing.T) {
	rec := &recorder{}
	receipts := &fakeReceipts{missing: map[string]bool{"0x06": true}}
	builder := NewBuilder(Config{}, fakeEvents{events: sevenEvents()}, receipts, rec, nil)
	require.NoError(t, builder.Run(context.Background()))

	final := rec.last()
	assert.Nil(t, final.Records[0].CostNative)
	assert.Equal(t, 6, final.Costed())
}

func TestBuilderFiatAnnotation(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	builder := NewBuilder(Config{}, fakeEvents{events: sevenEvents()}, &fakeReceipts{}, rec, nil)

	require.NoError(t, builder.SetPrice(ctx, model.PriceQuote{Value: 2000, FetchedAt: time.Now()}))
	require.NoError(t, builder.Run(ctx))

	final := rec.last()
	require.NotNil(t, final.Price)
	for _, record := range final.Records {
		require.NotNil(t, record.CostFiat)
		assert.Equal(t, "2.1000", *record.CostFiat)
	}

	// compute once: a new price does not rewrite already annotated records
	require.NoError(t, builder.SetPrice(ctx, model.PriceQuote{Value: 3000, FetchedAt: time.Now()}))
	final = rec.last()
	assert.Equal(t, float64(3000), final.Price.Value)
	for _, record := range final.Records {
		assert.Equal(t, "2.1000", *record.CostFiat)
	}

	assert.Error(t, builder.SetPrice(ctx, model.PriceQuote{Value: 0}))
}

func TestBuilderPriceArrivingAfterCosts(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	builder := NewBuilder(Config{}, fakeEvents{events: sevenEvents()}, &fakeReceipts{}, rec, nil)
	require.NoError(t, builder.Run(ctx))
	assert.Nil(t, rec.last().Records[0].CostFiat)

	require.NoError(t, builder.SetPrice(ctx, model.PriceQuote{Value: 1000}))
	for _, record := range rec.last().Records {
		require.NotNil(t, record.CostFiat)
		assert.Equal(t, "1.0500", *record.CostFiat)
	}
}

func TestBuilderCancellationStopsPublishing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	receipts := &fakeReceipts{onCall: func(n int32) {
		if n == 2 {
			cancel()
		}
	}}
	builder := NewBuilder(Config{PublishEvery: 1}, fakeEvents{events: sevenEvents()}, receipts, rec, nil)

	err := builder.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(2), receipts.calls.Load())

	// loading, initial, after first receipt; nothing once cancelled
	snapshots := rec.all()
	require.Len(t, snapshots, 3)
	assert.Equal(t, 1, snapshots[2].Costed())
}

func TestBuilderConcurrentWorkersPreserveOrder(t *testing.T) {
	rec := &recorder{}
	receipts := &fakeReceipts{
		fail: map[string]bool{"0x03": true},
		delay: func(txHash string) time.Duration {
			// later blocks finish first
			if txHash > "0x03" {
				return time.Millisecond
			}
			return 5 * time.Millisecond
		},
	}
	builder := NewBuilder(Config{Workers: 3}, fakeEvents{events: sevenEvents()}, receipts, rec, nil)
	require.NoError(t, builder.Run(context.Background()))

	final := rec.last()
	require.Len(t, final.Records, 7)
	assert.Equal(t, 6, final.Costed())
	for i, record := range final.Records {
		assert.Equal(t, uint64(106-i), record.BlockNumber)
	}
	assert.Nil(t, final.Records[3].CostNative)
}

func TestBuilderRequiresSources(t *testing.T) {
	assert.Error(t, NewBuilder(Config{}, nil, &fakeReceipts{}, nil, nil).Run(context.Background()))
	assert.Error(t, NewBuilder(Config{}, fakeEvents{}, nil, nil, nil).Run(context.Background()))
}

func TestBuilderPriceBeforeRunKeepsPersistedTimeline(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "timeline.jsonl")
	sink := storage.NewJsonlStorage(path)
	previous := model.Snapshot{Records: []model.EventRecord{{Name: "VoteCast", BlockNumber: 9, TxHash: "0x09", Args: map[string]string{}}}}
	require.NoError(t, sink.PutTimeline(ctx, previous))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	rec := &recorder{}
	publisher := MultiPublisher{rec, NewSinkPublisher("jsonl", sink, nil)}
	builder := NewBuilder(Config{}, fakeEvents{err: errors.New("rpc down")}, &fakeReceipts{}, publisher, nil)

	require.NoError(t, builder.SetPrice(ctx, model.PriceQuote{Value: 2000}))
	require.Len(t, rec.all(), 1)
	assert.True(t, rec.last().Loading, "a builder that has not loaded events reports loading")

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// a failed query publishes an empty timeline but leaves the sink alone
	require.Error(t, builder.Run(ctx))
	after, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestBuilderSnapshotDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	builder := NewBuilder(Config{}, fakeEvents{events: sevenEvents()}, &fakeReceipts{}, rec, nil)
	require.NoError(t, builder.Run(ctx))

	first := builder.Snapshot()
	first.Records[0].Name = "changed"
	first.Records[0].CostFiat = nil

	second := builder.Snapshot()
	assert.Equal(t, "VoteCast", second.Records[0].Name)
	assert.Nil(t, second.Records[0].CostFiat, "no price installed, no fiat cost")
	assert.False(t, second.Loading)
}

func TestBuilderReusesKnownCosts(t *testing.T) {
	receipts := &fakeReceipts{}
	rec := &recorder{}
	cfg := Config{KnownCosts: map[string]string{
		CostKey("0x06", 0): "0.5",
		CostKey("0x00", 0): "0.25",
	}}
	builder := NewBuilder(cfg, fakeEvents{events: sevenEvents()}, receipts, rec, nil)
	require.NoError(t, builder.SetPrice(context.Background(), model.PriceQuote{Value: 2}))
	require.NoError(t, builder.Run(context.Background()))

	final := rec.last()
	assert.Equal(t, 7, final.Costed())
	assert.Equal(t, int32(5), receipts.calls.Load(), "stored costs skip the receipt lookup")
	assert.Equal(t, "0.5", *final.Records[0].CostNative)
	assert.Equal(t, "1.0000", *final.Records[0].CostFiat)
	assert.Equal(t, "0.25", *final.Records[6].CostNative)
	assert.Equal(t, "0.00105", *final.Records[1].CostNative)
}

func TestCostKeyIgnoresHashCase(t *testing.T) {
	assert.Equal(t, CostKey("0xABcd", 3), CostKey("0xabcd", 3))
	assert.NotEqual(t, CostKey("0xabcd", 3), CostKey("0xabcd", 4))
}

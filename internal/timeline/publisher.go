package timeline

import (
	"context"

	"go.uber.org/zap"

	"covdev/internal/model"
	"covdev/internal/storage"
)

// Publisher receives every republished timeline snapshot.
type Publisher interface {
	Publish(ctx context.Context, snapshot model.Snapshot)
}

// MultiPublisher fans a snapshot out to several publishers in order.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, snapshot model.Snapshot) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, snapshot)
		}
	}
}

// SinkPublisher writes snapshots to a storage sink. Loading and failed
// snapshots are skipped so a sink never loses its last complete timeline to an
// empty one.
type SinkPublisher struct {
	name   string
	sink   storage.Sink
	logger *zap.Logger
}

func NewSinkPublisher(name string, sink storage.Sink, logger *zap.Logger) *SinkPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SinkPublisher{name: name, sink: sink, logger: logger}
}

func (p *SinkPublisher) Publish(ctx context.Context, snapshot model.Snapshot) {
	if p.sink == nil || snapshot.Loading || snapshot.Err != "" {
		return
	}
	if err := p.sink.PutTimeline(ctx, snapshot); err != nil {
		p.logger.Warn("sink write failed", zap.String("sink", p.name), zap.Error(err))
	}
}

// LogPublisher logs a progress line for each snapshot.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, snapshot model.Snapshot) {
	fields := []zap.Field{
		zap.Bool("loading", snapshot.Loading),
		zap.Int("records", len(snapshot.Records)),
		zap.Int("costed", snapshot.Costed()),
	}
	if snapshot.Price != nil {
		fields = append(fields, zap.Float64("price", snapshot.Price.Value), zap.Bool("price_stale", snapshot.Price.Stale))
	}
	if snapshot.Err != "" {
		fields = append(fields, zap.String("error", snapshot.Err))
	}
	p.logger.Info("timeline published", fields...)
}

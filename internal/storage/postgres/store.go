package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"covdev/internal/model"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS timeline_events (
	chain_id      BIGINT      NOT NULL,
	tx_hash       TEXT        NOT NULL,
	log_index     BIGINT      NOT NULL,
	block_number  BIGINT      NOT NULL,
	name          TEXT        NOT NULL,
	args          JSONB       NOT NULL DEFAULT '{}'::jsonb,
	cost_native   NUMERIC,
	cost_fiat     NUMERIC,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chain_id, tx_hash, log_index)
);
CREATE INDEX IF NOT EXISTS timeline_events_block_idx ON timeline_events (chain_id, block_number DESC);
`

// upsertEventSQL keeps costs already stored: a record is costed once.
const upsertEventSQL = `
INSERT INTO timeline_events (
	chain_id, tx_hash, log_index, block_number, name, args, cost_native, cost_fiat, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
ON CONFLICT (chain_id, tx_hash, log_index)
DO UPDATE SET
	block_number = EXCLUDED.block_number,
	name = EXCLUDED.name,
	args = EXCLUDED.args,
	cost_native = COALESCE(timeline_events.cost_native, EXCLUDED.cost_native),
	cost_fiat = COALESCE(timeline_events.cost_fiat, EXCLUDED.cost_fiat),
	updated_at = now()
`

// Store provides Postgres persistence for timeline records.
type Store struct {
	pool    *pgxpool.Pool
	chainID uint64
}

func NewStore(ctx context.Context, dsn string, chainID uint64) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, chainID: chainID}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the timeline table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// PutTimeline upserts every record of snapshot.
func (s *Store) PutTimeline(ctx context.Context, snapshot model.Snapshot) error {
	return s.UpsertEvents(ctx, snapshot.Records)
}

// UpsertEvents inserts or updates timeline records. Costs already stored are
// kept when the incoming record has none.
func (s *Store) UpsertEvents(ctx context.Context, records []model.EventRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, record := range records {
		args, err := json.Marshal(record.Args)
		if err != nil {
			return fmt.Errorf("marshal args %s: %w", record.TxHash, err)
		}
		batch.Queue(upsertEventSQL,
			int64(s.chainID),
			record.TxHash,
			int64(record.LogIndex),
			int64(record.BlockNumber),
			record.Name,
			args,
			record.CostNative,
			record.CostFiat,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// LoadEvents returns stored records ordered most recent first.
func (s *Store) LoadEvents(ctx context.Context) ([]model.EventRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tx_hash, log_index, block_number, name, args, cost_native::text, cost_fiat::text
		FROM timeline_events
		WHERE chain_id = $1
		ORDER BY block_number DESC, log_index ASC
	`, int64(s.chainID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EventRecord
	for rows.Next() {
		var (
			record   model.EventRecord
			logIndex int64
			block    int64
			args     []byte
		)
		if err := rows.Scan(&record.TxHash, &logIndex, &block, &record.Name, &args, &record.CostNative, &record.CostFiat); err != nil {
			return nil, err
		}
		record.LogIndex = uint64(logIndex)
		record.BlockNumber = uint64(block)
		record.Args = map[string]string{}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &record.Args); err != nil {
				return nil, fmt.Errorf("parse args %s: %w", record.TxHash, err)
			}
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

package writer

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rmehra/marketpipe/internal/model"
)

// FlushSet is one atomic unit of persistence: the drained records plus the
// stream offsets they were read up to. The offsets commit in the same
// transaction as the rows, so a replay after a crash is idempotent.
type FlushSet struct {
	Quotes  []model.Quote
	Ticks   []model.Tick
	Offsets map[string]string // Stream topic → last consumed offset
}

// FlushResult summarizes what one flush transaction did.
type FlushResult struct {
	QuoteUpserts  int // Quote rows inserted or updated
	StaleQuotes   int // Quote rows skipped because the stored row was newer
	TickInserts   int
	TickConflicts int // Ticks already present from an earlier replay
}

// Store persists flush sets and remembers per-consumer stream offsets.
type Store interface {
	Flush(ctx context.Context, consumer string, set FlushSet) (FlushResult, error)
	LoadOffsets(ctx context.Context, consumer string) (map[string]string, error)
}

// pgStore implements Store on a pgx connection pool.
type pgStore struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a Postgres-backed store.
func NewStore(db *pgxpool.Pool, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &pgStore{db: db, logger: logger}
}

// Flush writes quotes, ticks, and offsets in a single transaction. The quote
// upsert is gated on event_ts so a replayed older record never overwrites a
// newer stored row.
func (s *pgStore) Flush(ctx context.Context, consumer string, set FlushSet) (FlushResult, error) {
	var res FlushResult

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}

	for _, q := range set.Quotes {
		batch.Queue(`
			INSERT INTO quotes (entity_key, last_price, last_qty, volume, open_interest, bid_price, bid_qty, ask_price, ask_qty, event_ts, ingest_ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (entity_key) DO UPDATE
			SET last_price = EXCLUDED.last_price,
			    last_qty = EXCLUDED.last_qty,
			    volume = EXCLUDED.volume,
			    open_interest = EXCLUDED.open_interest,
			    bid_price = EXCLUDED.bid_price,
			    bid_qty = EXCLUDED.bid_qty,
			    ask_price = EXCLUDED.ask_price,
			    ask_qty = EXCLUDED.ask_qty,
			    event_ts = EXCLUDED.event_ts,
			    ingest_ts = EXCLUDED.ingest_ts
			WHERE quotes.event_ts <= EXCLUDED.event_ts
		`, q.EntityKey, q.LastPrice, q.LastQty, q.Volume, q.OpenInterest, q.BidPrice, q.BidQty, q.AskPrice, q.AskQty, q.EventTS, q.IngestTS)
	}

	for _, t := range set.Ticks {
		batch.Queue(`
			INSERT INTO ticks (entity_key, seq, last_price, last_qty, volume, open_interest, bid_price, bid_qty, ask_price, ask_qty, event_ts, ingest_ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (entity_key, seq) DO NOTHING
		`, t.EntityKey, t.Seq, t.LastPrice, t.LastQty, t.Volume, t.OpenInterest, t.BidPrice, t.BidQty, t.AskPrice, t.AskQty, t.EventTS, t.IngestTS)
	}

	for topic, offset := range set.Offsets {
		batch.Queue(`
			INSERT INTO stream_offsets (consumer, topic, last_offset, committed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (consumer, topic) DO UPDATE
			SET last_offset = EXCLUDED.last_offset,
			    committed_at = EXCLUDED.committed_at
		`, consumer, topic, offset, time.Now().UnixMicro())
	}

	results := tx.SendBatch(ctx, batch)

	for range set.Quotes {
		ct, err := results.Exec()
		if err != nil {
			results.Close()
			return FlushResult{}, err
		}
		if ct.RowsAffected() == 0 {
			res.StaleQuotes++
		} else {
			res.QuoteUpserts++
		}
	}

	for range set.Ticks {
		ct, err := results.Exec()
		if err != nil {
			results.Close()
			return FlushResult{}, err
		}
		if ct.RowsAffected() == 0 {
			res.TickConflicts++
		} else {
			res.TickInserts++
		}
	}

	for range set.Offsets {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return FlushResult{}, err
		}
	}

	if err := results.Close(); err != nil {
		return FlushResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return FlushResult{}, err
	}
	return res, nil
}

// LoadOffsets returns the committed offsets for a consumer, empty when the
// consumer has never flushed.
func (s *pgStore) LoadOffsets(ctx context.Context, consumer string) (map[string]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT topic, last_offset FROM stream_offsets WHERE consumer = $1
	`, consumer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	offsets := make(map[string]string)
	for rows.Next() {
		var topic, offset string
		if err := rows.Scan(&topic, &offset); err != nil {
			return nil, err
		}
		offsets[topic] = offset
	}
	return offsets, rows.Err()
}

package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rmehra/marketpipe/internal/broker"
	"github.com/rmehra/marketpipe/internal/config"
	"github.com/rmehra/marketpipe/internal/model"
)

// readCount caps how many records one stream read pulls at once.
const readCount = 1000

// WriterStats is a point-in-time snapshot for the daemon's status endpoint.
type WriterStats struct {
	Flushes       int64
	FlushErrors   int64
	ReadErrors    int64
	QuoteUpserts  int64
	StaleQuotes   int64
	TickInserts   int64
	TickConflicts int64
	Evicted       int64
	Pending       int
	LastFlushAt   time.Time
	Degraded      bool // Broker or store errors with retries still in policy
}

// Writer consumes the durable quote and tick streams from the last committed
// offsets, accumulates records in a BatchBuffer, and flushes them to the
// store on a size or interval trigger. The buffer tracks the offset of every
// record it ingests, so each flush commits exactly the offsets of the records
// it drained; a crash between reads and flushes replays records instead of
// losing them, and the replay is idempotent at the store.
type Writer struct {
	cfg    config.WriterConfig
	broker broker.Broker
	store  Store
	logger *slog.Logger

	buf     *BatchBuffer
	flushCh chan struct{} // Size-trigger nudge from the consume loops

	// Offsets last written to the store, used to skip flushes that would
	// commit nothing new.
	commitMu  sync.Mutex
	committed map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   WriterStats
}

// NewWriter creates a batch persistence writer.
func NewWriter(cfg config.WriterConfig, b broker.Broker, store Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		cfg:       cfg,
		broker:    b,
		store:     store,
		logger:    logger,
		buf:       NewBatchBuffer(cfg.HardCap, logger),
		flushCh:   make(chan struct{}, 1),
		committed: make(map[string]string),
	}
}

// Start loads the committed offsets and begins consuming and flushing.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	committed, err := w.store.LoadOffsets(ctx, w.cfg.Consumer)
	if err != nil {
		return err
	}
	w.commitMu.Lock()
	for topic, offset := range committed {
		w.committed[topic] = offset
	}
	w.commitMu.Unlock()

	w.wg.Add(3)
	go w.consumeLoop(broker.TopicQuotes, committed[broker.StreamTopic(broker.TopicQuotes)])
	go w.consumeLoop(broker.TopicTicks, committed[broker.StreamTopic(broker.TopicTicks)])
	go w.flushLoop()

	w.logger.Info("writer started",
		"consumer", w.cfg.Consumer,
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
		"resume_offsets", committed,
	)
	return nil
}

// Stop shuts down the loops and performs a final flush.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("writer stop timed out")
	}

	if err := w.flush(ctx); err != nil {
		w.logger.Error("final flush failed", "error", err)
		return err
	}

	w.logger.Info("writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() WriterStats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	stats := w.stats
	stats.Pending = w.buf.Len()
	stats.Evicted = w.buf.Evicted()
	return stats
}

// Healthy reports whether the writer is keeping up. Retries within policy
// leave it degraded, not crashed, so the orchestrator does not restart it
// while it is still holding unflushed data.
func (w *Writer) Healthy() bool {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return !w.stats.Degraded
}

// consumeLoop reads one stream into the buffer, reconnecting with backoff
// when the broker is unavailable. The read cursor starts at the committed
// offset and stays local to the loop; the durable offsets advance through
// the buffer as records are ingested.
func (w *Writer) consumeLoop(topic, from string) {
	defer w.wg.Done()

	if from == "" {
		from = broker.StartOffset
	}
	backoff := w.cfg.RetryBaseDelay

	for {
		if w.ctx.Err() != nil {
			return
		}

		records, err := w.broker.Read(w.ctx, topic, from, readCount, w.cfg.ReadBlock)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.countReadError()
			w.logger.Warn("stream read failed", "topic", topic, "error", err, "retry_in", backoff)

			select {
			case <-w.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.cfg.RetryMaxDelay {
				backoff = w.cfg.RetryMaxDelay
			}
			continue
		}

		backoff = w.cfg.RetryBaseDelay
		w.clearDegradedIfIdle()

		if len(records) == 0 {
			continue
		}

		for _, rec := range records {
			w.handleRecord(topic, rec)
		}
		from = records[len(records)-1].Offset

		if w.buf.Len() >= w.cfg.BatchSize {
			select {
			case w.flushCh <- struct{}{}:
			default:
			}
		}
	}
}

// handleRecord decodes one stream record into the buffer. Offsets are keyed
// by stream topic, matching the names in the stream_offsets table.
func (w *Writer) handleRecord(topic string, rec broker.Record) {
	stream := broker.StreamTopic(topic)

	switch topic {
	case broker.TopicQuotes:
		q, err := model.DecodeQuote(rec.Payload)
		if err != nil {
			w.logger.Warn("undecodable quote record", "offset", rec.Offset, "error", err)
			return
		}
		w.buf.IngestQuote(q, stream, rec.Offset)

	case broker.TopicTicks:
		t, err := model.DecodeTick(rec.Payload)
		if err != nil {
			w.logger.Warn("undecodable tick record", "offset", rec.Offset, "error", err)
			return
		}
		w.buf.IngestTick(t, stream, rec.Offset)
	}
}

// flushLoop flushes on the interval or on a size trigger, retrying failed
// flushes with backoff. The buffer keeps accumulating during retries.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	backoff := w.cfg.RetryBaseDelay

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		case <-w.flushCh:
		}

		for {
			err := w.flush(w.ctx)
			if err == nil {
				backoff = w.cfg.RetryBaseDelay
				break
			}
			if w.ctx.Err() != nil {
				return
			}

			w.logger.Error("flush failed", "error", err, "pending", w.buf.Len(), "retry_in", backoff)

			select {
			case <-w.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.cfg.RetryMaxDelay {
				backoff = w.cfg.RetryMaxDelay
			}
		}
	}
}

// flush drains the buffer and writes one transaction. The drained offsets
// come out of the same critical section as the drained records, so the
// commit never covers a record the flush did not persist. On failure the
// drained records merge back so nothing is lost; newer arrivals win the
// merge.
func (w *Writer) flush(ctx context.Context) error {
	quotes, ticks, offsets := w.buf.Drain()

	if len(quotes) == 0 && len(ticks) == 0 && !w.offsetsAdvanced(offsets) {
		return nil
	}

	start := time.Now()

	res, err := w.store.Flush(ctx, w.cfg.Consumer, FlushSet{
		Quotes:  quotes,
		Ticks:   ticks,
		Offsets: offsets,
	})
	if err != nil {
		w.buf.Merge(quotes, ticks)
		w.statsMu.Lock()
		w.stats.FlushErrors++
		w.stats.Degraded = true
		w.statsMu.Unlock()
		return err
	}
	w.setCommitted(offsets)

	w.statsMu.Lock()
	w.stats.Flushes++
	w.stats.QuoteUpserts += int64(res.QuoteUpserts)
	w.stats.StaleQuotes += int64(res.StaleQuotes)
	w.stats.TickInserts += int64(res.TickInserts)
	w.stats.TickConflicts += int64(res.TickConflicts)
	w.stats.LastFlushAt = time.Now()
	w.stats.Degraded = false
	w.statsMu.Unlock()

	w.logger.Debug("flushed batch",
		"quotes", len(quotes),
		"ticks", len(ticks),
		"stale_quotes", res.StaleQuotes,
		"tick_conflicts", res.TickConflicts,
		"duration", time.Since(start),
	)
	return nil
}

// offsetsAdvanced reports whether any drained offset is ahead of the last
// committed one. A batch of all-stale quotes drains no records but still
// moves the consumer forward.
func (w *Writer) offsetsAdvanced(offsets map[string]string) bool {
	w.commitMu.Lock()
	defer w.commitMu.Unlock()
	for topic, off := range offsets {
		if w.committed[topic] != off {
			return true
		}
	}
	return false
}

func (w *Writer) setCommitted(offsets map[string]string) {
	w.commitMu.Lock()
	for topic, off := range offsets {
		w.committed[topic] = off
	}
	w.commitMu.Unlock()
}

func (w *Writer) countReadError() {
	w.statsMu.Lock()
	w.stats.ReadErrors++
	w.stats.Degraded = true
	w.statsMu.Unlock()
}

// clearDegradedIfIdle drops the degraded flag after a successful read when no
// flush retry is in progress.
func (w *Writer) clearDegradedIfIdle() {
	w.statsMu.Lock()
	if w.stats.Degraded && w.stats.FlushErrors == 0 {
		w.stats.Degraded = false
	}
	w.statsMu.Unlock()
}

package writer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rmehra/marketpipe/internal/model"
)

// BatchBuffer accumulates records between flushes. Quotes are deduplicated
// per entity key by event timestamp (last write wins; on equal timestamps the
// last processed record wins). Ticks are appended unconditionally.
//
// The buffer also tracks the stream offset of the last record ingested per
// topic. The offset advances in the same critical section as the record, so
// a concurrent Drain never reports an offset covering a record it did not
// also return.
//
// The hard cap bounds the quote map during store outages: when exceeded, the
// oldest quote entry is logged, evicted, and counted. Ticks are never
// evicted.
type BatchBuffer struct {
	logger *slog.Logger

	mu      sync.Mutex
	quotes  map[string]model.Quote
	order   []string // Entity keys in first-insertion order, oldest first
	ticks   []model.Tick
	offsets map[string]string // High-water offset per topic, survives drains
	hardCap int

	evicted      int64
	stale        int64 // Quotes discarded for carrying an older event timestamp
	lastEvictLog time.Time
}

// NewBatchBuffer creates an empty buffer. hardCap <= 0 disables eviction.
func NewBatchBuffer(hardCap int, logger *slog.Logger) *BatchBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchBuffer{
		logger:  logger,
		quotes:  make(map[string]model.Quote),
		offsets: make(map[string]string),
		hardCap: hardCap,
	}
}

// PutQuote merges a quote into the buffer. Returns false when the quote was
// discarded because a newer event for the same entity is already pending.
func (b *BatchBuffer) PutQuote(q model.Quote) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.putQuoteLocked(q)
}

// IngestQuote merges a quote and advances the offset for its topic. The
// offset advances even when the quote is discarded as stale; a discarded
// record is processed, not pending.
func (b *BatchBuffer) IngestQuote(q model.Quote, topic, offset string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offsets[topic] = offset
	return b.putQuoteLocked(q)
}

func (b *BatchBuffer) putQuoteLocked(q model.Quote) bool {
	existing, ok := b.quotes[q.EntityKey]
	if ok {
		if q.EventTS < existing.EventTS {
			b.stale++
			return false
		}
		b.quotes[q.EntityKey] = q
		return true
	}

	b.quotes[q.EntityKey] = q
	b.order = append(b.order, q.EntityKey)

	if b.hardCap > 0 && len(b.quotes) > b.hardCap {
		b.evictOldestLocked()
	}
	return true
}

// evictOldestLocked drops the quote entry that entered the buffer first. The
// warn is throttled; during a long store outage every arrival past the cap
// evicts one entry.
func (b *BatchBuffer) evictOldestLocked() {
	for len(b.order) > 0 {
		key := b.order[0]
		b.order = b.order[1:]
		if _, ok := b.quotes[key]; ok {
			delete(b.quotes, key)
			b.evicted++
			if time.Since(b.lastEvictLog) >= time.Second {
				b.lastEvictLog = time.Now()
				b.logger.Warn("quote buffer at hard cap, dropping oldest",
					"entity_key", key, "evicted_total", b.evicted)
			}
			return
		}
	}
}

// AddTick appends a tick. Ticks are never deduplicated or evicted.
func (b *BatchBuffer) AddTick(t model.Tick) {
	b.mu.Lock()
	b.ticks = append(b.ticks, t)
	b.mu.Unlock()
}

// IngestTick appends a tick and advances the offset for its topic.
func (b *BatchBuffer) IngestTick(t model.Tick, topic, offset string) {
	b.mu.Lock()
	b.offsets[topic] = offset
	b.ticks = append(b.ticks, t)
	b.mu.Unlock()
}

// Len returns the total pending record count.
func (b *BatchBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.quotes) + len(b.ticks)
}

// QuoteCount returns the number of pending quote entries.
func (b *BatchBuffer) QuoteCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.quotes)
}

// TickCount returns the number of pending ticks.
func (b *BatchBuffer) TickCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ticks)
}

// Evicted returns the count of quotes dropped by the hard cap.
func (b *BatchBuffer) Evicted() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// Stale returns the count of quotes discarded as out of date on arrival.
func (b *BatchBuffer) Stale() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stale
}

// Drain atomically removes and returns all pending records along with the
// offsets covering them. Quotes come out in first-insertion order. Offsets
// are high-water marks and survive the drain; a later drain reports them
// again until they advance.
func (b *BatchBuffer) Drain() ([]model.Quote, []model.Tick, map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var offsets map[string]string
	if len(b.offsets) > 0 {
		offsets = make(map[string]string, len(b.offsets))
		for topic, off := range b.offsets {
			offsets[topic] = off
		}
	}

	if len(b.quotes) == 0 && len(b.ticks) == 0 {
		return nil, nil, offsets
	}

	quotes := make([]model.Quote, 0, len(b.quotes))
	for _, key := range b.order {
		if q, ok := b.quotes[key]; ok {
			quotes = append(quotes, q)
			delete(b.quotes, key)
		}
	}
	ticks := b.ticks

	b.order = b.order[:0]
	b.ticks = nil

	return quotes, ticks, offsets
}

// Merge puts drained records back after a failed flush. Drained quotes merge
// through the usual last-write-wins path, so anything newer that arrived
// during the attempt is kept. Drained ticks go back in front of newer ones.
func (b *BatchBuffer) Merge(quotes []model.Quote, ticks []model.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, q := range quotes {
		b.putQuoteLocked(q)
	}
	if len(ticks) > 0 {
		b.ticks = append(ticks, b.ticks...)
	}
}

package writer

import (
	"bytes"
	"log/slog"
	"strconv"
	"strings"
	"testing"

	"github.com/rmehra/marketpipe/internal/model"
)

func quoteAt(key string, eventTS int64, price float64) model.Quote {
	return model.Quote{
		EntityKey: key,
		LastPrice: price,
		EventTS:   eventTS,
		IngestTS:  eventTS + 50,
	}
}

func tickAt(key string, seq, eventTS int64, price float64) model.Tick {
	return model.Tick{Quote: quoteAt(key, eventTS, price), Seq: seq}
}

func TestBatchBuffer_LastWriteWins(t *testing.T) {
	b := NewBatchBuffer(0, nil)

	b.PutQuote(quoteAt("NFO:NIFTY-FUT", 10, 100))
	b.PutQuote(quoteAt("NFO:NIFTY-FUT", 12, 101))

	if got := b.QuoteCount(); got != 1 {
		t.Fatalf("QuoteCount = %d, want 1", got)
	}

	quotes, _, _ := b.Drain()
	if quotes[0].LastPrice != 101 {
		t.Errorf("LastPrice = %v, want 101", quotes[0].LastPrice)
	}
	if quotes[0].EventTS != 12 {
		t.Errorf("EventTS = %d, want 12", quotes[0].EventTS)
	}
}

func TestBatchBuffer_DiscardsOlderArrival(t *testing.T) {
	b := NewBatchBuffer(0, nil)

	b.PutQuote(quoteAt("NFO:NIFTY-FUT", 12, 101))
	if applied := b.PutQuote(quoteAt("NFO:NIFTY-FUT", 10, 100)); applied {
		t.Error("older quote applied, want discarded")
	}

	quotes, _, _ := b.Drain()
	if quotes[0].EventTS != 12 {
		t.Errorf("EventTS = %d, want 12", quotes[0].EventTS)
	}
	if got := b.Stale(); got != 1 {
		t.Errorf("Stale = %d, want 1", got)
	}
}

func TestBatchBuffer_EqualTimestampLastProcessedWins(t *testing.T) {
	b := NewBatchBuffer(0, nil)

	b.PutQuote(quoteAt("NFO:NIFTY-FUT", 10, 100))
	if applied := b.PutQuote(quoteAt("NFO:NIFTY-FUT", 10, 105)); !applied {
		t.Error("equal-timestamp quote discarded, want applied")
	}

	quotes, _, _ := b.Drain()
	if quotes[0].LastPrice != 105 {
		t.Errorf("LastPrice = %v, want 105", quotes[0].LastPrice)
	}
}

func TestBatchBuffer_TicksNeverDeduplicated(t *testing.T) {
	b := NewBatchBuffer(0, nil)

	b.AddTick(tickAt("NFO:NIFTY-FUT", 1, 10, 100))
	b.AddTick(tickAt("NFO:NIFTY-FUT", 1, 10, 100))
	b.AddTick(tickAt("NFO:NIFTY-FUT", 2, 11, 101))

	if got := b.TickCount(); got != 3 {
		t.Errorf("TickCount = %d, want 3", got)
	}
}

func TestBatchBuffer_HardCapEvictsOldestQuote(t *testing.T) {
	b := NewBatchBuffer(2, nil)

	b.PutQuote(quoteAt("NFO:A", 10, 1))
	b.PutQuote(quoteAt("NFO:B", 11, 2))
	b.AddTick(tickAt("NFO:A", 1, 10, 1))
	b.PutQuote(quoteAt("NFO:C", 12, 3))

	if got := b.QuoteCount(); got != 2 {
		t.Errorf("QuoteCount = %d, want 2", got)
	}
	if got := b.Evicted(); got != 1 {
		t.Errorf("Evicted = %d, want 1", got)
	}
	// Ticks survive eviction.
	if got := b.TickCount(); got != 1 {
		t.Errorf("TickCount = %d, want 1", got)
	}

	quotes, _, _ := b.Drain()
	keys := make(map[string]bool)
	for _, q := range quotes {
		keys[q.EntityKey] = true
	}
	if keys["NFO:A"] {
		t.Error("oldest entry NFO:A survived eviction")
	}
	if !keys["NFO:B"] || !keys["NFO:C"] {
		t.Errorf("surviving keys = %v, want NFO:B and NFO:C", keys)
	}
}

func TestBatchBuffer_HardCapEvictionLogged(t *testing.T) {
	var logBuf bytes.Buffer
	b := NewBatchBuffer(1, slog.New(slog.NewTextHandler(&logBuf, nil)))

	b.PutQuote(quoteAt("NFO:A", 10, 1))
	b.PutQuote(quoteAt("NFO:B", 11, 2))

	if got := b.Evicted(); got != 1 {
		t.Fatalf("Evicted = %d, want 1", got)
	}
	out := logBuf.String()
	if !strings.Contains(out, "dropping oldest") {
		t.Errorf("eviction not logged, got %q", out)
	}
	if !strings.Contains(out, "NFO:A") {
		t.Errorf("evicted key missing from log, got %q", out)
	}
}

func TestBatchBuffer_UpdateDoesNotEvict(t *testing.T) {
	b := NewBatchBuffer(2, nil)

	b.PutQuote(quoteAt("NFO:A", 10, 1))
	b.PutQuote(quoteAt("NFO:B", 11, 2))
	b.PutQuote(quoteAt("NFO:A", 12, 3)) // Update in place, not a new entry

	if got := b.Evicted(); got != 0 {
		t.Errorf("Evicted = %d, want 0", got)
	}
	if got := b.QuoteCount(); got != 2 {
		t.Errorf("QuoteCount = %d, want 2", got)
	}
}

func TestBatchBuffer_DrainClears(t *testing.T) {
	b := NewBatchBuffer(0, nil)

	b.PutQuote(quoteAt("NFO:A", 10, 1))
	b.PutQuote(quoteAt("NFO:B", 11, 2))
	b.AddTick(tickAt("NFO:A", 1, 10, 1))

	quotes, ticks, _ := b.Drain()
	if len(quotes) != 2 || len(ticks) != 1 {
		t.Fatalf("Drain = %d quotes, %d ticks, want 2 and 1", len(quotes), len(ticks))
	}
	// First-insertion order
	if quotes[0].EntityKey != "NFO:A" {
		t.Errorf("quotes[0] = %s, want NFO:A", quotes[0].EntityKey)
	}

	if got := b.Len(); got != 0 {
		t.Errorf("Len after drain = %d, want 0", got)
	}
	if q, tk, _ := b.Drain(); q != nil || tk != nil {
		t.Error("second drain returned records")
	}
}

func TestBatchBuffer_DrainReturnsIngestOffsets(t *testing.T) {
	b := NewBatchBuffer(0, nil)

	b.IngestQuote(quoteAt("NFO:A", 10, 100), "quotes.stream", "1-0")
	b.IngestTick(tickAt("NFO:A", 1, 10, 100), "ticks.stream", "2-0")

	_, _, offsets := b.Drain()
	if offsets["quotes.stream"] != "1-0" {
		t.Errorf("quote offset = %q, want 1-0", offsets["quotes.stream"])
	}
	if offsets["ticks.stream"] != "2-0" {
		t.Errorf("tick offset = %q, want 2-0", offsets["ticks.stream"])
	}

	// Offsets are high-water marks; a later drain still carries them.
	b.IngestQuote(quoteAt("NFO:B", 11, 101), "quotes.stream", "3-0")
	_, _, offsets = b.Drain()
	if offsets["quotes.stream"] != "3-0" {
		t.Errorf("quote offset = %q, want 3-0", offsets["quotes.stream"])
	}
	if offsets["ticks.stream"] != "2-0" {
		t.Errorf("tick offset = %q, want 2-0", offsets["ticks.stream"])
	}
}

func TestBatchBuffer_StaleQuoteStillAdvancesOffset(t *testing.T) {
	b := NewBatchBuffer(0, nil)

	b.IngestQuote(quoteAt("NFO:A", 12, 101), "quotes.stream", "1-0")
	if applied := b.IngestQuote(quoteAt("NFO:A", 10, 100), "quotes.stream", "2-0"); applied {
		t.Error("older quote applied, want discarded")
	}

	_, _, offsets := b.Drain()
	if offsets["quotes.stream"] != "2-0" {
		t.Errorf("offset = %q, want 2-0 (a discarded record is still processed)",
			offsets["quotes.stream"])
	}
}

// Hammers a drainer against a concurrent ingester and checks that every
// drain's offset is covered by ticks already drained: an offset must never
// get ahead of the records it claims to commit.
func TestBatchBuffer_DrainOffsetsNeverOutrunDrainedTicks(t *testing.T) {
	b := NewBatchBuffer(0, nil)

	const total = 2000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= total; i++ {
			b.IngestTick(tickAt("NFO:A", int64(i), int64(i), 100), "ticks.stream", strconv.Itoa(i))
		}
	}()

	seen := make(map[int64]bool)
	drain := func() {
		_, ticks, offsets := b.Drain()
		for _, tk := range ticks {
			seen[tk.Seq] = true
		}
		off := offsets["ticks.stream"]
		if off == "" {
			return
		}
		n, err := strconv.Atoi(off)
		if err != nil {
			t.Fatalf("bad offset %q: %v", off, err)
		}
		for i := 1; i <= n; i++ {
			if !seen[int64(i)] {
				t.Fatalf("drain reported offset %d without draining tick %d", n, i)
			}
		}
	}

	for {
		select {
		case <-done:
			drain()
			return
		default:
			drain()
		}
	}
}

func TestBatchBuffer_MergeKeepsNewerArrivals(t *testing.T) {
	b := NewBatchBuffer(0, nil)

	b.PutQuote(quoteAt("NFO:A", 10, 100))
	b.AddTick(tickAt("NFO:A", 1, 10, 100))
	quotes, ticks, _ := b.Drain()

	// A newer quote arrives while the failed flush is being retried.
	b.PutQuote(quoteAt("NFO:A", 12, 101))
	b.AddTick(tickAt("NFO:A", 2, 12, 101))

	b.Merge(quotes, ticks)

	gotQuotes, gotTicks, _ := b.Drain()
	if len(gotQuotes) != 1 {
		t.Fatalf("quotes = %d, want 1", len(gotQuotes))
	}
	if gotQuotes[0].EventTS != 12 {
		t.Errorf("EventTS = %d, want newer 12", gotQuotes[0].EventTS)
	}
	if len(gotTicks) != 2 {
		t.Fatalf("ticks = %d, want 2", len(gotTicks))
	}
	// Drained ticks return ahead of newer ones.
	if gotTicks[0].Seq != 1 || gotTicks[1].Seq != 2 {
		t.Errorf("tick order = %d,%d, want 1,2", gotTicks[0].Seq, gotTicks[1].Seq)
	}
}

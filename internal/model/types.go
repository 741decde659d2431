package model

// -----------------------------------------------------------------------------
// Market Data Types
// -----------------------------------------------------------------------------

// Quote is one market-data update for a single instrument. Only the newest
// quote per entity key matters; older quotes are superseded, never merged.
// Quotes are immutable once created by the feed publisher.
type Quote struct {
	EntityKey    string  `json:"entity_key"`              // Stable instrument identifier
	LastPrice    float64 `json:"last_price"`              // Last traded price
	LastQty      int64   `json:"last_qty"`                // Quantity of the last trade
	Volume       int64   `json:"volume"`                  // Cumulative session volume
	OpenInterest int64   `json:"open_interest,omitempty"` // Open interest (derivatives only)
	BidPrice     float64 `json:"bid_price,omitempty"`     // Best bid price
	BidQty       int64   `json:"bid_qty,omitempty"`       // Quantity at best bid
	AskPrice     float64 `json:"ask_price,omitempty"`     // Best ask price
	AskQty       int64   `json:"ask_qty,omitempty"`       // Quantity at best ask
	EventTS      int64   `json:"event_ts"`                // Exchange timestamp (µs since epoch)
	IngestTS     int64   `json:"ingest_ts"`               // Publisher receive timestamp (µs since epoch)
}

// Tick is an append-only historical record with the same shape as Quote plus
// a per-entity monotonically increasing sequence number. Every accepted tick
// is persisted exactly once; ticks are never overwritten or deduplicated
// in-flight.
type Tick struct {
	Quote
	Seq int64 `json:"seq"` // Per-entity monotonic sequence number
}

// -----------------------------------------------------------------------------
// Reference Data Types
// -----------------------------------------------------------------------------

// Category classifies a tradable instrument.
type Category string

const (
	CategoryFuture Category = "future"
	CategoryOption Category = "option"
	CategoryEquity Category = "equity"
)

// OptionSide distinguishes calls from puts. Empty for non-options.
type OptionSide string

const (
	SideCall OptionSide = "CE"
	SidePut  OptionSide = "PE"
)

// Instrument is reference metadata for one tradable instrument. Read-mostly:
// refreshed at session start by the instrument registry, never mutated
// mid-session by the pipeline.
type Instrument struct {
	EntityKey  string     // Primary key (e.g. "NFO:NIFTY24SEP24000CE")
	Symbol     string     // Human-readable trading symbol
	Underlying string     // Underlying index/stock symbol (e.g. "NIFTY")
	Category   Category   // future, option, or equity
	Expiry     string     // Contract expiry date "2006-01-02", empty for equity
	Strike     float64    // Option strike price, 0 for non-options
	Side       OptionSide // CE/PE for options, empty otherwise
	LotSize    int64      // Contract lot size
}

package feed

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrIdleTimeout     = errors.New("no data within idle window")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrSubscribeFailed = errors.New("subscription rejected")
)

// ConnState is the feed publisher's connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateSubscribing  ConnState = "subscribing"
	StateStreaming    ConnState = "streaming"
	StateReconnecting ConnState = "reconnecting"
)

// Frame wraps raw message bytes with the local receive timestamp.
type Frame struct {
	Data       []byte    // Raw message bytes from the transport
	ReceivedAt time.Time // Local timestamp when the read returned
}

// SourceConfig configures a websocket feed source.
type SourceConfig struct {
	URL          string        // Feed endpoint
	APIKey       string        // Bearer token (empty = no auth)
	PingTimeout  time.Duration // Max time without ping/pong before the connection is stale
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Frame channel buffer size
}

// DefaultSourceConfig returns sensible defaults.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		PingTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   10000,
	}
}

// -----------------------------------------------------------------------------
// Wire types
// -----------------------------------------------------------------------------

// frameEnvelope is used for fast type extraction.
type frameEnvelope struct {
	Type string `json:"type"` // "quote", "tick", "subscribed", "error"
}

// subscribeCmd is the subscription command sent after connect.
type subscribeCmd struct {
	Type   string   `json:"type"` // Always "subscribe"
	Tokens []string `json:"tokens"`
}

// subscribedWire is the subscription acknowledgment.
type subscribedWire struct {
	Type  string `json:"type"`
	Count int    `json:"count"` // Number of accepted tokens
}

// errorWire is an error frame from the feed.
type errorWire struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// quoteWire is the wire format for quote frames.
type quoteWire struct {
	Type   string  `json:"type"`
	Token  string  `json:"token"` // Entity key
	LTP    float64 `json:"ltp"`   // Last traded price
	LTQ    int64   `json:"ltq"`   // Last traded quantity
	Volume int64   `json:"vol"`
	OI     int64   `json:"oi,omitempty"`
	Bid    float64 `json:"bid,omitempty"`
	BidQty int64   `json:"bid_qty,omitempty"`
	Ask    float64 `json:"ask,omitempty"`
	AskQty int64   `json:"ask_qty,omitempty"`
	TS     int64   `json:"ts"` // Exchange timestamp (ms since epoch)
}

// tickWire is the wire format for tick frames: quote shape plus sequence.
type tickWire struct {
	quoteWire
	Seq int64 `json:"seq"`
}

func decodeEnvelope(data []byte) (string, error) {
	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

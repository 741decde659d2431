package feed

import (
	"encoding/json"
	"fmt"

	"github.com/rmehra/marketpipe/internal/model"
)

// Wire timestamps are milliseconds since epoch; internal timestamps are
// microseconds. IngestTS is stamped from the frame's local receive time.

func parseQuote(f Frame) (model.Quote, error) {
	var wire quoteWire
	if err := json.Unmarshal(f.Data, &wire); err != nil {
		return model.Quote{}, fmt.Errorf("parse quote: %w", err)
	}
	if wire.Token == "" {
		return model.Quote{}, fmt.Errorf("parse quote: %w", model.ErrMissingEntityKey)
	}

	return model.Quote{
		EntityKey:    wire.Token,
		LastPrice:    wire.LTP,
		LastQty:      wire.LTQ,
		Volume:       wire.Volume,
		OpenInterest: wire.OI,
		BidPrice:     wire.Bid,
		BidQty:       wire.BidQty,
		AskPrice:     wire.Ask,
		AskQty:       wire.AskQty,
		EventTS:      wire.TS * 1000, // ms → µs
		IngestTS:     f.ReceivedAt.UnixMicro(),
	}, nil
}

func parseTick(f Frame) (model.Tick, error) {
	var wire tickWire
	if err := json.Unmarshal(f.Data, &wire); err != nil {
		return model.Tick{}, fmt.Errorf("parse tick: %w", err)
	}
	if wire.Token == "" {
		return model.Tick{}, fmt.Errorf("parse tick: %w", model.ErrMissingEntityKey)
	}

	return model.Tick{
		Quote: model.Quote{
			EntityKey:    wire.Token,
			LastPrice:    wire.LTP,
			LastQty:      wire.LTQ,
			Volume:       wire.Volume,
			OpenInterest: wire.OI,
			BidPrice:     wire.Bid,
			BidQty:       wire.BidQty,
			AskPrice:     wire.Ask,
			AskQty:       wire.AskQty,
			EventTS:      wire.TS * 1000,
			IngestTS:     f.ReceivedAt.UnixMicro(),
		},
		Seq: wire.Seq,
	}, nil
}

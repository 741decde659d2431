package model

import (
	"encoding/json"
	"fmt"
)

// The broker carries quotes and ticks as JSON. The same encoding is used on
// the ephemeral channel and the durable stream so any consumer can read both.

// EncodeQuote serializes a quote for broker publication.
func EncodeQuote(q Quote) ([]byte, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encode quote: %w", err)
	}
	return data, nil
}

// DecodeQuote parses a broker payload into a quote.
func DecodeQuote(data []byte) (Quote, error) {
	var q Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return Quote{}, fmt.Errorf("decode quote: %w", err)
	}
	if q.EntityKey == "" {
		return Quote{}, fmt.Errorf("decode quote: %w", ErrMissingEntityKey)
	}
	return q, nil
}

// EncodeTick serializes a tick for broker publication.
func EncodeTick(t Tick) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode tick: %w", err)
	}
	return data, nil
}

// DecodeTick parses a broker payload into a tick.
func DecodeTick(data []byte) (Tick, error) {
	var t Tick
	if err := json.Unmarshal(data, &t); err != nil {
		return Tick{}, fmt.Errorf("decode tick: %w", err)
	}
	if t.EntityKey == "" {
		return Tick{}, fmt.Errorf("decode tick: %w", ErrMissingEntityKey)
	}
	return t, nil
}

package feed

import "context"

// Source is one logical connection to the external market-data feed. The
// publisher owns exactly one live source at a time and replaces it wholesale
// on reconnect.
type Source interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Subscribe sends the subscription command for the given entity keys.
	// The acknowledgment arrives as a frame on Frames().
	Subscribe(ctx context.Context, entityKeys []string) error

	// Frames returns a channel of raw frames with receive timestamps.
	Frames() <-chan Frame

	// Errors returns a channel of transport errors.
	Errors() <-chan error

	// Close tears down the connection.
	Close() error
}

// SourceFactory builds a fresh source for each connection attempt.
type SourceFactory func() Source

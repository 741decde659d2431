// Package feed implements the feed publisher: one logical connection to the
// external market-data source, republishing every record onto the broker.
//
// The connection state machine:
//
//	DISCONNECTED → CONNECTING → SUBSCRIBING → STREAMING
//	                   ↑                          |
//	                   └──── RECONNECTING ←───────┘
//
// Reconnects back off exponentially (base delay doubling to a cap) and the
// backoff resets to base after any streaming period longer than the
// stability window. An explicit stop from any state goes to DISCONNECTED.
package feed

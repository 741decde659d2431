// Package instrument resolves logical instrument selections against a
// read-only reference-data snapshot.
//
// The registry is off the hot path: it is consulted once at startup to build
// the feed subscription list, and again on instrument-set changes such as a
// daily expiry roll.
package instrument

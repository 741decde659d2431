// Package writer persists broker records to Postgres in batches.
//
// Quotes are deduplicated per entity key before flushing (newest event
// timestamp wins) and upserted; ticks are appended and bulk-inserted.
// Stream offsets commit inside the flush transaction, so restarts resume
// after the last flushed record and replays are idempotent.
package writer

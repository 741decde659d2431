// Package supervisor orchestrates the pipeline's worker processes.
//
// Services start in priority order, with a stabilization wait after each
// critical one. A fixed-interval health loop detects crashed processes and
// restarts them with a monotonically increasing backoff, bounded by a
// per-service restart budget; exhausting the budget is terminal for that
// service but never for its siblings.
package supervisor

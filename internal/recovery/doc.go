// Package recovery decides which failures are worth retrying. It wraps any
// fallible call with declared-attribute classification, exponential backoff
// with jitter, a per-dependency circuit breaker, and an optional fallback
// operation used while the primary's circuit is open. Unrecoverable failures
// escalate exactly once to the caller.
package recovery

// Package txcoord coordinates on-chain transaction submission: nonce
// reservation, gas estimation, signing, broadcast and confirmation
// monitoring. Nonces are issued strictly per (address, chain) so that
// concurrent executions on the same signing key never collide, and a
// reservation is returned to the pool exactly once when broadcast fails.
// A monitoring timeout yields an ambiguous outcome rather than a failure:
// the transaction may still land, so callers re-query instead of
// re-sending.
package txcoord

// Package execution is the orchestrator core: a state machine that
// drives one strategy execution per run from trigger to terminal
// outcome. The transition table is a fixed adjacency map, every
// transition appends to an append-only audit history and is persisted
// before any notification is emitted, and the durable store is the
// single source of truth after a crash. At most one execution per
// strategy may be in a non-terminal state; duplicate scheduler triggers
// are rejected at creation time rather than queued.
package execution

// Package strategy models the recurring automation intents users delegate to
// the orchestrator, such as periodic token purchases or portfolio rebalances.
// A strategy is never executed directly; each scheduler trigger materializes
// it into an execution tracked by the execution package.
package strategy

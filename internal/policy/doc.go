// Package policy implements the layered gate every proposed on-chain action
// must pass before it reaches the network. Three evaluators run in a fixed
// order (system, session, risk); a block-severity violation short-circuits
// the remaining layers and their absence is recorded in the result rather
// than silently omitted. Evaluation is read-only by contract.
package policy

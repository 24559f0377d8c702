// Package notify publishes execution state changes, policy violations
// and operational alerts to external collaborators. Events fan out to
// the configured channels; delivery failures are logged and never feed
// back into the state machine.
package notify

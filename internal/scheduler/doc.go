// Package scheduler turns strategy schedules into execution triggers. It
// loads active strategies on startup, registers their cron expressions, and
// invokes the configured trigger callback when a strategy becomes due.
package scheduler

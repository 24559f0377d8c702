// Package mysql provides the shared MySQL connection bootstrap: pool tuning,
// connectivity checks, and embedded schema migrations for the strategy and
// execution stores.
package mysql

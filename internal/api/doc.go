// Package api exposes the REST surface for managing strategies, approving
// and cancelling executions, and toggling the global kill switch.
package api

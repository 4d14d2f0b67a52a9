// Package session owns the lifecycle of conversational sessions: one
// orchestrator and working-memory pair per session id, single-flight turn
// handling, idle eviction and snapshot persistence.
package session

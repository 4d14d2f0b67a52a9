// Package oracle contains adapters for the reasoning engine that drives the
// orchestration loop. It abstracts away provider-specific APIs and normalizes
// the structured decision contract used by the state machine.
package oracle

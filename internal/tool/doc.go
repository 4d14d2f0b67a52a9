// Package tool defines the adapter contract that external capabilities use to
// plug into the orchestration loop, together with the built-in workspace
// tools. Adapters report business-level failures through the result value so
// the loop can keep running; transport-level failures surface as errors.
package tool

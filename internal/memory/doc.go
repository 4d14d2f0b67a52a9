// Package memory implements per-session conversation memory for the agent
// runtime: a typed entity store populated from tool results, an append-only
// tool execution history, and versioned snapshot persistence. The stores feed
// reference resolution ("delete the event") and the orchestrator's loop
// guards, so reads deliberately update recency metadata.
package memory

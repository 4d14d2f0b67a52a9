// Package orchestrator implements the reasoning loop at the heart of the
// assistant. A state machine alternates between asking the reasoning engine
// for a decision and executing the tools it picked, with a deterministic
// quality gate and a hard step budget guaranteeing termination regardless of
// what the engine returns.
package orchestrator

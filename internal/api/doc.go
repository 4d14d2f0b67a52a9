// Package api exposes the REST surface of the assistant: a synchronous chat
// endpoint backed by the session registry, asynchronous turn submission and
// lookup backed by the turn service, and operational endpoints for health and
// metrics.
package api

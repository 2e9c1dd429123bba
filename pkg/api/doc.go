// Package api contains the shared types of the hrflow engine: history
// events, workflow and instance metadata, the workflow context used by
// workflow functions, and the Observer interface for logging and
// metrics.
//
// It is imported by both the engine internals and by user-facing
// packages, and holds no behavior beyond pure data manipulation.
package api

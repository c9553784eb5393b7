// Package api contains the core building blocks shared by the fluxetl
// engine, its persistence backends and step handlers.
//
// Most users interact with the higher-level fluxetl package, which re-exports
// selected types and helpers from this package. The api package is intended
// for step authors, custom integrations, or contributors extending the engine
// itself.
//
// # Concepts
//
// The api package centers around a small set of concepts:
//
//   - Snapshots and step records
//   - Step handlers and step results
//   - Run results and progress
//   - Observability
//
// # Snapshots
//
// A Snapshot is the durable state of one pipeline run. It records the run
// status, the index of the next step to execute, a StepRecord for every
// finished step, the serialized execution context and the fingerprint of the
// source the run was started against. Snapshots are keyed by a state hash
// computed from the run inputs, so invoking the same pipeline with the same
// source and options finds the same snapshot and resumes it.
//
// The JSON layout of Snapshot is read by external status tools. Readers
// tolerate unknown fields and default missing optional ones.
//
// # Step Handlers
//
// A step is a named unit of pipeline work. Steps are backed by handlers:
//
//	type StepHandler interface {
//	    Execute(ctx context.Context, in StepInput) StepResult
//	}
//
// Failure is a value: a handler returns a StepResult with Err set and the
// engine records the failure, persists it and stops the run. Non-fatal
// problems (a malformed row) go into StepResult.Errors and are counted in
// StepResult.Failed without stopping the run.
//
// Handlers share data through the execution context (see package etlctx).
// Handlers that implement KeyDeclarer let the engine verify, when the pipeline
// is assembled, that every key a step reads is written by an earlier step.
//
// # Observability
//
// The Observer interface is used by the engine to report run, step and memory
// events. LoggingObserver writes them with log/slog, BasicMetrics keeps
// in-memory counters, and NewCompositeObserver combines several observers.
package api

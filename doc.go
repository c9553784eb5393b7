// Package fluxetl provides an embeddable, checkpointed ETL pipeline engine
// for Go.
//
// A pipeline is an ordered list of named steps run against a data source.
// After every step the engine persists a snapshot of the run, so a run that
// is interrupted by a crash, a restart or a memory ceiling resumes from the
// last completed step instead of starting over.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Engine
//  2. StepHandler
//  3. Context
//  4. StateRepository
//  5. PipelineBuilder, Bundle and Runner
//
// # Engine
//
// Engine.Process computes a state hash over the source path, its
// modification time and size, the options and the driver configuration. If a
// snapshot exists for that hash and the source is unchanged, the run resumes
// at the recorded step index; otherwise a fresh snapshot is written. Steps
// that already completed are never executed again, and counts are summed from
// the persisted step progress so nothing is counted twice.
//
// A failing step is recorded, the run is marked failed and the failure is
// returned. Calling Process again retries the failed step. Pause, Resume,
// Restart, GetProgress and the Is* queries act on the persisted snapshot.
//
// A memory governor samples process memory before and after each step. A
// breach of the configured ceiling fails the step; crossing 90% of the
// ceiling records a warning in the snapshot.
//
// # StepHandler
//
// Handlers receive the source, the options, the driver configuration and the
// live execution context, and return counts and partial errors:
//
//	enrich := fluxetl.StepFunc(func(ctx context.Context, in fluxetl.StepInput) fluxetl.StepResult {
//	    headers, _ := etlctx.Get[[]string](in.Context, "headers")
//	    ...
//	    return fluxetl.StepResult{Processed: n}
//	})
//
// Handlers may declare the context keys they read and write (Declared); the
// builder then checks that every key is written before it is read.
//
// The built-in steps validate, detect_delimiter, parse_headers and
// import_rows import delimited text files into SQLite. import_rows
// checkpoints its row offset so a crash inside a long import resumes at the
// last checkpointed batch.
//
// # StateRepository
//
// Snapshots are JSON documents stored by one of the backends: in-memory
// (tests), file (one document per run, written atomically under an advisory
// lock), SQLite or Redis. A corrupt snapshot is backed up and replaced by a
// minimal recovery snapshot instead of failing the run.
//
// Completed runs are scheduled for deletion after a retention window; the
// engine's Scheduler sweeps expired snapshots.
//
// # Runner
//
// An Engine drives one run at a time. Runner processes many sources in
// parallel with a pool of workers, building one engine per job.
package fluxetl

// Package worker drives pipeline runs from a job queue.
//
// A Worker dequeues one job at a time, obtains a fresh Processor (normally an
// engine) from its Factory and runs the job's source through it. Several
// workers can share a queue to process distinct sources in parallel; two jobs
// for the same source and options must not run at the same time, because the
// engine assumes a single writer per state hash.
//
// Most callers use fluxetl.Runner, which starts and stops a pool of workers.
package worker

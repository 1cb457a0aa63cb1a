// Package pipeline is the orchestration layer tying threading, spam
// prevention, and batching together behind a single Submit entry point.
//
// For every inbound event it consults the thread manager first (so related
// events are associated before batching), runs the spam prevention chain,
// then inserts into the batch engine. Digests flushed by a submit are handed
// to the configured sink immediately; digests whose groups stay pending are
// flushed later by a per-channel cancellable timer that is rescheduled, never
// stacked, as deadlines move.
package pipeline

// Package thread associates events with existing conversation threads so the
// delivery layer can reply under a parent message instead of starting a new
// top-level post.
//
// Matching strategies run in configured order (entity, content, temporal,
// workflow) against per-channel thread state. Expired threads are purged
// lazily before each matching pass and by the periodic sweep.
package thread

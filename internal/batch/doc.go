// Package batch groups related events into per-channel digests.
//
// The engine owns one isolated namespace per destination channel: pending
// groups, their storage keys, and cumulative channel statistics. Events join
// a group through pluggable strategies (time window, content similarity,
// author, priority, mixed) evaluated first-match-wins; a group is flushed
// and rendered once it reaches its size cap, its age cap, or its expiry.
//
// Flush failures restore the group to pending state so no messages are lost;
// the flush is retried on the next insert or sweep.
package batch

// Package spam gates inbound events before they reach the batch engine.
//
// Four independently toggleable strategies run in order on every submit:
// content deduplication, sliding rate limits, burst cooldown, and quiet
// hours. Events that pass receive an adaptive emission delay that throttles
// when the joined batch group may flush; insertion itself is never delayed.
//
// All state is partitioned per channel. Duplicate suppression can optionally
// be persisted so it survives restarts.
package spam

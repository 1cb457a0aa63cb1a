package storage

// Package storage provides the minimal persistence layer used by the daemon.
//
// It currently supports:
//   - Emission audit appends (what was emitted, suppressed, or deferred)
//   - Spam dedup state (so duplicate suppression survives restarts)

// Package flock provides cross-process advisory locking for the vault.
//
// Two OS processes (the main client and the notification handler) share one
// encrypted store per identity. SQLite's own locking is necessary but not
// sufficient across the process boundary, so state transitions that must not
// race (checkpoint-then-close, account switch, repair) are bracketed by
// advisory locks taken here.
//
// One zero-byte lock file exists per identity, plus one global file for
// whole-store transitions. Lock files live in a directory separate from the
// data directory, are created on first reference, and are never deleted or
// read, only locked.
//
// Locks are re-entrant within a process: a refcount per identity tracks
// nested acquisition, and the OS lock is released only when the count drops
// to zero. Blocking acquisition polls at a short interval so it can be
// cancelled cleanly via context.
package flock

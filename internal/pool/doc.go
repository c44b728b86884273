// Package pool manages one encrypted store handle per identity.
//
// The Manager owns all process-wide pool state: the identity-to-handle
// cache, the active (foreground) identity marker, and the set of identities
// with a close in progress. Every mutation is serialized under one mutex.
//
// Cached handles are revalidated with a trivial read before reuse. A failed
// validation is classified (internal/vaulterr) and the class decides the
// response:
//
//   - transient contention is surfaced for caller retry, nothing is evicted
//   - key mismatch evicts the handle but never repairs, because repair would
//     destroy the only correctly-encrypted copy
//   - corruption evicts and delegates to the progressive repair machine
//
// Fresh opens route both corruption and transient contention through the
// repair machine: corruption climbs the escalation ladder, contention is
// waited out boundedly and fails closed with every file intact.
//
// Identity switches are serialized: the previously active identity is
// checkpointed best-effort before the new one is marked active, and an open
// always waits out any in-progress close of the same identity. The ephemeral
// access path skips the active-identity bookkeeping entirely so the
// notification process never disturbs the foreground identity.
package pool

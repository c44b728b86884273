// Package repair escalates recovery of a corrupt identity store.
//
// The escalation is a pure function of the per-identity attempt count:
// attempts 1-2 delete only the write-ahead-log and shared-memory side files,
// attempt 3 and beyond performs a destructive reset of every file for the
// identity. A trigger classified as transient never escalates at any count;
// it is waited out and, past the bound, fails closed with all data intact.
//
// An exponential, capped cooldown throttles repeated attempts, armed only
// once a destructive reset has also failed: the ladder itself always runs
// to its end unthrottled. Every
// transition is logged with the error classification that justified it:
// silently escalating a transient condition into data loss is the exact
// failure mode this package exists to prevent.
package repair

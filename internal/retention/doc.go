// Package retention enforces forward secrecy over per-epoch key material.
//
// Each conversation epoch's symmetric key is stored when the cryptographic
// layer exports it, tombstoned on delete, and physically purged once it
// outlives the policy's retention period. Purge is irreversible by design:
// once an epoch's key is gone, ciphertext from that epoch is permanently
// undecryptable, even by the legitimate recipient.
//
// Policies are immutable (period, cleanup interval, purge-ciphertext)
// triples with named presets; an unbounded policy never expires anything.
// The Manager runs cleanup on the policy's interval in the background,
// independent of caller activity.
package retention

// Package keyring persists per-identity store encryption keys.
//
// A master key is derived from a passphrase with argon2id over a stored
// random salt; individual identity keys are generated once, sealed with
// nacl/secretbox under the master key, and written to a single YAML keyring
// file with atomic replace. PragmaKey expands a raw key through HKDF into
// the hex literal handed to the storage engine's key pragma.
//
// This is a building block consumed by the pool manager; it deliberately
// knows nothing about databases or processes.
package keyring

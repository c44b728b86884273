// Package vault wires the coordination engine together.
//
// An Engine composes the keyring, both lock coordinators, the pool manager,
// the repair state machine, and the retention manager from one Config. Each
// process constructs a single Engine and passes it explicitly; there are no
// package-level singletons, so tests can stand up isolated engines over
// temp directories.
package vault

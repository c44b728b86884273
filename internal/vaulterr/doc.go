// Package vaulterr defines the error taxonomy shared by the vault engine.
//
// Every storage failure is classified into a closed set of classes
// (transient, key mismatch, corruption, timeout, coordination, foreign key)
// at the point the underlying call fails. Classification drives all recovery
// decisions:
//
//   - transient errors are surfaced for retry and never trigger repair
//   - key mismatches are surfaced distinctly and never touch files
//   - corruption is handed to the progressive repair state machine
//
// Classification is performed over the mattn/go-sqlite3 typed error codes
// and context errors, never by matching on error message text.
package vaulterr

// Package coordinator provides cooperative file coordination between the two
// client processes.
//
// Callers request read (shared) or write (exclusive) access to a logical
// resource identified by an identity; the coordinator serializes the supplied
// operation body inside the critical section. A single timeout bounds lock
// acquisition plus the operation, and exactly one resolution (success,
// failure, or timeout) is delivered per call.
//
// This is the coarse, high-level complement to the advisory locks in
// internal/flock: flock brackets low-level store transitions, while this
// package wraps whole caller operations.
package coordinator

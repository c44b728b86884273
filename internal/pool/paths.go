// ABOUTME: Deterministic store file naming for identities
// ABOUTME: Primary database path plus WAL and shared-memory side files

package pool

import (
	"path/filepath"

	"github.com/2389/coven-vault/internal/identity"
)

// StorePath returns the encrypted store file for an identity inside dataDir.
// Both processes must resolve an identity to the same path, so the name is a
// pure function of the identity string.
func StorePath(dataDir, id string) string {
	return filepath.Join(dataDir, identity.Slugify(id)+".db")
}

// SideFiles returns the write-ahead-log and shared-memory files the engine
// keeps next to the primary store. Safe to delete only while no process has
// the store open, at the cost of un-checkpointed writes.
func SideFiles(storePath string) (wal, shm string) {
	return storePath + "-wal", storePath + "-shm"
}

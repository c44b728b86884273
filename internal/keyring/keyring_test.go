// ABOUTME: Tests for the file-backed keyring
// ABOUTME: Covers key stability across reopen, wrong passphrase, and derivation

package keyring

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestStoreKey_StableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.yaml")

	k1, err := Open(path, []byte("passphrase"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	key1, err := k1.StoreKey("did:example:alice")
	if err != nil {
		t.Fatalf("StoreKey: %v", err)
	}
	if len(key1) != keySize {
		t.Fatalf("expected %d-byte key, got %d", keySize, len(key1))
	}

	k2, err := Open(path, []byte("passphrase"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	key2, err := k2.StoreKey("did:example:alice")
	if err != nil {
		t.Fatalf("StoreKey after reopen: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Error("store key changed across reopen")
	}
}

func TestStoreKey_DistinctPerIdentity(t *testing.T) {
	k, err := Open(filepath.Join(t.TempDir(), "keyring.yaml"), []byte("pw"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a, _ := k.StoreKey("did:example:alice")
	b, _ := k.StoreKey("did:example:bob")
	if bytes.Equal(a, b) {
		t.Error("two identities share a store key")
	}
}

func TestOpen_WrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.yaml")
	k, err := Open(path, []byte("right"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := k.StoreKey("u1"); err != nil {
		t.Fatalf("StoreKey: %v", err)
	}

	if _, err := Open(path, []byte("wrong")); err == nil {
		t.Fatal("expected unseal failure with wrong passphrase")
	}
}

func TestDeleteKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.yaml")
	k, err := Open(path, []byte("pw"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	before, _ := k.StoreKey("u1")
	if err := k.DeleteKey("u1"); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	after, _ := k.StoreKey("u1")
	if bytes.Equal(before, after) {
		t.Error("key not rotated after delete")
	}

	// Deleting an absent key is a no-op.
	if err := k.DeleteKey("never-existed"); err != nil {
		t.Errorf("DeleteKey absent: %v", err)
	}
}

func TestPragmaKey_DeterministicAndScoped(t *testing.T) {
	raw := bytes.Repeat([]byte{0x42}, keySize)
	a := PragmaKey(raw, "u1")
	b := PragmaKey(raw, "u1")
	c := PragmaKey(raw, "u2")
	if a != b {
		t.Error("pragma key not deterministic")
	}
	if a == c {
		t.Error("pragma key not scoped to identity")
	}
	if len(a) != keySize*2 {
		t.Errorf("expected %d hex chars, got %d", keySize*2, len(a))
	}
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3}
	Zero(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("byte %d not zeroed", i)
		}
	}
}

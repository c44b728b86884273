// ABOUTME: File-backed keyring for per-identity store encryption keys
// ABOUTME: Master key derived via argon2id, identity keys sealed with secretbox

package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-vault/internal/identity"
)

const (
	keySize   = 32
	nonceSize = 24
	saltSize  = 16
)

// fileFormat is the on-disk keyring layout. Keys are stored sealed; the
// file alone is useless without the passphrase.
type fileFormat struct {
	Salt    string            `yaml:"salt"`
	Entries map[string]string `yaml:"entries"`
}

// Keyring stores one symmetric store key per identity, sealed under a master
// key derived from a passphrase. It is the secret-store building block the
// pool manager uses to key each identity's encrypted database.
type Keyring struct {
	path   string
	master [keySize]byte
	logger *slog.Logger

	mu      sync.Mutex
	salt    []byte
	entries map[string][]byte // slug -> raw 32-byte key
}

// Open loads (or initializes) the keyring at path using the given
// passphrase. A new keyring gets a fresh random salt.
func Open(path string, passphrase []byte) (*Keyring, error) {
	k := &Keyring{
		path:    path,
		logger:  slog.Default().With("component", "keyring"),
		entries: make(map[string][]byte),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		k.salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, k.salt); err != nil {
			return nil, fmt.Errorf("generating keyring salt: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("reading keyring: %w", err)
	default:
		var ff fileFormat
		if err := yaml.Unmarshal(data, &ff); err != nil {
			return nil, fmt.Errorf("parsing keyring: %w", err)
		}
		k.salt, err = base64.StdEncoding.DecodeString(ff.Salt)
		if err != nil {
			return nil, fmt.Errorf("decoding keyring salt: %w", err)
		}
		k.deriveMaster(passphrase)
		for slug, sealed := range ff.Entries {
			raw, err := base64.StdEncoding.DecodeString(sealed)
			if err != nil {
				return nil, fmt.Errorf("decoding key for %q: %w", slug, err)
			}
			key, err := k.unseal(raw)
			if err != nil {
				return nil, fmt.Errorf("unsealing key for %q: %w", slug, err)
			}
			k.entries[slug] = key
		}
		return k, nil
	}

	k.deriveMaster(passphrase)
	if err := k.save(); err != nil {
		return nil, err
	}
	k.logger.Info("initialized keyring", "path", path)
	return k, nil
}

func (k *Keyring) deriveMaster(passphrase []byte) {
	derived := argon2.IDKey(passphrase, k.salt, 1, 64*1024, 4, keySize)
	copy(k.master[:], derived)
	Zero(derived)
}

// StoreKey returns the raw 32-byte store key for an identity, generating and
// persisting a fresh one on first reference.
func (k *Keyring) StoreKey(id string) ([]byte, error) {
	slug := identity.Slugify(id)

	k.mu.Lock()
	defer k.mu.Unlock()

	if key, ok := k.entries[slug]; ok {
		out := make([]byte, keySize)
		copy(out, key)
		return out, nil
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating store key: %w", err)
	}
	k.entries[slug] = key
	if err := k.save(); err != nil {
		delete(k.entries, slug)
		return nil, err
	}
	k.logger.Info("generated store key", "identity", slug)

	out := make([]byte, keySize)
	copy(out, key)
	return out, nil
}

// DeleteKey removes an identity's store key, e.g. after a destructive reset
// rotated the store. No-op if absent.
func (k *Keyring) DeleteKey(id string) error {
	slug := identity.Slugify(id)
	k.mu.Lock()
	defer k.mu.Unlock()
	old, ok := k.entries[slug]
	if !ok {
		return nil
	}
	delete(k.entries, slug)
	if err := k.save(); err != nil {
		k.entries[slug] = old
		return err
	}
	Zero(old)
	return nil
}

// save writes the sealed keyring. Must be called with mu held.
func (k *Keyring) save() error {
	ff := fileFormat{
		Salt:    base64.StdEncoding.EncodeToString(k.salt),
		Entries: make(map[string]string, len(k.entries)),
	}
	for slug, key := range k.entries {
		sealed, err := k.seal(key)
		if err != nil {
			return err
		}
		ff.Entries[slug] = base64.StdEncoding.EncodeToString(sealed)
	}

	data, err := yaml.Marshal(&ff)
	if err != nil {
		return fmt.Errorf("encoding keyring: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return fmt.Errorf("creating keyring directory: %w", err)
	}
	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing keyring: %w", err)
	}
	if err := os.Rename(tmp, k.path); err != nil {
		return fmt.Errorf("replacing keyring: %w", err)
	}
	return nil
}

func (k *Keyring) seal(key []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], key, &nonce, &k.master), nil
}

func (k *Keyring) unseal(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed key too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	key, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &k.master)
	if !ok {
		return nil, fmt.Errorf("keyring passphrase mismatch")
	}
	return key, nil
}

// PragmaKey expands a raw store key into the hex key literal passed to the
// storage engine's key pragma. HKDF binds the expansion to the identity so
// two identities never share an engine-level key even if raw keys collide.
func PragmaKey(rawKey []byte, id string) string {
	r := hkdf.New(sha256.New, rawKey, nil, []byte("coven-vault:store-key:"+identity.Slugify(id)))
	out := make([]byte, keySize)
	if _, err := io.ReadFull(r, out); err != nil {
		// hkdf.Read only fails past its output limit, far beyond one block.
		panic(fmt.Sprintf("hkdf expand: %v", err))
	}
	return hex.EncodeToString(out)
}

// Zero overwrites b. Purged epoch key material must not linger in memory,
// since a retained copy defeats the forward-secrecy guarantee.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

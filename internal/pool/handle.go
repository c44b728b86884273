// ABOUTME: Encrypted per-identity database handle with WAL journaling
// ABOUTME: Owns the connection pool, schema creation, validation and checkpointing

package pool

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Handle is one identity's open encrypted store in this process: a bounded
// connection pool in WAL mode. The engine serializes writes internally; the
// cross-process exclusivity around open/close transitions comes from the
// lock coordinators, never from the engine alone.
type Handle struct {
	Identity  string
	Path      string
	CreatedAt time.Time

	db     *sql.DB
	logger *slog.Logger
}

// openHandle opens (creating if absent) the store for an identity, applies
// the key pragma, configures the pool, and ensures the schema.
func openHandle(ctx context.Context, id, path, pragmaKey string, maxReaders int, busyTimeout time.Duration) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	// One writer plus a bounded reader pool; idle connections are kept so
	// the key pragma survives reuse.
	db.SetMaxOpenConns(maxReaders + 1)
	db.SetMaxIdleConns(maxReaders + 1)
	db.SetConnMaxLifetime(0)

	h := &Handle{
		Identity:  id,
		Path:      path,
		CreatedAt: time.Now().UTC(),
		db:        db,
		logger:    slog.Default().With("component", "pool", "identity", id),
	}

	// The key pragma only takes effect when the driver is built against
	// SQLCipher/SEE; a stock sqlite3 build accepts and ignores it.
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA key = "x'%s'"`, pragmaKey)); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying store key: %w", err)
	}
	// Bounded page cache, ~2MB per connection.
	if _, err := db.ExecContext(ctx, `PRAGMA cache_size = -2000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring page cache: %w", err)
	}

	if err := h.createSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

// createSchema creates the tables the coordination engine references. The
// message/member columns are existence-level only; the full client schema
// lives above this layer.
func (h *Handle) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			epoch           INTEGER NOT NULL,
			ciphertext      BLOB,
			created_at      TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_epoch
			ON messages(conversation_id, epoch);

		CREATE TABLE IF NOT EXISTS members (
			conversation_id TEXT NOT NULL,
			member_id       TEXT NOT NULL,
			added_at        TEXT NOT NULL,
			PRIMARY KEY (conversation_id, member_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE TABLE IF NOT EXISTS epoch_keys (
			conversation_id TEXT NOT NULL,
			epoch           INTEGER NOT NULL,
			key_material    BLOB,
			created_at      TEXT NOT NULL,
			expires_at      TEXT,
			active          INTEGER NOT NULL DEFAULT 1,
			deleted_at      TEXT,
			PRIMARY KEY (conversation_id, epoch)
		);

		CREATE INDEX IF NOT EXISTS idx_epoch_keys_created
			ON epoch_keys(created_at);
	`
	if _, err := h.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Validate executes a trivial read to prove the cached handle is still
// usable. Errors are returned unwrapped for classification.
func (h *Handle) Validate(ctx context.Context) error {
	var one int
	return h.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

// Checkpoint folds the write-ahead log back into the primary file and
// truncates it.
func (h *Handle) Checkpoint(ctx context.Context) error {
	if _, err := h.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpointing %s: %w", h.Identity, err)
	}
	h.logger.Debug("checkpointed store")
	return nil
}

// DB exposes the underlying pool for callers layered above the engine.
func (h *Handle) DB() *sql.DB { return h.db }

// Close closes the connection pool.
func (h *Handle) Close() error {
	h.logger.Debug("closing handle")
	return h.db.Close()
}

// ABOUTME: Epoch key persistence backing the cryptographic layer's secret exports
// ABOUTME: Idempotent upserts, tombstoned deletes, irreversible physical purge

package retention

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-vault/internal/pool"
	"github.com/2389/coven-vault/internal/vaulterr"
)

// SecretStore is the storage side of the foreign-function boundary: the
// cryptographic layer calls these to persist, fetch, and drop per-epoch
// group secrets. Calls are synchronous; the crypto layer adapts its own
// calling convention at its edge.
type SecretStore interface {
	StoreEpochSecret(ctx context.Context, conversationID string, epoch uint64, secret []byte) error
	GetEpochSecret(ctx context.Context, conversationID string, epoch uint64) ([]byte, error)
	DeleteEpochSecret(ctx context.Context, conversationID string, epoch uint64) error
}

// Store persists epoch keys in one identity's store.
type Store struct {
	handle *pool.Handle
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewStore binds an epoch key store to an identity's handle under a policy.
func NewStore(h *pool.Handle, policy Policy) *Store {
	return &Store{
		handle: h,
		policy: policy,
		logger: slog.Default().With("component", "retention", "identity", h.Identity),
		now:    time.Now,
	}
}

// StoreEpochSecret upserts the key material for (conversation, epoch).
// Re-exporting the same epoch is idempotent: the crypto layer may export a
// secret both before and after a pending commit merges. A re-export after
// the epoch was deleted is silently ignored; forward secrecy wins over
// resurrection. A re-export with a different payload overwrites, logged as
// a consistency hazard.
func (s *Store) StoreEpochSecret(ctx context.Context, conversationID string, epoch uint64, secret []byte) error {
	db := s.handle.DB()

	var existing []byte
	var deletedAt sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT key_material, deleted_at FROM epoch_keys
		WHERE conversation_id = ? AND epoch = ?
	`, conversationID, int64(epoch)).Scan(&existing, &deletedAt)
	switch {
	case err == sql.ErrNoRows:
		// First export.
	case err != nil:
		return fmt.Errorf("querying epoch key: %w", err)
	case deletedAt.Valid:
		s.logger.Debug("ignoring re-export of purged epoch",
			"conversation", conversationID, "epoch", epoch)
		return nil
	case bytes.Equal(existing, secret):
		return nil
	default:
		s.logger.Warn("epoch secret re-exported with different payload, overwriting",
			"conversation", conversationID, "epoch", epoch)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO epoch_keys (conversation_id, epoch, key_material, created_at, active)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(conversation_id, epoch) DO UPDATE SET
			key_material = excluded.key_material,
			active = 1
	`, conversationID, int64(epoch), secret, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("storing epoch secret: %w", err)
	}
	s.logger.Debug("stored epoch secret", "conversation", conversationID, "epoch", epoch)
	return nil
}

// GetEpochSecret returns the key material for (conversation, epoch), or
// ErrNotFound if it was never stored, was pruned inactive, or was purged.
func (s *Store) GetEpochSecret(ctx context.Context, conversationID string, epoch uint64) ([]byte, error) {
	var material []byte
	var active int
	var deletedAt sql.NullString
	err := s.handle.DB().QueryRowContext(ctx, `
		SELECT key_material, active, deleted_at FROM epoch_keys
		WHERE conversation_id = ? AND epoch = ?
	`, conversationID, int64(epoch)).Scan(&material, &active, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, vaulterr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying epoch secret: %w", err)
	}
	if active == 0 || deletedAt.Valid || material == nil {
		return nil, vaulterr.ErrNotFound
	}
	return material, nil
}

// DeleteEpochSecret tombstones the key: material is dropped immediately, the
// row lingers so a double-delete or post-delete re-export stays idempotent.
// The physical row is removed later by Cleanup.
func (s *Store) DeleteEpochSecret(ctx context.Context, conversationID string, epoch uint64) error {
	res, err := s.handle.DB().ExecContext(ctx, `
		UPDATE epoch_keys
		SET key_material = NULL, active = 0, deleted_at = ?
		WHERE conversation_id = ? AND epoch = ? AND deleted_at IS NULL
	`, s.now().UTC().Format(time.RFC3339), conversationID, int64(epoch))
	if err != nil {
		return fmt.Errorf("deleting epoch secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("deleted epoch secret", "conversation", conversationID, "epoch", epoch)
	}
	return nil
}

// CanDecrypt reports whether ciphertext from (conversation, epoch) is still
// decryptable: the epoch is tracked, active, and not purged. Callers use it
// to pre-check availability before attempting decryption; pair it with
// Tracked to separate "never had this epoch" from "epoch existed but was
// purged".
func (s *Store) CanDecrypt(ctx context.Context, conversationID string, epoch uint64) (bool, error) {
	var active int
	var deletedAt sql.NullString
	var hasMaterial int
	err := s.handle.DB().QueryRowContext(ctx, `
		SELECT active, deleted_at, key_material IS NOT NULL FROM epoch_keys
		WHERE conversation_id = ? AND epoch = ?
	`, conversationID, int64(epoch)).Scan(&active, &deletedAt, &hasMaterial)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying epoch key state: %w", err)
	}
	return active == 1 && !deletedAt.Valid && hasMaterial == 1, nil
}

// Tracked reports whether an epoch was ever stored, regardless of purge
// state. Combined with CanDecrypt this separates never-had from purged.
func (s *Store) Tracked(ctx context.Context, conversationID string, epoch uint64) (bool, error) {
	var one int
	err := s.handle.DB().QueryRowContext(ctx, `
		SELECT 1 FROM epoch_keys WHERE conversation_id = ? AND epoch = ?
	`, conversationID, int64(epoch)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying epoch key: %w", err)
	}
	return true, nil
}

// PruneConversation marks inactive every epoch key below currentEpoch except
// the newest keep entries. Inactive keys stay recoverable until Cleanup
// physically purges them.
func (s *Store) PruneConversation(ctx context.Context, conversationID string, currentEpoch uint64, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.handle.DB().ExecContext(ctx, `
		UPDATE epoch_keys SET active = 0
		WHERE conversation_id = ? AND epoch < ? AND active = 1
		AND epoch NOT IN (
			SELECT epoch FROM epoch_keys
			WHERE conversation_id = ? AND epoch < ?
			ORDER BY epoch DESC LIMIT ?
		)
	`, conversationID, int64(currentEpoch), conversationID, int64(currentEpoch), keep)
	if err != nil {
		return 0, fmt.Errorf("pruning conversation epochs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("pruned epoch keys", "conversation", conversationID, "count", n)
	}
	return int(n), nil
}

// expiredRow identifies one epoch key due for physical purge.
type expiredRow struct {
	conversationID string
	epoch          uint64
}

// Cleanup physically purges every epoch key that has outlived the retention
// period, plus tombstoned rows. A conversation's newest epoch is never
// purged: it is the current secret. Purge is irreversible; once a row is
// gone the matching ciphertext is permanently undecryptable.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	if s.policy.RetentionPeriod <= 0 {
		return s.purgeTombstones(ctx)
	}

	cutoff := s.now().UTC().Add(-s.policy.RetentionPeriod).Format(time.RFC3339)
	db := s.handle.DB()

	rows, err := db.QueryContext(ctx, `
		SELECT conversation_id, epoch FROM epoch_keys
		WHERE (created_at < ? OR deleted_at IS NOT NULL)
		AND epoch < (
			SELECT MAX(epoch) FROM epoch_keys inner_keys
			WHERE inner_keys.conversation_id = epoch_keys.conversation_id
		)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("querying expired epoch keys: %w", err)
	}
	var expired []expiredRow
	for rows.Next() {
		var r expiredRow
		var e int64
		if err := rows.Scan(&r.conversationID, &e); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning expired key: %w", err)
		}
		r.epoch = uint64(e)
		expired = append(expired, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating expired keys: %w", err)
	}

	purged := 0
	for _, r := range expired {
		if err := s.purgeOne(ctx, r); err != nil {
			return purged, err
		}
		purged++
	}
	if purged > 0 {
		s.logger.Info("purged expired epoch keys", "count", purged)
	}
	return purged, nil
}

// CleanupConversation purges every expired epoch key below currentEpoch for
// one conversation, regardless of the table's own max-epoch view. The crypto
// layer calls this when it knows the authoritative current epoch.
func (s *Store) CleanupConversation(ctx context.Context, conversationID string, currentEpoch uint64) (int, error) {
	db := s.handle.DB()
	cutoff := ""
	if s.policy.RetentionPeriod > 0 {
		cutoff = s.now().UTC().Add(-s.policy.RetentionPeriod).Format(time.RFC3339)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT conversation_id, epoch, created_at, deleted_at FROM epoch_keys
		WHERE conversation_id = ? AND epoch < ?
	`, conversationID, int64(currentEpoch))
	if err != nil {
		return 0, fmt.Errorf("querying conversation epoch keys: %w", err)
	}
	var expired []expiredRow
	for rows.Next() {
		var r expiredRow
		var e int64
		var createdAt string
		var deletedAt sql.NullString
		if err := rows.Scan(&r.conversationID, &e, &createdAt, &deletedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning epoch key: %w", err)
		}
		r.epoch = uint64(e)
		if deletedAt.Valid {
			expired = append(expired, r)
			continue
		}
		if cutoff != "" && createdAt < cutoff {
			expired = append(expired, r)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating epoch keys: %w", err)
	}

	purged := 0
	for _, r := range expired {
		if err := s.purgeOne(ctx, r); err != nil {
			return purged, err
		}
		purged++
	}
	if purged > 0 {
		s.logger.Info("purged conversation epoch keys",
			"conversation", conversationID, "count", purged, "current_epoch", currentEpoch)
	}
	return purged, nil
}

// purgeOne removes one epoch key row and, if the policy purges ciphertext,
// the matching message rows.
func (s *Store) purgeOne(ctx context.Context, r expiredRow) error {
	db := s.handle.DB()

	// Overwrite the material column before the delete so the key bytes do
	// not survive in the row image the engine logs for the delete.
	if _, err := db.ExecContext(ctx, `
		UPDATE epoch_keys SET key_material = NULL WHERE conversation_id = ? AND epoch = ?
	`, r.conversationID, int64(r.epoch)); err != nil {
		return fmt.Errorf("clearing epoch key material: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		DELETE FROM epoch_keys WHERE conversation_id = ? AND epoch = ?
	`, r.conversationID, int64(r.epoch)); err != nil {
		return fmt.Errorf("purging epoch key: %w", err)
	}

	if s.policy.PurgeCiphertext {
		if _, err := s.handle.PurgeEpochCiphertext(ctx, r.conversationID, r.epoch); err != nil {
			return fmt.Errorf("purging epoch ciphertext: %w", err)
		}
	}
	return nil
}

// purgeTombstones removes only tombstoned rows; used under unbounded
// retention where age never expires anything.
func (s *Store) purgeTombstones(ctx context.Context) (int, error) {
	res, err := s.handle.DB().ExecContext(ctx, `
		DELETE FROM epoch_keys WHERE deleted_at IS NOT NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("purging tombstones: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

var _ SecretStore = (*Store)(nil)

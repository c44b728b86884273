// ABOUTME: Existence-level conversation and message helpers on a handle
// ABOUTME: Enough schema surface to detect presence and exercise FK ordering bugs

package pool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/2389/coven-vault/internal/vaulterr"
)

// EnsureConversation creates the conversation row if it does not exist.
func (h *Handle) EnsureConversation(ctx context.Context, conversationID string) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, conversationID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("ensuring conversation: %w", err)
	}
	return nil
}

// HasConversation reports whether a conversation row exists.
func (h *Handle) HasConversation(ctx context.Context, conversationID string) (bool, error) {
	var one int
	err := h.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying conversation: %w", err)
	}
	return true, nil
}

// RecordMessage inserts a message row. A missing parent conversation is an
// ordering bug in the caller; it surfaces as a foreign key violation and is
// logged as an invariant violation rather than retried.
func (h *Handle) RecordMessage(ctx context.Context, id, conversationID string, epoch uint64, ciphertext []byte) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, epoch, ciphertext, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, conversationID, int64(epoch), ciphertext, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if vaulterr.Classify(err) == vaulterr.ClassForeignKey {
			h.logger.Error("message recorded before its conversation",
				"message", id, "conversation", conversationID)
		}
		return fmt.Errorf("recording message: %w", err)
	}
	return nil
}

// PurgeEpochCiphertext deletes a conversation's message ciphertext for one
// epoch. The retention layer calls this when the policy purges ciphertext
// together with the expired epoch key.
func (h *Handle) PurgeEpochCiphertext(ctx context.Context, conversationID string, epoch uint64) (int64, error) {
	res, err := h.db.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id = ? AND epoch = ?
	`, conversationID, int64(epoch))
	if err != nil {
		return 0, fmt.Errorf("purging ciphertext: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

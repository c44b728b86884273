// ABOUTME: Entry point for the short-lived notification process
// ABOUTME: Ephemeral store access for one push payload, checkpoint only if uncontended

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-vault/internal/config"
	"github.com/2389/coven-vault/internal/vault"
)

// runTimeout bounds the whole notification handling pass. The OS gives push
// extensions only a few seconds of runtime; finishing late is as bad as
// failing.
const runTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "Usage: vault-notify <identity> <conversation> <epoch>")
		fmt.Fprintln(os.Stderr, "Reads the push ciphertext from stdin.")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	if err := run(ctx, os.Args[1], os.Args[2], os.Args[3]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, id, conversationID, epochArg string) error {
	epoch, err := strconv.ParseUint(epochArg, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing epoch %q: %w", epochArg, err)
	}

	configPath := os.Getenv("COVEN_VAULT_CONFIG")
	if configPath == "" {
		return fmt.Errorf("COVEN_VAULT_CONFIG must be set")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	pw := os.Getenv("COVEN_VAULT_PASSPHRASE")
	if pw == "" {
		return fmt.Errorf("COVEN_VAULT_PASSPHRASE must be set")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "notify")
	slog.SetDefault(logger)

	ciphertext, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}

	e, err := vault.Open(cfg, []byte(pw))
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	// Ephemeral access: the main process's foreground identity is untouched
	// even when the push is for another account.
	store, err := e.SecretStore(ctx, id)
	if err != nil {
		return err
	}

	can, err := store.CanDecrypt(ctx, conversationID, epoch)
	if err != nil {
		return err
	}
	if !can {
		tracked, terr := store.Tracked(ctx, conversationID, epoch)
		if terr != nil {
			return terr
		}
		if tracked {
			logger.Info("epoch key purged, payload permanently undecryptable",
				"conversation", conversationID, "epoch", epoch)
			return nil
		}
		logger.Info("epoch key not yet received, leaving payload for the main process",
			"conversation", conversationID, "epoch", epoch)
		return nil
	}

	h, err := e.Pool.GetEphemeral(ctx, id)
	if err != nil {
		return err
	}
	if err := h.EnsureConversation(ctx, conversationID); err != nil {
		return err
	}
	msgID := uuid.NewString()
	if err := h.RecordMessage(ctx, msgID, conversationID, epoch, ciphertext); err != nil {
		return err
	}
	logger.Info("recorded pushed message", "message", msgID, "conversation", conversationID)

	// Optional checkpoint: keep the WAL small for the main process, but never
	// block on it. If the main process holds the lock, skip.
	got, err := e.Locks.TryAcquireExclusive(id)
	if err != nil {
		return err
	}
	if !got {
		logger.Debug("store busy, skipping checkpoint", "identity", id)
		return nil
	}
	defer func() {
		if rerr := e.Locks.Release(id); rerr != nil {
			logger.Warn("releasing advisory lock", "identity", id, "error", rerr)
		}
	}()
	if err := h.Checkpoint(ctx); err != nil {
		logger.Warn("checkpoint failed", "identity", id, "error", err)
	}
	return nil
}

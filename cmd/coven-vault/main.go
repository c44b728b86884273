// ABOUTME: Entry point for the coven-vault main process
// ABOUTME: Opens identity stores, runs retention, drives cleanup and destructive reset

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-vault/internal/config"
	"github.com/2389/coven-vault/internal/pool"
	"github.com/2389/coven-vault/internal/vault"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                       _ _
  ___ _____   _____ _ __   __   ____ _ _   _| | |_
 / __/ _ \ \ / / _ \ '_ \  \ \ / / _' | | | | | __|
| (_| (_) \ V /  __/ | | |  \ V / (_| | |_| | | |_
 \___\___/ \_/ \___|_| |_|   \_/ \__,_|\__,_|_|\__|
`

// getConfigPath returns the path to the vault config file.
// Priority: COVEN_VAULT_CONFIG env var > XDG_CONFIG_HOME/coven/vault.yaml > ~/.config/coven/vault.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_VAULT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "vault.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "vault.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-vault <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  open <identity>     Open an identity's store and run retention")
		fmt.Println("  status              Show stores and side files on disk")
		fmt.Println("  cleanup <identity>  Purge expired epoch keys for an identity")
		fmt.Println("  reset <identity>    Destroy an identity's store and key")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "open":
		err = runOpen(ctx)
	case "status":
		err = runStatus()
	case "cleanup":
		err = runCleanup(ctx)
	case "reset":
		err = runReset(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// identityArg returns the required identity argument for a subcommand.
func identityArg(cmd string) (string, error) {
	if len(os.Args) < 3 || strings.TrimSpace(os.Args[2]) == "" {
		return "", fmt.Errorf("usage: coven-vault %s <identity>", cmd)
	}
	return os.Args[2], nil
}

// readPassphrase takes the keyring passphrase from the environment or prompts
// for it on stdin.
func readPassphrase() ([]byte, error) {
	if pw := os.Getenv("COVEN_VAULT_PASSPHRASE"); pw != "" {
		return []byte(pw), nil
	}
	fmt.Print("Keyring passphrase: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	return []byte(pw), nil
}

func openEngine(configPath string) (*vault.Engine, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	slog.SetDefault(setupLogger(cfg.Logging))

	pw, err := readPassphrase()
	if err != nil {
		return nil, nil, err
	}
	e, err := vault.Open(cfg, pw)
	if err != nil {
		return nil, nil, err
	}
	return e, cfg, nil
}

func runOpen(ctx context.Context) error {
	id, err := identityArg("open")
	if err != nil {
		return err
	}
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	e, cfg, err := openEngine(configPath)
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Data:      %s\n", cfg.Storage.DataDir)
	green.Print("    ▶ ")
	fmt.Printf("Locks:     %s\n", cfg.Storage.LockDir)
	green.Print("    ▶ ")
	fmt.Printf("Retention: keep %s, sweep every %s\n",
		retentionLabel(e), e.Policy().CleanupInterval)
	fmt.Println()

	if _, err := e.SwitchAccount(ctx, "", id); err != nil {
		return err
	}
	e.Start()

	slog.Info("store open, waiting for signal", "identity", id)
	<-ctx.Done()
	return nil
}

func retentionLabel(e *vault.Engine) string {
	if e.Policy().RetentionPeriod <= 0 {
		return "forever"
	}
	return e.Policy().RetentionPeriod.String()
}

func runStatus() error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	entries, err := os.ReadDir(cfg.Storage.DataDir)
	if os.IsNotExist(err) {
		fmt.Println("no stores")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	found := false
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".db") {
			continue
		}
		found = true
		path := filepath.Join(cfg.Storage.DataDir, name)
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", name, err)
		}
		green.Print("  ● ")
		fmt.Printf("%-32s %8d bytes", name, info.Size())

		wal, shm := pool.SideFiles(path)
		if _, err := os.Stat(wal); err == nil {
			yellow.Print("  [wal]")
		}
		if _, err := os.Stat(shm); err == nil {
			yellow.Print(" [shm]")
		}
		fmt.Println()
	}
	if !found {
		fmt.Println("no stores")
	}
	return nil
}

func runCleanup(ctx context.Context) error {
	id, err := identityArg("cleanup")
	if err != nil {
		return err
	}
	e, _, err := openEngine(getConfigPath())
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	s, err := e.SecretStore(ctx, id)
	if err != nil {
		return err
	}
	purged, err := s.Cleanup(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d expired epoch keys for %s\n", purged, id)
	return nil
}

// runReset deletes an identity's store files and keyring entry. Requires the
// identity to be retyped: there is no undo.
func runReset(ctx context.Context) error {
	id, err := identityArg("reset")
	if err != nil {
		return err
	}
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.SetDefault(setupLogger(cfg.Logging))

	red := color.New(color.FgRed, color.Bold)
	red.Printf("This permanently destroys the store and key for %s.\n", id)
	fmt.Print("Retype the identity to confirm: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading confirmation: %w", err)
	}
	if strings.TrimRight(line, "\r\n") != id {
		return fmt.Errorf("confirmation did not match, aborting")
	}

	pw, err := readPassphrase()
	if err != nil {
		return err
	}
	e, err := vault.Open(cfg, pw)
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	path := pool.StorePath(cfg.Storage.DataDir, id)
	wal, shm := pool.SideFiles(path)
	for _, f := range []string{wal, shm, path} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", f, err)
		}
	}
	if err := e.Keys.DeleteKey(id); err != nil {
		return fmt.Errorf("removing store key: %w", err)
	}
	fmt.Printf("reset %s\n", id)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

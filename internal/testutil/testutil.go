// Package testutil provides shared test helpers for setting up vaults,
// history databases, and timing-based assertions.
package testutil

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/flintnotes/flintsync/internal/storage"
)

// TempHistoryPath returns a path for a temporary history database,
// removed when the test ends.
func TempHistoryPath(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp("", "flintsync-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

// TestVault creates a temporary marked vault directory with its storage.
func TestVault(t *testing.T) (string, *storage.FS) {
	t.Helper()
	vaultDir := t.TempDir()
	fs, err := storage.NewFS(vaultDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteMarker(); err != nil {
		t.Fatal(err)
	}
	return vaultDir, fs
}

// QuietLogger returns a logger that discards everything below error level.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Eventually polls fn until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error(msg)
}

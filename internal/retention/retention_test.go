package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func touch(t *testing.T, path string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestCleaner_Run(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	touch(t, filepath.Join(dir, "old_result.jsonl"), now.Add(-4*24*time.Hour))
	touch(t, filepath.Join(dir, "fresh_result.jsonl"), now.Add(-2*24*time.Hour))
	touch(t, filepath.Join(dir, "old_notes.txt"), now.Add(-10*24*time.Hour))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.jsonl"), 0o755))

	c := &Cleaner{Dir: dir, Days: 3, Now: func() time.Time { return now }, Log: zap.NewNop()}
	n, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NoFileExists(t, filepath.Join(dir, "old_result.jsonl"))
	assert.FileExists(t, filepath.Join(dir, "fresh_result.jsonl"))
	assert.FileExists(t, filepath.Join(dir, "old_notes.txt"))
	assert.DirExists(t, filepath.Join(dir, "nested.jsonl"))
}

func TestCleaner_DefaultDays(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	touch(t, filepath.Join(dir, "a.jsonl"), now.Add(-(DefaultDays*24+1)*time.Hour))
	touch(t, filepath.Join(dir, "b.jsonl"), now.Add(-(DefaultDays*24-1)*time.Hour))

	n, err := (&Cleaner{Dir: dir, Log: zap.NewNop()}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCleaner_MissingDir(t *testing.T) {
	n, err := (&Cleaner{Dir: filepath.Join(t.TempDir(), "none"), Log: zap.NewNop()}).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCleaner_Cancelled(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.jsonl"), time.Now().Add(-30*24*time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&Cleaner{Dir: dir, Log: zap.NewNop()}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// Package retention deletes downloaded batch result files past their
// retention window.
package retention

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultDays is the default retention window for batch response files.
const DefaultDays = 3

// Cleaner removes .jsonl files in Dir last modified more than Days ago.
type Cleaner struct {
	Dir  string
	Days int
	Now  func() time.Time
	Log  *zap.Logger
}

// Run deletes expired files and returns how many were removed. A missing
// directory is not an error. Files that cannot be removed are logged and
// skipped.
func (c *Cleaner) Run(ctx context.Context) (int, error) {
	log := c.Log
	if log == nil {
		log = zap.L()
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	days := c.Days
	if days <= 0 {
		days = DefaultDays
	}
	cutoff := now().Add(-time.Duration(days) * 24 * time.Hour)

	entries, err := os.ReadDir(c.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "retention: read %s", c.Dir)
	}

	deleted := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return deleted, eris.Wrap(err, "retention: cleanup")
		}
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(c.Dir, e.Name())
		if err := os.Remove(path); err != nil {
			log.Warn("retention: failed to delete old file", zap.String("path", path), zap.Error(err))
			continue
		}
		deleted++
	}

	log.Info("retention: cleaned up old batch response files",
		zap.String("dir", c.Dir),
		zap.Int("deleted", deleted),
		zap.Int("days", days),
	)
	return deleted, nil
}

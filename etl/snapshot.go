package etl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"lode.evalgo.org/bridge"
)

// CategoryColumnIndex is the view column categorized views carry their
// category path in.
const CategoryColumnIndex = 0

// maxSnapshotRestarts bounds full re-iterations after transient failures
// mid-snapshot.
const maxSnapshotRestarts = 5

// SnapshotEntry is one document row captured from a view: its unid and the
// canonical category path, empty when uncategorized.
type SnapshotEntry struct {
	UNID         string
	CategoryPath string
}

// Signature fingerprints a snapshot's membership: SHA-256 over each unid
// followed by a zero byte, hex encoded. A changed signature invalidates the
// checkpoint index.
func Signature(entries []SnapshotEntry) string {
	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e.UNID))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

var (
	forbiddenNameChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	nameSqueeze        = regexp.MustCompile(`[\s_]+`)
)

// SanitizeFolderName makes a category component safe for use as a path
// segment: forbidden characters and whitespace runs become single
// underscores, the result is clipped to maxLen runes and stripped of
// leading and trailing underscores. Blank input becomes "Unnamed".
func SanitizeFolderName(name string, maxLen int) string {
	if strings.TrimSpace(name) == "" {
		return "Unnamed"
	}
	name = forbiddenNameChars.ReplaceAllString(name, "_")
	name = nameSqueeze.ReplaceAllString(name, "_")
	name = truncateRunes(name, maxLen)
	return strings.Trim(name, "_")
}

// CategoryPathFromColumn canonicalizes a raw category column value:
// backslash-separated components are trimmed, sanitized and rejoined, with
// empty components dropped. Returns "" for uncategorized rows.
func CategoryPathFromColumn(col any) string {
	raw := strings.TrimSpace(stringify(col))
	if raw == "" {
		return ""
	}
	var parts []string
	for _, p := range strings.Split(raw, "\\") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if s := SanitizeFolderName(p, 100); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\\")
}

// SnapshotView walks the view once and captures (unid, category) for every
// document row, deduplicating unids. Transient iteration failures restart
// the walk up to maxSnapshotRestarts times; running out of restarts or
// failing to restart yields the partial snapshot collected so far. Only a
// failure to begin iterating, or context cancellation, is an error.
func SnapshotView(ctx context.Context, logger *logrus.Logger, view bridge.View, categoryCol int) ([]SnapshotEntry, error) {
	var out []SnapshotEntry
	seen := make(map[string]bool)

	var it bridge.EntryIterator
	err := bridge.Retry(ctx, logger, func() error {
		var err error
		it, err = view.Entries()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open entries of view %q: %w", view.Name(), err)
	}

	restarts := 0
	for {
		var entry bridge.Entry
		err := bridge.Retry(ctx, logger, func() error {
			var err error
			entry, err = it.Next()
			return err
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return out, err
			}
			if bridge.IsTransient(err) && restarts < maxSnapshotRestarts {
				restarts++
				logger.Warnf("View iteration transient error; restarting (%d/%d)", restarts, maxSnapshotRestarts)
				restartErr := bridge.Retry(ctx, logger, func() error {
					var err error
					it, err = view.Entries()
					return err
				})
				if restartErr != nil {
					logger.Warnf("Failed to restart; proceeding with snapshot of %d entries", len(out))
					break
				}
				continue
			}
			logger.Warnf("Snapshot aborted after %d entries due to error: %v", len(out), err)
			break
		}
		if entry == nil {
			break
		}
		if !entry.IsDocument() {
			continue
		}
		unid := entry.UNID()
		if unid == "" || seen[unid] {
			continue
		}
		category := ""
		if col, err := entry.ColumnValue(categoryCol); err == nil {
			category = CategoryPathFromColumn(col)
		}
		out = append(out, SnapshotEntry{UNID: unid, CategoryPath: category})
		seen[unid] = true
	}
	return out, nil
}

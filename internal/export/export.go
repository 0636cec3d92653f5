// Package export writes capture records to disk on operator request. It
// implements only the filename scheme and JSON shape spec.md §6 names;
// the navigator's richer file-save dialogs, clipboard integration, and
// query-driven exports remain out of scope.
package export

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jvforest/jojq-proxy/internal/capture"
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// FileNameFor builds the individual-record export filename per spec.md §6:
// {method_lower}_{sanitized_path}_{epoch_ms}.json, where sanitized_path is
// the URL path with non-alphanumeric characters replaced by underscore,
// truncated to 50 characters.
func FileNameFor(rec capture.Record, at time.Time) string {
	method := strings.ToLower(rec.Request.Method)

	path := rec.Request.URL
	if u, err := url.Parse(rec.Request.URL); err == nil && u.Path != "" {
		path = u.Path
	}
	sanitized := nonAlnum.ReplaceAllString(path, "_")
	if len(sanitized) > 50 {
		sanitized = sanitized[:50]
	}

	return fmt.Sprintf("%s_%s_%d.json", method, sanitized, at.UnixMilli())
}

// One writes a single capture record to dir, returning the path written.
func One(dir string, rec capture.Record, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("export: create %s: %w", dir, err)
	}
	name := FileNameFor(rec, at)
	path := filepath.Join(dir, name)

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("export: marshal record %d: %w", rec.Ordinal, err)
	}
	if err := writeAtomic(path, b); err != nil {
		return "", err
	}
	return path, nil
}

// All writes the full list of records as a single JSON array.
func All(dir string, recs []capture.Record, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("export: create %s: %w", dir, err)
	}
	name := fmt.Sprintf("captures_%d.json", at.UnixMilli())
	path := filepath.Join(dir, name)

	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("export: marshal %d records: %w", len(recs), err)
	}
	if err := writeAtomic(path, b); err != nil {
		return "", err
	}
	return path, nil
}

// writeAtomic mirrors the teacher's save-via-temp-file-then-rename pattern
// so a crash mid-write never leaves a truncated export on disk.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("export: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("export: rename %s: %w", tmp, err)
	}
	return nil
}

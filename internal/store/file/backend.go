// Package file persists progress records as a JSON object on local disk.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
	"github.com/JakeFAU/artifact-harvester/internal/store"
)

// Backend stores the whole progress map in a single file of the form
// {"id": {"status": ..., "timestamp": ..., "location": ..., "lastError": ...}}.
type Backend struct {
	path string
}

var _ store.Backend = (*Backend)(nil)

// New returns a backend writing to path. The parent directory is created if needed.
func New(path string) (*Backend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("progress path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create progress directory: %w", err)
	}
	return &Backend{path: path}, nil
}

// Path returns the progress file location.
func (b *Backend) Path() string {
	return b.path
}

// ReadAll parses the progress file. A missing file is an empty map.
func (b *Backend) ReadAll(_ context.Context) (map[string]harvest.ProgressRecord, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]harvest.ProgressRecord{}, nil
		}
		return nil, fmt.Errorf("read progress file: %w", err)
	}
	out := make(map[string]harvest.ProgressRecord)
	if len(strings.TrimSpace(string(data))) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode progress file %s: %w", b.path, err)
	}
	for id, rec := range out {
		if !rec.Status.Valid() {
			return nil, fmt.Errorf("progress record %q: unknown status %q", id, rec.Status)
		}
	}
	return out, nil
}

// Persist rewrites the file from the full snapshot via a temp file and rename
// so a crash never leaves a truncated document behind.
func (b *Backend) Persist(_ context.Context, snap store.Snapshot) error {
	data, err := json.MarshalIndent(snap.All, "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.path), "."+filepath.Base(b.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp progress file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp progress file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp progress file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp progress file: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		cleanup()
		return fmt.Errorf("replace progress file: %w", err)
	}
	return nil
}

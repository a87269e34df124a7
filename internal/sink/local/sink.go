// Package local implements a harvest.Sink on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// Config captures the parameters for the local filesystem sink.
type Config struct {
	// BaseDir is the root directory where payloads will be stored.
	BaseDir string `mapstructure:"base_dir"`
	// MaxObjectBytes rejects larger payloads as oversized; zero disables the check.
	MaxObjectBytes int `mapstructure:"max_object_bytes"`
}

// Sink writes payloads to files named after their item id.
type Sink struct {
	baseDir  string
	maxBytes int
}

var _ harvest.Sink = (*Sink)(nil)

// New creates a new local filesystem sink, creating BaseDir when missing.
func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	base, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	info, err := os.Stat(base)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(base, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	probe, err := os.CreateTemp(base, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}

	return &Sink{baseDir: base, maxBytes: cfg.MaxObjectBytes}, nil
}

// Path returns the file an id is stored at, rejecting ids that escape BaseDir.
func (s *Sink) Path(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("id is required")
	}
	full := filepath.Clean(filepath.Join(s.baseDir, id))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}

// Store writes payload and returns a file:// URI. An existing file is never
// overwritten; the second write for an id reports a duplicate.
func (s *Sink) Store(_ context.Context, id string, payload []byte, _ map[string]string) (string, error) {
	full, err := s.Path(id)
	if err != nil {
		return "", harvest.NewError(harvest.KindInvalidPayload, "store", err)
	}
	if s.maxBytes > 0 && len(payload) > s.maxBytes {
		return "", harvest.Errorf(harvest.KindOversized, "store", "%s is %d bytes, limit %d", id, len(payload), s.maxBytes)
	}
	location := "file://" + full
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", harvest.NewError(harvest.KindTransient, "store", fmt.Errorf("create parent directories: %w", err))
	}

	// Write to a temp file and hard-link it into place so readers never see a
	// partial file and an existing one is left alone.
	tmp, err := os.CreateTemp(filepath.Dir(full), ".part-*")
	if err != nil {
		return "", harvest.NewError(harvest.KindTransient, "store", fmt.Errorf("create temp file: %w", err))
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return "", harvest.NewError(harvest.KindTransient, "store", fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return "", harvest.NewError(harvest.KindTransient, "store", fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Link(tmp.Name(), full); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return location, harvest.NewError(harvest.KindDuplicate, "store", err)
		}
		return "", harvest.NewError(harvest.KindTransient, "store", fmt.Errorf("link file: %w", err))
	}
	return location, nil
}

// Package dir implements harvest.Source over a local directory: item id "abc"
// is read from <root>/abc, or from the first <root>/abc<ext> that exists.
package dir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// Source reads records from disk.
type Source struct {
	root       string
	extensions []string
}

var _ harvest.Source = (*Source)(nil)

// New returns a Source rooted at root. Extensions are tried in order when the
// bare id does not exist; they include the leading dot.
func New(root string, extensions ...string) (*Source, error) {
	if root == "" {
		return nil, fmt.Errorf("source dir is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve source dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat source dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source dir %s is not a directory", abs)
	}
	return &Source{root: abs, extensions: extensions}, nil
}

// Fetch reads the file for id.
func (s *Source) Fetch(ctx context.Context, id string) (harvest.Raw, error) {
	if err := ctx.Err(); err != nil {
		return harvest.Raw{}, fmt.Errorf("read %s: %w", id, err)
	}
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return harvest.Raw{}, harvest.Errorf(harvest.KindInvalidPayload, "read", "id %q is not a file name", id)
	}
	candidates := make([]string, 0, 1+len(s.extensions))
	candidates = append(candidates, id)
	for _, ext := range s.extensions {
		candidates = append(candidates, id+ext)
	}
	for _, name := range candidates {
		path := filepath.Join(s.root, name)
		body, err := os.ReadFile(path)
		switch {
		case err == nil:
			return harvest.Raw{Body: body, ContentType: contentType(name, body)}, nil
		case errors.Is(err, fs.ErrNotExist):
			continue
		case errors.Is(err, fs.ErrPermission):
			return harvest.Raw{}, harvest.NewError(harvest.KindBlocked, "read", err)
		default:
			return harvest.Raw{}, harvest.NewError(harvest.KindTransient, "read", err)
		}
	}
	return harvest.Raw{}, harvest.Errorf(harvest.KindNotFound, "read", "%s not in %s", id, s.root)
}

func contentType(name string, body []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(body)
}

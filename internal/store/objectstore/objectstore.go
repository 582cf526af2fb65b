package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store persists generated artifacts and returns the URL they are served at.
type Store interface {
	Put(ctx context.Context, name string, body io.Reader, size int64, contentType string) (string, error)
}

// NewName returns a fresh, collision-free object name such as
// "tts-1b4e28ba-2fa1-11d2-883f-0016d3cca427.wav".
func NewName(prefix, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return prefix + uuid.NewString() + ext
}

// Local writes artifacts under Dir, which the HTTP server exposes at
// URLPrefix (normally "/static").
type Local struct {
	Dir       string
	URLPrefix string
}

func NewLocal(dir, urlPrefix string) (*Local, error) {
	if dir == "" {
		dir = "static"
	}
	if urlPrefix == "" {
		urlPrefix = "/static"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create %s: %w", dir, err)
	}
	return &Local{Dir: dir, URLPrefix: strings.TrimRight(urlPrefix, "/")}, nil
}

func (l *Local) Put(ctx context.Context, name string, body io.Reader, size int64, contentType string) (string, error) {
	clean := path.Clean("/" + name)[1:]
	if clean == "" || strings.Contains(clean, "..") {
		return "", fmt.Errorf("objectstore: bad object name %q", name)
	}
	full := filepath.Join(l.Dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}

	// write to a temp file first so a half-written artifact is never served
	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: body}); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("objectstore: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", err
	}
	return l.URLPrefix + "/" + clean, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

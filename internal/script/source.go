package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// browserUserAgent is sent on page fetches; several blog hosts refuse the Go
// default.
const browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0"

// Scripter turns documents into script units. Splitter and Describer are
// optional: without a splitter multi-sentence blocks stay whole, without a
// describer images and long code blocks are announced but not described.
type Scripter struct {
	Splitter  Splitter
	Describer Describer
	Client    *http.Client
}

func NewScripter(splitter Splitter, describer Describer) *Scripter {
	return &Scripter{
		Splitter:  splitter,
		Describer: describer,
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// FromMarkdown renders markdown to HTML and scripts the result.
func (s *Scripter) FromMarkdown(ctx context.Context, src string) ([]Unit, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(src), &buf); err != nil {
		return nil, fmt.Errorf("script: render markdown: %w", err)
	}
	return s.FromHTML(ctx, buf.String())
}

// Fetch resolves target into raw script units. Targets starting with http are
// downloaded, paths to .md/.html files are read from disk and anything else is
// treated as literal HTML.
func (s *Scripter) Fetch(ctx context.Context, target string) ([]Unit, error) {
	target = strings.TrimSpace(target)
	switch {
	case target == "":
		return nil, errors.New("script: empty target")
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		return s.fromURL(ctx, target)
	}

	if st, err := os.Stat(target); err == nil && !st.IsDir() {
		b, err := os.ReadFile(target)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(filepath.Ext(target)) {
		case ".md", ".markdown":
			return s.FromMarkdown(ctx, string(b))
		case ".html", ".htm":
			return s.FromHTML(ctx, string(b))
		default:
			return nil, fmt.Errorf("script: don't know how to read %q", target)
		}
	}
	return s.FromHTML(ctx, target)
}

func (s *Scripter) fromURL(ctx context.Context, url string) ([]Unit, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("script: fetch %s: status %d", url, resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("script: parse %s: %w", url, err)
	}

	root := findFirst(doc, isAtom(atom.Article))
	if root == nil {
		root = findFirst(doc, isAtom(atom.Main))
	}
	if root == nil {
		root = findFirst(doc, isAtom(atom.Body))
	}
	if root == nil {
		return nil, fmt.Errorf("script: %s has no content", url)
	}
	return s.children(ctx, root)
}

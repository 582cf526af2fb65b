package describe

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/suPer8Hu/catwalk/internal/ai"
	"github.com/suPer8Hu/catwalk/internal/script"
	"golang.org/x/sync/semaphore"
)

const (
	captionPrompt = "Describe this image in one or two plain sentences, as if reading it aloud to someone who cannot see it. Do not start with \"This image\"."
	codePrompt    = "Here is some code:\n```\n%s\n```\nOn the first line, reply with only the name of the programming language it is written in. " +
		"On the second line, summarize in one plain English sentence what it does."

	maxImageBytes = 20 << 20
)

// Describer captions images and summarizes code through a chat provider
// looked up in the ai registry. Every model call holds Permit.
type Describer struct {
	Registry  *ai.Registry
	Provider  string
	Model     string
	CodeModel string
	Permit    *semaphore.Weighted
	Client    *http.Client
}

func New(reg *ai.Registry, provider, model, codeModel string, permit *semaphore.Weighted) *Describer {
	if permit == nil {
		permit = semaphore.NewWeighted(1)
	}
	if codeModel == "" {
		codeModel = model
	}
	return &Describer{
		Registry:  reg,
		Provider:  provider,
		Model:     model,
		CodeModel: codeModel,
		Permit:    permit,
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *Describer) chat(ctx context.Context, model string, msgs []ai.Message) (string, error) {
	p, err := d.Registry.Get(ctx, d.Provider, model)
	if err != nil {
		return "", err
	}
	if err := d.Permit.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer d.Permit.Release(1)

	start := time.Now()
	reply, err := p.Chat(ctx, msgs)
	if cost := time.Since(start); cost > 10*time.Second {
		log.Printf("describe provider=%s model=%s cost=%s", d.Provider, model, cost)
	}
	return strings.TrimSpace(reply), err
}

// CaptionImage downloads the image at url and asks the vision model for a
// caption. A failed download wraps script.ErrImageUnavailable.
func (d *Describer) CaptionImage(ctx context.Context, url string) (string, error) {
	img, err := d.fetchImage(ctx, url)
	if err != nil {
		return "", fmt.Errorf("caption %s: %w: %v", url, script.ErrImageUnavailable, err)
	}
	reply, err := d.chat(ctx, d.Model, []ai.Message{{
		Role:    "user",
		Content: captionPrompt,
		Images:  []string{base64.StdEncoding.EncodeToString(img)},
	}})
	if err != nil {
		return "", fmt.Errorf("caption %s: %w", url, err)
	}
	return firstParagraph(reply), nil
}

func (d *Describer) fetchImage(ctx context.Context, url string) ([]byte, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxImageBytes {
		return nil, errors.New("image too large")
	}
	if len(b) == 0 {
		return nil, errors.New("empty image")
	}
	return b, nil
}

// SummarizeCode returns "Written in <language>. <summary>".
func (d *Describer) SummarizeCode(ctx context.Context, code string) (string, error) {
	reply, err := d.chat(ctx, d.CodeModel, []ai.Message{{
		Role:    "user",
		Content: fmt.Sprintf(codePrompt, code),
	}})
	if err != nil {
		return "", fmt.Errorf("summarize code: %w", err)
	}
	lang, summary := parseCodeReply(reply)
	if lang == "" {
		return summary, nil
	}
	return fmt.Sprintf("Written in %s. %s", lang, summary), nil
}

func unmark(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "*`#"))
}

func parseCodeReply(reply string) (lang, summary string) {
	var lines []string
	for _, ln := range strings.Split(reply, "\n") {
		ln = unmark(ln)
		if ln != "" {
			lines = append(lines, ln)
		}
	}
	switch len(lines) {
	case 0:
		return "", ""
	case 1:
		return "", lines[0]
	}
	lang = lines[0]
	if k, v, ok := strings.Cut(lang, ":"); ok && strings.EqualFold(strings.TrimSpace(k), "language") {
		lang = unmark(v)
	}
	lang = strings.TrimSuffix(lang, ".")
	// a real language name is a word or two, anything longer is prose
	if len(strings.Fields(lang)) > 3 {
		return "", strings.Join(lines, " ")
	}
	return lang, strings.Join(lines[1:], " ")
}

func firstParagraph(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "\n\n"); i >= 0 {
		s = s[:i]
	}
	return strings.Join(strings.Fields(s), " ")
}

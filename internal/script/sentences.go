package script

import (
	"strings"
	"sync"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

// Splitter breaks a block of text into sentences. Implementations return
// trimmed, non-empty sentences in order.
type Splitter interface {
	Split(text string) []string
}

// PunktSplitter detects sentence boundaries with the English punkt model.
type PunktSplitter struct {
	tok *sentences.DefaultSentenceTokenizer
}

func NewPunktSplitter() (*PunktSplitter, error) {
	tok, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, err
	}
	return &PunktSplitter{tok: tok}, nil
}

var (
	defaultSplitter     *PunktSplitter
	defaultSplitterErr  error
	defaultSplitterOnce sync.Once
)

// DefaultSplitter returns a process-wide PunktSplitter; loading the model is
// not free so it is built once.
func DefaultSplitter() (*PunktSplitter, error) {
	defaultSplitterOnce.Do(func() {
		defaultSplitter, defaultSplitterErr = NewPunktSplitter()
	})
	return defaultSplitter, defaultSplitterErr
}

func (p *PunktSplitter) Split(text string) []string {
	raw := p.tok.Tokenize(text)
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if t := strings.TrimSpace(s.Text); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// SplitterFunc adapts a plain function to Splitter.
type SplitterFunc func(text string) []string

func (f SplitterFunc) Split(text string) []string { return f(text) }

package script

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Describer turns non-text content into narratable text. Both calls usually
// hit a model back-end.
type Describer interface {
	CaptionImage(ctx context.Context, url string) (string, error)
	SummarizeCode(ctx context.Context, code string) (string, error)
}

// ErrImageUnavailable is wrapped by a Describer when the image itself could
// not be downloaded. The script reads such an image without a caption.
var ErrImageUnavailable = errors.New("image unavailable")

// shortCodeWords is the largest code block, in words, read out verbatim.
const shortCodeWords = 5

var sanitizer = strings.NewReplacer("’", "'", "[", "", "]", "", "`", "", "-", " ")

func sanitize(s string) string {
	return sanitizer.Replace(strings.TrimSpace(s))
}

var spaceRun = regexp.MustCompile(`\s+`)

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && match(c) {
			return c
		}
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func findAll(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			out = append(out, c)
		}
		out = append(out, findAll(c, a)...)
	}
	return out
}

func isAtom(a atom.Atom) func(*html.Node) bool {
	return func(n *html.Node) bool { return n.DataAtom == a }
}

// FromHTML converts an HTML fragment into raw (un-normalized) script units.
func (s *Scripter) FromHTML(ctx context.Context, src string) ([]Unit, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(src), body)
	if err != nil {
		return nil, fmt.Errorf("script: parse html: %w", err)
	}
	var out []Unit
	for _, n := range nodes {
		units, err := s.element(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, units...)
	}
	return out, nil
}

func (s *Scripter) children(ctx context.Context, n *html.Node) ([]Unit, error) {
	var out []Unit
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		units, err := s.element(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, units...)
	}
	return out, nil
}

func (s *Scripter) element(ctx context.Context, n *html.Node) ([]Unit, error) {
	switch n.Type {
	case html.TextNode:
		switch strings.TrimSpace(n.Data) {
		case "", ".", "...":
			return nil, nil
		}
		return []Unit{Text(sanitize(n.Data))}, nil
	case html.ElementNode:
	default:
		return nil, nil
	}

	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Iframe, atom.Form, atom.Nav:
		return nil, nil
	case atom.P:
		units, err := s.children(ctx, n)
		if err != nil {
			return nil, err
		}
		return append(units, Silence(0.5)), nil
	case atom.Em, atom.Strong, atom.I, atom.B:
		return []Unit{Text(sanitize(nodeText(n)))}, nil
	case atom.A:
		return []Unit{Text(sanitize(nodeText(n))), Text(" (link in post) ")}, nil
	case atom.Img:
		return s.image(ctx, n)
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return []Unit{Text(sanitize(nodeText(n))), Silence(1.0)}, nil
	case atom.Blockquote:
		return s.blockquote(n), nil
	case atom.Ul, atom.Ol:
		return list(n), nil
	case atom.Code, atom.Pre:
		return s.code(ctx, nodeText(n))
	}

	if img := findFirst(n, isAtom(atom.Img)); img != nil {
		return s.image(ctx, img)
	}
	return s.children(ctx, n)
}

func (s *Scripter) image(ctx context.Context, img *html.Node) ([]Unit, error) {
	alt, title := attr(img, "alt"), attr(img, "title")
	var meta string
	switch {
	case alt != "" && title != "":
		meta = fmt.Sprintf(" labelled quote %s endquote and titled quote %s endquote", alt, title)
	case alt != "":
		meta = fmt.Sprintf(" labelled quote %s endquote", alt)
	case title != "":
		meta = fmt.Sprintf(" titled quote %s endquote", title)
	}

	plain := []Unit{Text("Here we see an image" + meta + "."), Silence(0.5)}
	src := attr(img, "src")
	if s.Describer == nil || src == "" {
		return plain, nil
	}
	caption, err := s.Describer.CaptionImage(ctx, src)
	if errors.Is(err, ErrImageUnavailable) {
		log.Printf("script image=%s err=%v", src, err)
		return plain, nil
	}
	if err != nil {
		return nil, fmt.Errorf("script: caption %s: %w", src, err)
	}
	if strings.TrimSpace(caption) == "" {
		return plain, nil
	}
	out := []Unit{Text("Here we see an image" + meta + " of:"), Silence(0.1)}
	for _, sentence := range s.split(caption) {
		out = append(out, Text(sanitize(sentence)))
	}
	return append(out, Silence(0.5)), nil
}

func (s *Scripter) blockquote(n *html.Node) []Unit {
	ps := findAll(n, atom.P)
	var sentences []string
	if len(ps) < 2 {
		sanitized := sanitize(nodeText(n))
		sentences = s.split(sanitized)
		switch {
		case len(sentences) <= 1:
			return []Unit{Text("Quote:"), Text(sanitized), Silence(0.5)}
		case len(sentences) <= 3:
			out := []Unit{Text("Quote:")}
			for _, sentence := range sentences {
				out = append(out, Text(sentence), Silence(0.1))
			}
			return append(out, Silence(0.4))
		}
	} else {
		for _, p := range ps {
			sentences = append(sentences, sanitize(nodeText(p)))
		}
	}

	out := []Unit{Text("There is a longer quote:")}
	for _, sentence := range sentences {
		out = append(out, Text(sentence), Silence(0.1))
	}
	return append(out, Silence(0.4), Text("Now we resume the text."), Silence(0.5))
}

func list(n *html.Node) []Unit {
	var out []Unit
	for _, li := range findAll(n, atom.Li) {
		var direct []string
		for c := li.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode && strings.TrimSpace(c.Data) != "" {
				direct = append(direct, c.Data)
			}
		}
		text := nodeText(li)
		if len(direct) > 0 {
			text = strings.Join(direct, " ")
		}
		out = append(out, Text(sanitize(text)), Silence(0.5))
	}
	return append(out, Silence(0.5))
}

func (s *Scripter) code(ctx context.Context, code string) ([]Unit, error) {
	if len(strings.Fields(code)) <= shortCodeWords {
		return []Unit{Text(sanitize(code))}, nil
	}
	out := []Unit{Text("Here is a code block."), Silence(0.5)}
	if s.Describer != nil {
		summary, err := s.Describer.SummarizeCode(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("script: summarize code: %w", err)
		}
		for _, sentence := range s.split(summary) {
			out = append(out, Text(sanitize(sentence)))
		}
	}
	return append(out, Text("That's the end of the code block."), Silence(0.5)), nil
}

func (s *Scripter) split(text string) []string {
	text = spaceRun.ReplaceAllString(strings.TrimSpace(text), " ")
	if text == "" {
		return nil
	}
	if s.Splitter == nil {
		return []string{text}
	}
	return s.Splitter.Split(text)
}

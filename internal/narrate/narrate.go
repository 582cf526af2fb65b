package narrate

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/suPer8Hu/catwalk/internal/jobs"
	"github.com/suPer8Hu/catwalk/internal/script"
	"github.com/suPer8Hu/catwalk/internal/tts"
)

// Source resolves a document reference into raw script units.
type Source interface {
	Fetch(ctx context.Context, target string) ([]script.Unit, error)
}

type Input struct {
	URL       string   `json:"url" validate:"required"`
	Voice     string   `json:"voice,omitempty"`
	K         int      `json:"k,omitempty" validate:"gte=0,lte=10"`
	Threshold *float64 `json:"threshold,omitempty"`
	MaxTries  int      `json:"max_tries,omitempty" validate:"gte=0,lte=10"`
}

// Output is written when the document is segmented. Playlist and Failed are
// added once every tts child has finished.
type Output struct {
	Script    []script.Unit `json:"script"`
	RawScript []script.Unit `json:"raw_script"`
	Playlist  []Entry       `json:"playlist,omitempty"`
	Failed    *int          `json:"failed,omitempty"`
}

// Entry is one playlist item: a silence, or a text unit with the files its
// tts child produced or the reason it has none.
type Entry struct {
	Silence float64  `json:"silence,omitempty"`
	Text    string   `json:"text,omitempty"`
	Job     uint64   `json:"job,omitempty"`
	Files   []string `json:"files,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type Executor struct {
	Source   Source
	Splitter script.Splitter
}

func NewExecutor(src Source, splitter script.Splitter) *Executor {
	return &Executor{Source: src, Splitter: splitter}
}

func Register(d *jobs.Dispatcher, e *Executor) {
	d.Register(jobs.Definition{
		Type:         jobs.TypeNarrate,
		Decomposable: true,
		Executor:     jobs.Handle(e.Run),
		Assembler:    Assembler{},
	})
}

// Run segments the document and plans one tts child per text unit, in script
// order. A document with no text completes without children.
func (e *Executor) Run(ctx context.Context, job *jobs.Job, in Input) jobs.Result {
	raw, err := e.Source.Fetch(ctx, in.URL)
	if err != nil {
		return jobs.Fail(fmt.Errorf("fetch %s: %w", in.URL, err))
	}
	units := script.Normalize(raw, e.Splitter)
	log.Printf("narrate job=%d url=%s raw=%d units=%d", job.ID, in.URL, len(raw), len(units))

	out := Output{Script: units, RawScript: raw}
	if out.Script == nil {
		out.Script = []script.Unit{}
	}
	if out.RawScript == nil {
		out.RawScript = []script.Unit{}
	}

	var children []jobs.Child
	for _, text := range script.TextUnits(units) {
		children = append(children, jobs.Child{
			Type: jobs.TypeTTS,
			Input: tts.Input{
				Text:      text,
				Voice:     in.Voice,
				K:         in.K,
				Threshold: in.Threshold,
				MaxTries:  in.MaxTries,
			},
		})
	}
	return jobs.Result{Output: out, Children: children}
}

// Assembler pairs the script's text units with the tts children, in order,
// to build the playlist.
type Assembler struct{}

func (Assembler) Assemble(ctx context.Context, parent *jobs.Job, children []jobs.Job) (any, error) {
	var out Output
	if err := parent.DecodeOutput(&out); err != nil {
		return nil, fmt.Errorf("narrate: decode output of job %d: %w", parent.ID, err)
	}

	failed := 0
	next := 0
	out.Playlist = make([]Entry, 0, len(out.Script))
	for _, u := range out.Script {
		if u.IsSilence() {
			out.Playlist = append(out.Playlist, Entry{Silence: u.Seconds})
			continue
		}
		entry := Entry{Text: u.Text}
		if next < len(children) {
			entry.Job = children[next].ID
			entry.Files, entry.Error = childFiles(&children[next])
		} else {
			entry.Error = "no tts job"
		}
		next++
		if entry.Error != "" {
			failed++
		}
		out.Playlist = append(out.Playlist, entry)
	}
	out.Failed = &failed
	return out, nil
}

func childFiles(c *jobs.Job) ([]string, string) {
	switch c.Status {
	case jobs.StatusComplete:
		var files []string
		if err := c.DecodeOutput(&files); err != nil {
			return nil, fmt.Sprintf("bad tts output: %v", err)
		}
		if len(files) == 0 {
			return nil, "no audio"
		}
		return files, ""
	case jobs.StatusErrored:
		var f jobs.Failure
		if err := c.DecodeOutput(&f); err == nil && f.Message != "" {
			return nil, f.Message
		}
		return nil, "errored"
	default:
		return nil, strings.ToLower(string(c.Status))
	}
}

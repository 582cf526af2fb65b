package tts

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/suPer8Hu/catwalk/internal/jobs"
	"github.com/suPer8Hu/catwalk/internal/store/objectstore"
	"golang.org/x/sync/semaphore"
)

// Input is the tts job payload. Zero K and MaxTries mean one take, one try.
type Input struct {
	Text      string   `json:"text" validate:"required"`
	Voice     string   `json:"voice,omitempty"`
	K         int      `json:"k,omitempty" validate:"gte=0,lte=10"`
	Threshold *float64 `json:"threshold,omitempty"`
	MaxTries  int      `json:"max_tries,omitempty" validate:"gte=0,lte=10"`
}

type Executor struct {
	Synth        Synthesizer
	Store        objectstore.Store
	Permit       *semaphore.Weighted
	DefaultVoice string
}

func NewExecutor(synth Synthesizer, store objectstore.Store, permit *semaphore.Weighted, defaultVoice string) *Executor {
	if permit == nil {
		permit = semaphore.NewWeighted(1)
	}
	return &Executor{Synth: synth, Store: store, Permit: permit, DefaultVoice: defaultVoice}
}

func Register(d *jobs.Dispatcher, e *Executor) {
	d.Register(jobs.Definition{Type: jobs.TypeTTS, Executor: jobs.Handle(e.Run)})
}

// Run synthesizes K takes of the job text and returns their artifact URLs in
// take order.
func (e *Executor) Run(ctx context.Context, job *jobs.Job, in Input) jobs.Result {
	req := Request{Text: Pronounce(in.Text), Voice: in.Voice, Threshold: in.Threshold}
	if req.Voice == "" {
		req.Voice = e.DefaultVoice
	}
	takes := max(in.K, 1)
	tries := max(in.MaxTries, 1)

	urls := make([]string, 0, takes)
	for i := 0; i < takes; i++ {
		wav, err := e.take(ctx, job.ID, req, tries)
		if err != nil {
			return jobs.Fail(fmt.Errorf("take %d: %w", i+1, err))
		}
		name := objectstore.NewName(fmt.Sprintf("tts-%d-", job.ID), ".wav")
		url, err := e.Store.Put(ctx, name, bytes.NewReader(wav), int64(len(wav)), "audio/wav")
		if err != nil {
			return jobs.Fail(err)
		}
		urls = append(urls, url)
	}
	return jobs.Result{Output: urls}
}

func (e *Executor) take(ctx context.Context, jobID uint64, req Request, tries int) ([]byte, error) {
	var last error
	for attempt := 1; attempt <= tries; attempt++ {
		wav, err := e.synthesize(ctx, req)
		if err == nil {
			return wav, nil
		}
		last = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("tts job=%d attempt=%d/%d err=%v", jobID, attempt, tries, err)
	}
	return nil, last
}

func (e *Executor) synthesize(ctx context.Context, req Request) ([]byte, error) {
	if err := e.Permit.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.Permit.Release(1)

	start := time.Now()
	wav, err := e.Synth.Synthesize(ctx, req)
	if cost := time.Since(start); cost > 30*time.Second {
		log.Printf("tts synth chars=%d cost=%s", len(req.Text), cost)
	}
	return wav, err
}

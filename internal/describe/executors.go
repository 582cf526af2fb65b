package describe

import (
	"context"

	"github.com/suPer8Hu/catwalk/internal/jobs"
)

type CaptionInput struct {
	URL string `json:"url" validate:"required,url"`
}

type CodeInput struct {
	Code string `json:"code" validate:"required"`
}

type Output struct {
	Text string `json:"text"`
}

// Register adds the caption and summarize_code job types.
func Register(d *jobs.Dispatcher, desc *Describer) {
	d.Register(jobs.Definition{
		Type: jobs.TypeCaption,
		Executor: jobs.Handle(func(ctx context.Context, job *jobs.Job, in CaptionInput) jobs.Result {
			text, err := desc.CaptionImage(ctx, in.URL)
			if err != nil {
				return jobs.Fail(err)
			}
			return jobs.Result{Output: Output{Text: text}}
		}),
	})
	d.Register(jobs.Definition{
		Type: jobs.TypeSummarizeCode,
		Executor: jobs.Handle(func(ctx context.Context, job *jobs.Job, in CodeInput) jobs.Result {
			text, err := desc.SummarizeCode(ctx, in.Code)
			if err != nil {
				return jobs.Fail(err)
			}
			return jobs.Result{Output: Output{Text: text}}
		}),
	})
}

package jobs

import "context"

// Notifier receives every job state change. Delivery is best-effort; a
// notifier must not block the worker for long and cannot fail a job.
type Notifier interface {
	Notify(ctx context.Context, job *Job)
}

type NotifierFunc func(ctx context.Context, job *Job)

func (f NotifierFunc) Notify(ctx context.Context, job *Job) { f(ctx, job) }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, *Job) {}

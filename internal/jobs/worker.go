package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/datatypes"
)

// Worker is the single consumer of the queue. It is the only place jobs are
// executed and the only place completion propagation runs.
type Worker struct {
	store      Store
	queue      *Queue
	dispatcher *Dispatcher
	propagator *Propagator
	notify     Notifier

	// RetryDelay is how long Run waits before re-queueing a job whose
	// iteration failed on a store error.
	RetryDelay time.Duration
	// MaxStoreFailures consecutive store failures make Run give up.
	MaxStoreFailures int
}

func NewWorker(store Store, queue *Queue, dispatcher *Dispatcher, propagator *Propagator, notify Notifier) *Worker {
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Worker{
		store:            store,
		queue:            queue,
		dispatcher:       dispatcher,
		propagator:       propagator,
		notify:           notify,
		RetryDelay:       time.Second,
		MaxStoreFailures: 10,
	}
}

// Run pulls and processes jobs until ctx is done. It returns ctx.Err() on
// shutdown, or the last store error once MaxStoreFailures is exceeded.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("worker started queued=%d", w.queue.Len())
	failures := 0
	for {
		id, err := w.queue.Pull(ctx)
		if err != nil {
			log.Printf("worker shutting down")
			return err
		}

		start := time.Now()
		if err := w.Process(ctx, id); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			log.Printf("worker job=%d failed cost=%s failures=%d err=%v", id, time.Since(start), failures, err)
			if w.MaxStoreFailures > 0 && failures > w.MaxStoreFailures {
				return fmt.Errorf("worker: giving up after %d store failures: %w", failures, err)
			}
			select {
			case <-time.After(w.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			w.queue.Push(id)
			continue
		}
		failures = 0

		if cost := time.Since(start); cost > 2*time.Second {
			log.Printf("worker job=%d cost=%s", id, cost)
		}
	}
}

// Drain processes queued jobs without blocking until the queue is empty,
// including any children queued along the way. It returns how many ids were
// processed.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		id, ok := w.queue.TryPull()
		if !ok {
			return n, nil
		}
		n++
		if err := w.Process(ctx, id); err != nil {
			return n, err
		}
	}
}

// Process runs one dequeued id through the state machine. Only store errors
// are returned; executor failures end up on the job.
func (w *Worker) Process(ctx context.Context, id uint64) error {
	job, err := w.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		log.Printf("worker job=%d not found, dropping", id)
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case job.Status.Finished():
		// cancelled, deleted or stale entry: never execute, but let the
		// parent see it as done
		return w.propagator.Propagate(ctx, job)
	case job.Status == StatusWaiting:
		// already fanned out; only re-evaluate it and its ancestors
		return w.propagator.walk(ctx, &job.ID)
	}

	running, err := w.store.Update(ctx, id, Changes{
		From:   []Status{StatusStarted, StatusRunning},
		Status: StatusRunning,
	})
	if errors.Is(err, ErrConflict) {
		return w.reconcile(ctx, id)
	}
	if err != nil {
		return err
	}
	w.notify.Notify(ctx, running)

	res := w.dispatcher.Run(ctx, running)

	final, children, err := w.finish(ctx, running, res)
	if err != nil {
		return err
	}
	w.notify.Notify(ctx, final)
	for _, c := range children {
		w.notify.Notify(ctx, c)
		w.queue.Push(c.ID)
	}
	return w.propagator.Propagate(ctx, final)
}

// reconcile handles a job whose status changed under the worker, e.g. a
// cancel that landed between the dequeue and the RUNNING write.
func (w *Worker) reconcile(ctx context.Context, id uint64) error {
	job, err := w.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Finished() {
		return w.propagator.Propagate(ctx, job)
	}
	return nil
}

func (w *Worker) finish(ctx context.Context, job *Job, res Result) (*Job, []*Job, error) {
	if res.Err != nil {
		f := asFailure(res.Err)
		log.Printf("worker job=%d type=%s errored kind=%s err=%s", job.ID, job.Type, f.Kind, f.Message)
		out, err := marshalPayload(f)
		if err != nil {
			return nil, nil, err
		}
		final, err := w.transition(ctx, job.ID, StatusErrored, out)
		return final, nil, err
	}

	out, err := marshalPayload(res.Output)
	if err != nil {
		return w.finish(ctx, job, Fail(fmt.Errorf("encode output: %w", err)))
	}

	if len(res.Children) == 0 {
		final, err := w.transition(ctx, job.ID, StatusComplete, out)
		return final, nil, err
	}

	children := make([]*Job, 0, len(res.Children))
	for i, c := range res.Children {
		input, err := marshalPayload(c.Input)
		if err == nil {
			err = w.dispatcher.Validate(c.Type, input)
		}
		if err != nil {
			return w.finish(ctx, job, Fail(fmt.Errorf("child %d (%s): %w", i, c.Type, err)))
		}
		children = append(children, &Job{Type: c.Type, Input: input})
	}

	parent, err := w.store.FanOut(ctx, job.ID, out, children)
	if errors.Is(err, ErrConflict) {
		final, err := w.keepOutput(ctx, job.ID, out)
		return final, nil, err
	}
	if err != nil {
		return nil, nil, err
	}
	return parent, children, nil
}

func (w *Worker) transition(ctx context.Context, id uint64, to Status, out datatypes.JSON) (*Job, error) {
	final, err := w.store.Update(ctx, id, Changes{
		From:   []Status{StatusRunning},
		Status: to,
		Output: out,
	})
	if errors.Is(err, ErrConflict) {
		return w.keepOutput(ctx, id, out)
	}
	return final, err
}

// keepOutput records the executor's output on a job that was cancelled or
// deleted while it ran. The cancellation stands.
func (w *Worker) keepOutput(ctx context.Context, id uint64, out datatypes.JSON) (*Job, error) {
	log.Printf("worker job=%d changed while running, keeping its status", id)
	if len(out) == 0 {
		return w.store.Get(ctx, id)
	}
	return w.store.Update(ctx, id, Changes{Output: out})
}

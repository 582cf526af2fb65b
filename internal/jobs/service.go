package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"gorm.io/datatypes"
)

// Scheduler bundles the queue, worker and admin service over one store.
type Scheduler struct {
	Store      Store
	Queue      *Queue
	Dispatcher *Dispatcher
	Propagator *Propagator
	Worker     *Worker
	Service    *Service
}

func NewScheduler(store Store, dispatcher *Dispatcher, notify Notifier) *Scheduler {
	if notify == nil {
		notify = nopNotifier{}
	}
	queue := NewQueue()
	prop := NewPropagator(store, dispatcher, notify)
	return &Scheduler{
		Store:      store,
		Queue:      queue,
		Dispatcher: dispatcher,
		Propagator: prop,
		Worker:     NewWorker(store, queue, dispatcher, prop, notify),
		Service:    NewService(store, queue, dispatcher, notify),
	}
}

// Recover rebuilds the queue from the store: every job that is not complete,
// cancelled, waiting for children or deleted is queued in id order, and
// errored jobs are reset to STARTED first. Waiting jobs are left alone.
// Ids already on the queue are not pushed again, so running it twice in a
// row leaves the same queue contents. The returned ids are every recovered
// job, queued now or before.
func Recover(ctx context.Context, store Store, queue *Queue) ([]uint64, error) {
	pending, err := store.List(ctx, Filter{ExcludeStatuses: []Status{
		StatusComplete, StatusCancelled, StatusWaiting, StatusDeleted,
	}})
	if err != nil {
		return nil, err
	}

	ids := make([]uint64, 0, len(pending))
	for _, j := range pending {
		if j.Status == StatusErrored {
			if _, err := store.Update(ctx, j.ID, Changes{
				From:   []Status{StatusErrored},
				Status: StatusStarted,
			}); err != nil {
				return ids, fmt.Errorf("recover job %d: %w", j.ID, err)
			}
		}
		ids = append(ids, j.ID)
	}

	queued := make(map[uint64]bool)
	for _, id := range queue.Snapshot() {
		queued[id] = true
	}
	fresh := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if !queued[id] {
			fresh = append(fresh, id)
		}
	}
	queue.Push(fresh...)
	return ids, nil
}

// Recover runs the recovery procedure and, when recheck is set, promotes any
// waiting job whose children already finished before the restart.
func (s *Scheduler) Recover(ctx context.Context, recheck bool) error {
	ids, err := Recover(ctx, s.Store, s.Queue)
	if err != nil {
		return err
	}
	log.Printf("recovery queued=%d", len(ids))
	if !recheck {
		return nil
	}
	promoted, err := s.Propagator.Recheck(ctx)
	if err != nil {
		return err
	}
	if len(promoted) > 0 {
		log.Printf("recovery promoted=%v", promoted)
	}
	return nil
}

// Service is the administrative surface: create, read, cancel, delete,
// restart and hand-edit jobs. It is safe to call from request handlers while
// the worker runs; anything needing propagation is handed to the worker
// through the queue.
type Service struct {
	store      Store
	queue      *Queue
	dispatcher *Dispatcher
	notify     Notifier
}

func NewService(store Store, queue *Queue, dispatcher *Dispatcher, notify Notifier) *Service {
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Service{store: store, queue: queue, dispatcher: dispatcher, notify: notify}
}

type CreateRequest struct {
	Type     Type
	Input    json.RawMessage
	ParentID *uint64
}

// Create validates and stores a new job, then queues it. Validation errors
// (ErrUnknownType, ErrInvalidInput, ErrParentNotFound) leave nothing behind.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Job, error) {
	t := Type(strings.TrimSpace(string(req.Type)))
	if t == "" {
		return nil, fmt.Errorf("%w: type is required", ErrUnknownType)
	}
	input := datatypes.JSON(req.Input)
	if len(input) == 0 {
		input = datatypes.JSON("{}")
	}
	if err := s.dispatcher.Validate(t, input); err != nil {
		return nil, err
	}

	job := &Job{Type: t, Input: input, ParentID: req.ParentID}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}
	s.notify.Notify(ctx, job)
	s.queue.Push(job.ID)
	return job, nil
}

func (s *Service) Get(ctx context.Context, id uint64, includeChildren bool) (*Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if includeChildren {
		children, err := s.store.ChildrenOf(ctx, id)
		if err != nil {
			return nil, err
		}
		job.Children = children
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, f Filter) ([]Job, error) {
	return s.store.List(ctx, f)
}

// Cancel moves a non-terminal job to CANCELLED. A queued job is skipped when
// dequeued; a running one finishes but keeps the cancelled status.
func (s *Service) Cancel(ctx context.Context, id uint64) (*Job, error) {
	return s.finishByOperator(ctx, id, StatusCancelled)
}

// Delete marks a job DELETED. The row stays for audit and recovery.
func (s *Service) Delete(ctx context.Context, id uint64) (*Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == StatusDeleted {
		return job, nil
	}
	return s.finishByOperator(ctx, id, StatusDeleted)
}

func (s *Service) finishByOperator(ctx context.Context, id uint64, to Status) (*Job, error) {
	job, err := s.store.Update(ctx, id, Changes{Status: to})
	if err != nil {
		return nil, err
	}
	s.notify.Notify(ctx, job)
	// the worker skips it and propagates to the parent
	s.queue.Push(job.ID)
	return job, nil
}

// MarkStarted resets a job to STARTED with empty output and queues it again.
// A job that already fanned out is refused; its children can be restarted
// one by one, or the whole job submitted again.
func (s *Service) MarkStarted(ctx context.Context, id uint64) (*Job, error) {
	job, err := s.store.Update(ctx, id, Changes{
		Status:      StatusStarted,
		ClearOutput: true,
		Restart:     true,
	})
	if err != nil {
		return nil, err
	}
	s.notify.Notify(ctx, job)
	s.queue.Push(job.ID)
	return job, nil
}

type UpdateRequest struct {
	Status Status
	Output json.RawMessage
}

// Update applies an operator edit: an output change, a move to CANCELLED or
// DELETED, or both. Every other status belongs to the worker, the
// propagator or MarkStarted and is refused with ErrInvalidTransition. A
// finished job is handed to the worker for propagation.
func (s *Service) Update(ctx context.Context, id uint64, req UpdateRequest) (*Job, error) {
	if req.Status == "" && len(req.Output) == 0 {
		return nil, errors.New("nothing to update")
	}
	switch req.Status {
	case "", StatusCancelled, StatusDeleted:
	default:
		return nil, fmt.Errorf("%w: operator may not set %s", ErrInvalidTransition, req.Status)
	}
	ch := Changes{Status: req.Status}
	if len(req.Output) > 0 {
		if !json.Valid(req.Output) {
			return nil, fmt.Errorf("%w: output is not valid json", ErrInvalidInput)
		}
		ch.Output = datatypes.JSON(req.Output)
	}
	job, err := s.store.Update(ctx, id, ch)
	if err != nil {
		return nil, err
	}
	s.notify.Notify(ctx, job)
	if req.Status != "" {
		s.queue.Push(job.ID)
	}
	return job, nil
}

func (s *Service) Types() []Info {
	return s.dispatcher.Types()
}

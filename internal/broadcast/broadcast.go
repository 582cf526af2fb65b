package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/suPer8Hu/catwalk/internal/jobs"
)

// Event is the wire form of one job state change.
type Event struct {
	Seq       int64           `json:"seq"`
	ID        uint64          `json:"id"`
	JobType   jobs.Type       `json:"job_type"`
	Status    jobs.Status     `json:"status"`
	ParentJob *uint64         `json:"parent_job"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output"`
	UpdatedAt time.Time       `json:"updated"`
}

func FromJob(j *jobs.Job) Event {
	e := Event{
		ID:        j.ID,
		JobType:   j.Type,
		Status:    j.Status,
		ParentJob: j.ParentID,
		Input:     json.RawMessage(j.Input),
		UpdatedAt: j.UpdatedAt,
	}
	if j.HasOutput() {
		e.Output = json.RawMessage(j.Output)
	}
	return e
}

// Sink receives every event. Errors are logged by the Broadcaster and never
// reach the job that caused the event.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Send(ctx context.Context, e Event) error { return f(ctx, e) }

type namedSink struct {
	name string
	sink Sink
}

// Broadcaster sequences job events, keeps a bounded backlog for observers
// that reconnect, and fans each event out to its sinks.
type Broadcaster struct {
	// pub serializes Publish so sinks see events in sequence order.
	pub sync.Mutex

	mu        sync.RWMutex
	sinks     []namedSink
	nextSeq   int64
	maxEvents int
	events    []Event
}

func New(maxEvents int) *Broadcaster {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &Broadcaster{maxEvents: maxEvents, events: make([]Event, 0, maxEvents)}
}

func (b *Broadcaster) AddSink(name string, s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, namedSink{name: name, sink: s})
}

// Notify implements jobs.Notifier.
func (b *Broadcaster) Notify(ctx context.Context, job *jobs.Job) {
	if job == nil {
		return
	}
	b.Publish(ctx, FromJob(job))
}

// Publish assigns the next sequence number and delivers e to every sink in
// registration order.
func (b *Broadcaster) Publish(ctx context.Context, e Event) Event {
	b.pub.Lock()
	defer b.pub.Unlock()

	b.mu.Lock()
	b.nextSeq++
	e.Seq = b.nextSeq
	b.events = append(b.events, e)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}
	sinks := append([]namedSink(nil), b.sinks...)
	b.mu.Unlock()

	for _, s := range sinks {
		if err := s.sink.Send(ctx, e); err != nil {
			log.Printf("broadcast sink=%s job=%d status=%s err=%v", s.name, e.ID, e.Status, err)
		}
	}
	return e
}

// Since returns buffered events with a sequence number greater than seq.
func (b *Broadcaster) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.events))
	for _, e := range b.events {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

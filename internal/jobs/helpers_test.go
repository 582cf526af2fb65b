package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := Migrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type echoInput struct {
	Text string `json:"text" validate:"required"`
}

type splitInput struct {
	Parts []string `json:"parts" validate:"required,min=1"`
}

// recorder collects every notification, in order.
type recorder struct {
	mu     sync.Mutex
	events []Job
}

func (r *recorder) Notify(_ context.Context, job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *job)
}

func (r *recorder) statuses(id uint64) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, e := range r.events {
		if e.ID == id {
			out = append(out, e.Status)
		}
	}
	return out
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	repo  *Repo
	sched *Scheduler
	rec   *recorder

	mu    sync.Mutex
	calls map[Type]int
	echo  func(ctx context.Context, job *Job, in echoInput) Result
}

func (h *harness) count(t Type) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[t]
}

func (h *harness) called(t Type) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[t]++
}

const (
	typeEcho  Type = "echo"
	typeSplit Type = "split"
	typeBoom  Type = "boom"
)

// newHarness wires a scheduler with three executors: echo (leaf), split (fans
// out one echo child per part, or a nested split for parts starting with "+")
// and boom (panics).
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		repo:  NewRepo(openTestDB(t)),
		rec:   &recorder{},
		calls: map[Type]int{},
	}
	h.echo = func(ctx context.Context, job *Job, in echoInput) Result {
		return Result{Output: map[string]string{"text": in.Text}}
	}

	d := NewDispatcher()
	d.Register(Definition{
		Type: typeEcho,
		Executor: Handle(func(ctx context.Context, job *Job, in echoInput) Result {
			h.called(typeEcho)
			return h.echo(ctx, job, in)
		}),
	})
	d.Register(Definition{
		Type:         typeSplit,
		Decomposable: true,
		Executor: Handle(func(ctx context.Context, job *Job, in splitInput) Result {
			h.called(typeSplit)
			var children []Child
			for _, p := range in.Parts {
				if rest, ok := strings.CutPrefix(p, "+"); ok {
					children = append(children, Child{Type: typeSplit, Input: splitInput{Parts: strings.Split(rest, ",")}})
					continue
				}
				children = append(children, Child{Type: typeEcho, Input: echoInput{Text: p}})
			}
			return Result{Output: map[string]int{"parts": len(in.Parts)}, Children: children}
		}),
		Assembler: assembleFunc(func(ctx context.Context, parent *Job, children []Job) (any, error) {
			done := 0
			for _, c := range children {
				if c.Status == StatusComplete {
					done++
				}
			}
			return map[string]int{"parts": len(children), "done": done}, nil
		}),
	})
	d.Register(Definition{
		Type: typeBoom,
		Executor: ExecutorFunc(func(ctx context.Context, job *Job) Result {
			h.called(typeBoom)
			panic("boom")
		}),
	})

	h.sched = NewScheduler(h.repo, d, h.rec)
	return h
}

type assembleFunc func(ctx context.Context, parent *Job, children []Job) (any, error)

func (f assembleFunc) Assemble(ctx context.Context, parent *Job, children []Job) (any, error) {
	return f(ctx, parent, children)
}

func (h *harness) create(t Type, input string, parent *uint64) *Job {
	h.t.Helper()
	job, err := h.sched.Service.Create(h.ctx, CreateRequest{Type: t, Input: []byte(input), ParentID: parent})
	if err != nil {
		h.t.Fatalf("create %s: %v", t, err)
	}
	return job
}

func (h *harness) drain() {
	h.t.Helper()
	if _, err := h.sched.Worker.Drain(h.ctx); err != nil {
		h.t.Fatalf("drain: %v", err)
	}
}

func (h *harness) get(id uint64) *Job {
	h.t.Helper()
	job, err := h.repo.Get(h.ctx, id)
	if err != nil {
		h.t.Fatalf("get %d: %v", id, err)
	}
	return job
}

func (h *harness) children(id uint64) []Job {
	h.t.Helper()
	out, err := h.repo.ChildrenOf(h.ctx, id)
	if err != nil {
		h.t.Fatalf("children of %d: %v", id, err)
	}
	return out
}

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Result is what an executor hands back: a success payload, optionally a
// fan-out plan, or a failure.
type Result struct {
	Output   any
	Children []Child
	Err      error
}

// Child is one job to create under the executing job.
type Child struct {
	Type  Type
	Input any
}

func Fail(err error) Result { return Result{Err: err} }

type Executor interface {
	Execute(ctx context.Context, job *Job) Result
}

type ExecutorFunc func(ctx context.Context, job *Job) Result

func (f ExecutorFunc) Execute(ctx context.Context, job *Job) Result { return f(ctx, job) }

// Assembler builds a decomposable job's final output once all of its
// children are finished.
type Assembler interface {
	Assemble(ctx context.Context, parent *Job, children []Job) (any, error)
}

type inputValidator interface {
	Validate(raw []byte) error
	Fields() []string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeInput unmarshals a job input payload into In and runs its validate
// tags.
func DecodeInput[In any](raw []byte) (In, error) {
	var in In
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if reflect.Indirect(reflect.ValueOf(&in)).Kind() == reflect.Struct {
		if err := validate.Struct(&in); err != nil {
			return in, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return in, nil
}

type typed[In any] struct {
	fn func(ctx context.Context, job *Job, in In) Result
}

// Handle adapts a function taking a typed input to Executor. The input is
// decoded and validated before fn runs; a bad payload fails the job with an
// input failure.
func Handle[In any](fn func(ctx context.Context, job *Job, in In) Result) Executor {
	return typed[In]{fn: fn}
}

func (t typed[In]) Execute(ctx context.Context, job *Job) Result {
	in, err := DecodeInput[In](job.Input)
	if err != nil {
		return Fail(&Failure{Kind: FailureInput, Message: err.Error()})
	}
	return t.fn(ctx, job, in)
}

func (t typed[In]) Validate(raw []byte) error {
	_, err := DecodeInput[In](raw)
	return err
}

func (t typed[In]) Fields() []string {
	rt := reflect.TypeOf((*In)(nil)).Elem()
	if rt.Kind() != reflect.Struct {
		return nil
	}
	var out []string
	for i := 0; i < rt.NumField(); i++ {
		name, _, _ := strings.Cut(rt.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			out = append(out, name)
		}
	}
	return out
}

type Definition struct {
	Type         Type
	Decomposable bool
	Executor     Executor
	Assembler    Assembler
}

// Info describes a job type for callers choosing what to submit.
type Info struct {
	Type         Type     `json:"type"`
	Decomposable bool     `json:"decomposable"`
	Inputs       []string `json:"inputs"`
}

// Dispatcher maps job types to their executors.
type Dispatcher struct {
	mu   sync.RWMutex
	defs map[Type]Definition
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{defs: make(map[Type]Definition)}
}

func (d *Dispatcher) Register(def Definition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defs[def.Type] = def
}

func (d *Dispatcher) lookup(t Type) (Definition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.defs[t]
	return def, ok
}

// Validate checks a create-job request against the registered type.
func (d *Dispatcher) Validate(t Type, input []byte) error {
	def, ok := d.lookup(t)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if v, ok := def.Executor.(inputValidator); ok {
		return v.Validate(input)
	}
	return nil
}

func (d *Dispatcher) Types() []Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Info, 0, len(d.defs))
	for _, def := range d.defs {
		info := Info{Type: def.Type, Decomposable: def.Decomposable}
		if v, ok := def.Executor.(inputValidator); ok {
			info.Inputs = v.Fields()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func (d *Dispatcher) assembler(t Type) Assembler {
	def, _ := d.lookup(t)
	return def.Assembler
}

// Run executes job with its registered executor. Panics become failures.
func (d *Dispatcher) Run(ctx context.Context, job *Job) (res Result) {
	def, ok := d.lookup(job.Type)
	if !ok {
		return Fail(&Failure{Kind: FailureInput, Message: fmt.Sprintf("unknown job type %q", job.Type)})
	}
	defer func() {
		if r := recover(); r != nil {
			res = Fail(&Failure{Kind: FailurePanic, Message: fmt.Sprintf("%v\n%s", r, debug.Stack())})
		}
	}()
	return def.Executor.Execute(ctx, job)
}

package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
)

type Type string

const (
	TypeNarrate       Type = "narrate"
	TypeTTS           Type = "tts"
	TypeCaption       Type = "caption"
	TypeSummarizeCode Type = "summarize_code"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrParentNotFound    = errors.New("parent job not found")
	ErrUnknownType       = errors.New("unknown job type")
	ErrInvalidInput      = errors.New("invalid job input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("job changed concurrently")
)

type Job struct {
	ID       uint64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ParentID *uint64 `gorm:"column:parent_job;index" json:"parent_job"`

	Type Type `gorm:"column:job_type;type:varchar(32);index;not null" json:"job_type"`

	Input  datatypes.JSON `gorm:"not null" json:"input"`
	Output datatypes.JSON `json:"output"`

	Status Status `gorm:"type:varchar(32);index;not null" json:"status"`

	CreatedAt time.Time `json:"created"`
	UpdatedAt time.Time `json:"updated"`

	// Filled by get-job when children are requested.
	Children []Job `gorm:"-" json:"children,omitempty"`
}

func (Job) TableName() string { return "jobs" }

// HasOutput reports whether an output payload is recorded. A NULL column
// reads back as the JSON literal null.
func (j *Job) HasOutput() bool {
	return len(j.Output) > 0 && string(j.Output) != "null"
}

// DecodeOutput unmarshals the job output into v. A job without output leaves
// v untouched.
func (j *Job) DecodeOutput(v any) error {
	if !j.HasOutput() {
		return nil
	}
	return json.Unmarshal(j.Output, v)
}

type FailureKind string

const (
	FailureInput    FailureKind = "input"
	FailureExecutor FailureKind = "executor"
	FailurePanic    FailureKind = "panic"
)

// Failure is the structured error recorded in an errored job's output.
type Failure struct {
	Message string      `json:"error"`
	Kind    FailureKind `json:"kind"`
}

func (f *Failure) Error() string { return string(f.Kind) + ": " + f.Message }

func asFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: FailureExecutor, Message: err.Error()}
}

func marshalPayload(v any) (datatypes.JSON, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case datatypes.JSON:
		return p, nil
	case json.RawMessage:
		return datatypes.JSON(p), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

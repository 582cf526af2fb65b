package jobs

import (
	"context"

	"gorm.io/datatypes"
)

// Store is the persistence contract the scheduler needs. Reads must be safe
// while the worker writes; every status change is compare-and-set on the
// status the caller last saw.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id uint64) (*Job, error)
	Update(ctx context.Context, id uint64, ch Changes) (*Job, error)
	ChildrenOf(ctx context.Context, parentID uint64) ([]Job, error)
	List(ctx context.Context, f Filter) ([]Job, error)

	// FanOut moves a running parent to WAITING_FOR_CHILDREN with output and
	// inserts its children, atomically. Children get their IDs filled in.
	FanOut(ctx context.Context, parentID uint64, output datatypes.JSON, children []*Job) (*Job, error)
}

// Changes describes one mutation of a job row. Zero fields are left alone.
type Changes struct {
	// From, when set, is the set of statuses the job must currently be in.
	From []Status

	Status Status
	Input  datatypes.JSON
	Output datatypes.JSON

	ClearOutput bool

	// Restart validates the status change with CanRestart instead of the
	// regular transition table, and refuses jobs that already have children.
	Restart bool
}

type Filter struct {
	Statuses        []Status
	ExcludeStatuses []Status
	Type            Type
	ParentID        *uint64
	Limit           int
}

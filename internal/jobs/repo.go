package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Repo is the gorm-backed Store.
type Repo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db, now: time.Now}
}

// Migrate creates or updates the jobs table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Job{})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func (r *Repo) Create(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return r.create(tx, job)
	})
}

func (r *Repo) create(tx *gorm.DB, job *Job) error {
	if job.ParentID != nil {
		var n int64
		if err := tx.Model(&Job{}).Where("id = ?", *job.ParentID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %d", ErrParentNotFound, *job.ParentID)
		}
	}

	job.ID = 0
	if job.Status == "" {
		job.Status = StatusStarted
	}
	if len(job.Input) == 0 {
		job.Input = datatypes.JSON("{}")
	}
	now := r.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	return tx.Create(job).Error
}

func (r *Repo) Get(ctx context.Context, id uint64) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

func (r *Repo) Update(ctx context.Context, id uint64, ch Changes) (*Job, error) {
	var out *Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		j, err := r.update(tx, id, ch)
		out = j
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) update(tx *gorm.DB, id uint64, ch Changes) (*Job, error) {
	var cur Job
	if err := tx.First(&cur, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}

	if len(ch.From) > 0 && !slices.Contains(ch.From, cur.Status) {
		return nil, fmt.Errorf("%w: job %d is %s", ErrConflict, id, cur.Status)
	}
	if ch.Status != "" {
		switch {
		case !ch.Status.Valid():
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, ch.Status)
		case ch.Restart && !CanRestart(cur.Status):
			return nil, fmt.Errorf("%w: cannot restart job %d from %s", ErrInvalidTransition, id, cur.Status)
		case !ch.Restart && ch.Status != cur.Status && !CanTransition(cur.Status, ch.Status):
			return nil, fmt.Errorf("%w: job %d %s -> %s", ErrInvalidTransition, id, cur.Status, ch.Status)
		}
	}
	if ch.Restart {
		// a second fan-out would sit next to the first set of children
		var n int64
		if err := tx.Model(&Job{}).Where("parent_job = ?", id).Count(&n).Error; err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, fmt.Errorf("%w: job %d already has %d children", ErrInvalidTransition, id, n)
		}
	}

	// updated_at never goes backwards or repeats for a row.
	now := r.now()
	if !now.After(cur.UpdatedAt) {
		now = cur.UpdatedAt.Add(time.Millisecond)
	}

	updates := map[string]any{"updated_at": now}
	if ch.Status != "" {
		updates["status"] = string(ch.Status)
	}
	if ch.Input != nil {
		updates["input"] = ch.Input
	}
	if ch.ClearOutput {
		updates["output"] = nil
	} else if ch.Output != nil {
		updates["output"] = ch.Output
	}

	res := tx.Model(&Job{}).
		Where("id = ? AND status = ?", id, cur.Status).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: job %d", ErrConflict, id)
	}

	var out Job
	if err := tx.First(&out, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &out, nil
}

func (r *Repo) ChildrenOf(ctx context.Context, parentID uint64) ([]Job, error) {
	var out []Job
	if err := r.db.WithContext(ctx).
		Where("parent_job = ?", parentID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) List(ctx context.Context, f Filter) ([]Job, error) {
	q := r.db.WithContext(ctx).Order("id ASC")
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(f.Statuses))
	}
	if len(f.ExcludeStatuses) > 0 {
		q = q.Where("status NOT IN ?", statusStrings(f.ExcludeStatuses))
	}
	if f.Type != "" {
		q = q.Where("job_type = ?", string(f.Type))
	}
	if f.ParentID != nil {
		q = q.Where("parent_job = ?", *f.ParentID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []Job
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) FanOut(ctx context.Context, parentID uint64, output datatypes.JSON, children []*Job) (*Job, error) {
	var parent *Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := r.update(tx, parentID, Changes{
			From:   []Status{StatusRunning},
			Status: StatusWaiting,
			Output: output,
		})
		if err != nil {
			return err
		}
		for _, c := range children {
			pid := parentID
			c.ParentID = &pid
			if err := r.create(tx, c); err != nil {
				return err
			}
		}
		parent = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return parent, nil
}

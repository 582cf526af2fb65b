package jobs

import (
	"context"
	"errors"
	"log"
)

// Propagator promotes waiting ancestors once every one of their children is
// finished.
type Propagator struct {
	store      Store
	dispatcher *Dispatcher
	notify     Notifier
}

func NewPropagator(store Store, dispatcher *Dispatcher, notify Notifier) *Propagator {
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Propagator{store: store, dispatcher: dispatcher, notify: notify}
}

// Propagate walks up from job's parent, one level per promoted ancestor, and
// stops at the first ancestor that still has unfinished children.
func (p *Propagator) Propagate(ctx context.Context, job *Job) error {
	return p.walk(ctx, job.ParentID)
}

// Recheck promotes every waiting job whose children are all finished, and
// their ancestors in turn. Used at startup: a crash between a child's last
// transition and its parent's promotion would otherwise strand the parent.
func (p *Propagator) Recheck(ctx context.Context) ([]uint64, error) {
	waiting, err := p.store.List(ctx, Filter{Statuses: []Status{StatusWaiting}})
	if err != nil {
		return nil, err
	}
	var promoted []uint64
	for _, w := range waiting {
		id := w.ID
		before := promoted
		promoted, err = p.walkCollect(ctx, &id, promoted)
		if err != nil {
			return promoted, err
		}
		if len(promoted) > len(before) {
			log.Printf("recovery recheck promoted job=%d", id)
		}
	}
	return promoted, nil
}

func (p *Propagator) walk(ctx context.Context, pid *uint64) error {
	_, err := p.walkCollect(ctx, pid, nil)
	return err
}

func (p *Propagator) walkCollect(ctx context.Context, pid *uint64, promoted []uint64) ([]uint64, error) {
	for pid != nil {
		parent, err := p.store.Get(ctx, *pid)
		if err != nil {
			return promoted, err
		}
		if parent.Status.Finished() {
			pid = parent.ParentID
			continue
		}
		if parent.Status != StatusWaiting {
			return promoted, nil
		}

		children, err := p.store.ChildrenOf(ctx, parent.ID)
		if err != nil {
			return promoted, err
		}
		for _, c := range children {
			if !c.Status.Finished() {
				return promoted, nil
			}
		}

		done, err := p.complete(ctx, parent, children)
		if errors.Is(err, ErrConflict) {
			// cancelled or promoted by someone else meanwhile
			return promoted, nil
		}
		if err != nil {
			return promoted, err
		}
		p.notify.Notify(ctx, done)
		promoted = append(promoted, done.ID)
		pid = done.ParentID
	}
	return promoted, nil
}

func (p *Propagator) complete(ctx context.Context, parent *Job, children []Job) (*Job, error) {
	ch := Changes{From: []Status{StatusWaiting}, Status: StatusComplete}
	if p.dispatcher == nil {
		return p.store.Update(ctx, parent.ID, ch)
	}
	if a := p.dispatcher.assembler(parent.Type); a != nil {
		out, err := a.Assemble(ctx, parent, children)
		if err != nil {
			log.Printf("propagate assemble job=%d type=%s err=%v", parent.ID, parent.Type, err)
		} else if payload, err := marshalPayload(out); err != nil {
			log.Printf("propagate assemble job=%d marshal err=%v", parent.ID, err)
		} else {
			ch.Output = payload
		}
	}
	return p.store.Update(ctx, parent.ID, ch)
}

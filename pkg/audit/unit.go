package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"gorm.io/datatypes"
)

type unitKey struct{}
type actorKey struct{}

// WithActor attributes the changes committed under ctx to actor.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) *string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return &actor
	}
	return nil
}

func withUnit(ctx context.Context, u *unitOfWork) context.Context {
	return context.WithValue(ctx, unitKey{}, u)
}

func unitFrom(ctx context.Context) *unitOfWork {
	if ctx == nil {
		return nil
	}
	u, _ := ctx.Value(unitKey{}).(*unitOfWork)
	return u
}

type change struct {
	table string
	key   string
	op    Operation
	old   map[string]any
	new   map[string]any
}

// A unitOfWork collects the changes of a single commit. It is owned by one
// Commit call and travels in the statement context, never shared globally.
type unitOfWork struct {
	mu      sync.Mutex
	actor   *string
	writing bool

	order   []string
	changes map[string]*change
}

func newUnitOfWork(actor *string) *unitOfWork {
	return &unitOfWork{
		actor:   actor,
		changes: make(map[string]*change),
	}
}

func (u *unitOfWork) isWriting() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.writing
}

func (u *unitOfWork) setWriting(w bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.writing = w
}

func (u *unitOfWork) added(table string, r row) {
	u.track(change{table: table, key: r.key, op: Added, new: r.values})
}

func (u *unitOfWork) modified(table string, before, after row) {
	old, new := diff(before.values, after.values)
	u.track(change{table: table, key: after.key, op: Modified, old: old, new: new})
}

func (u *unitOfWork) deleted(table string, r row) {
	u.track(change{table: table, key: r.key, op: Deleted, old: r.values})
}

// track folds c into the pending changes so each row ends up with a single
// net change per commit.
func (u *unitOfWork) track(c change) {
	u.mu.Lock()
	defer u.mu.Unlock()

	id := c.table + "\x00" + c.key
	prev, ok := u.changes[id]
	if !ok {
		u.changes[id] = &c
		u.order = append(u.order, id)
		return
	}

	switch {
	case prev.op == Added && c.op == Modified:
		for col, v := range c.new {
			prev.new[col] = v
		}
	case prev.op == Added && c.op == Deleted:
		delete(u.changes, id)
	case prev.op == Modified && c.op == Modified:
		for col, v := range c.old {
			if _, seen := prev.old[col]; !seen {
				prev.old[col] = v
			}
		}
		for col, v := range c.new {
			prev.new[col] = v
		}
		for col := range prev.new {
			if reflect.DeepEqual(prev.old[col], prev.new[col]) {
				delete(prev.old, col)
				delete(prev.new, col)
			}
		}
	case prev.op == Modified && c.op == Deleted:
		old := make(map[string]any, len(c.old))
		for col, v := range c.old {
			old[col] = v
		}
		for col, v := range prev.old {
			old[col] = v
		}
		prev.op, prev.old, prev.new = Deleted, old, nil
	case prev.op == Deleted && c.op == Added:
		prev.op = Modified
		prev.old, prev.new = diff(prev.old, c.new)
	default:
		*prev = c
	}
}

func (u *unitOfWork) records(now time.Time) ([]*Log, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	var (
		logs []*Log
		seen = make(map[string]bool, len(u.order))
	)
	for _, id := range u.order {
		c, ok := u.changes[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true

		if c.op == Modified && len(c.old) == 0 && len(c.new) == 0 {
			continue
		}

		entry := &Log{
			Table:      c.table,
			PrimaryKey: c.key,
			Operation:  c.op,
			ChangedAt:  now,
			ChangedBy:  u.actor,
		}

		var err error
		if c.op != Added {
			if entry.OldValues, err = encode(c.old); err != nil {
				return nil, fmt.Errorf("failed to encode old values of %s(%s): %w", c.table, c.key, err)
			}
		}
		if c.op != Deleted {
			if entry.NewValues, err = encode(c.new); err != nil {
				return nil, fmt.Errorf("failed to encode new values of %s(%s): %w", c.table, c.key, err)
			}
		}
		logs = append(logs, entry)
	}
	return logs, nil
}

func encode(values map[string]any) (datatypes.JSON, error) {
	if len(values) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// diff returns the columns whose value differs between before and after.
func diff(before, after map[string]any) (map[string]any, map[string]any) {
	old := make(map[string]any)
	new := make(map[string]any)
	for col, b := range before {
		a, ok := after[col]
		if !ok || !reflect.DeepEqual(a, b) {
			old[col] = b
			new[col] = a
		}
	}
	for col, a := range after {
		if _, ok := before[col]; !ok {
			new[col] = a
		}
	}
	return old, new
}

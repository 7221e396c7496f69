package audit

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const batchSize = 100

type Option func(*Interceptor)

// WithClock replaces the time source used to stamp audit rows.
func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) {
		i.now = now
	}
}

// Interceptor wraps a unit of work in a transaction and, right before it
// commits, appends one audit row per net row change. The Plugin must be
// registered on the same *gorm.DB.
type Interceptor struct {
	now func() time.Time
}

func NewInterceptor(opts ...Option) *Interceptor {
	i := &Interceptor{now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Commit runs fn inside a transaction. Calls nested within another Commit
// join the outer unit of work, and their changes are audited when the
// outermost one commits.
func (i *Interceptor) Commit(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if unitFrom(ctx) != nil || unitFrom(db.Statement.Context) != nil {
		if unitFrom(ctx) == nil {
			ctx = db.Statement.Context
		}
		return db.WithContext(ctx).Transaction(fn)
	}

	u := newUnitOfWork(actorFrom(ctx))
	return db.WithContext(withUnit(ctx, u)).Transaction(func(tx *gorm.DB) error {
		if err := fn(tx); err != nil {
			return err
		}
		return i.flush(tx, u)
	})
}

func (i *Interceptor) flush(tx *gorm.DB, u *unitOfWork) error {
	logs, err := u.records(i.now().UTC())
	if err != nil {
		return errors.Wrap(err, "failed to build audit log")
	}
	if len(logs) == 0 {
		return nil
	}

	u.setWriting(true)
	defer u.setWriting(false)

	if err := tx.CreateInBatches(logs, batchSize).Error; err != nil {
		return errors.Wrap(err, "failed to write audit log")
	}
	log.Debug().Msgf("audited %d row changes", len(logs))
	return nil
}

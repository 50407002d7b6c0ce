package persistence

import (
	"context"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"gorm.io/gorm"
)

// AsyncProjection applies a projector outside the append path. Each batch
// and the progress marker it advances commit in one transaction, so a
// crash never applies events twice.
type AsyncProjection struct {
	db        *gorm.DB
	projector InlineProjector
	progress  *ProgressStore
}

// NewAsyncProjection creates a new AsyncProjection
func NewAsyncProjection(db *gorm.DB, projector InlineProjector, progress *ProgressStore) *AsyncProjection {
	return &AsyncProjection{db: db, projector: projector, progress: progress}
}

// DefaultAsyncProjections returns the projections caught up by the daemon
func DefaultAsyncProjections(db *gorm.DB, progress *ProgressStore) []*AsyncProjection {
	return []*AsyncProjection{
		NewAsyncProjection(db, NewLocationBalanceProjector(), progress),
	}
}

// Name returns the projection name
func (a *AsyncProjection) Name() string { return a.projector.Name() }

// Progress returns the last applied global sequence
func (a *AsyncProjection) Progress(ctx context.Context) (int64, error) {
	return a.progress.Get(ctx, a.Name())
}

// ApplyBatch applies events, which must be in global order, and moves the
// progress marker to the last one.
func (a *AsyncProjection) ApplyBatch(ctx context.Context, events []eventstore.Envelope) error {
	if len(events) == 0 {
		return nil
	}
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := a.projector.ApplyInline(ctx, tx, events); err != nil {
			return err
		}
		return a.progress.WithTx(tx).Set(ctx, a.Name(), events[len(events)-1].GlobalSeq)
	})
}

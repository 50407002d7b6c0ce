package projection

import (
	"fmt"

	"github.com/erp/stockledger/internal/domain/lock"
	"github.com/erp/stockledger/internal/domain/shared"
)

// AlreadyInProgressError is returned when another worker holds the rebuild lock
type AlreadyInProgressError struct {
	Projection string
	Lock       *lock.LockInfo
}

func (e *AlreadyInProgressError) Error() string {
	if e.Lock == nil {
		return fmt.Sprintf("rebuild of %s already in progress", e.Projection)
	}
	return fmt.Sprintf("rebuild of %s already in progress: held by %s until %s",
		e.Projection, e.Lock.Holder, e.Lock.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
}

func (e *AlreadyInProgressError) Unwrap() error {
	return shared.ErrAlreadyInProgress
}

// ChecksumMismatchError reports a rebuilt shadow that differs from production.
// The shadow table is kept for inspection until the next rebuild.
type ChecksumMismatchError struct {
	Projection     string
	ShadowTable    string
	Production     string
	Shadow         string
	ProductionRows int64
	ShadowRows     int64
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch rebuilding %s: production %s (%d rows), shadow %s (%d rows)",
		e.Projection, e.Production, e.ProductionRows, e.Shadow, e.ShadowRows)
}

func (e *ChecksumMismatchError) Unwrap() error {
	return shared.ErrChecksumMismatch
}

// RebuildConflictError wraps transient storage contention hit during a
// rebuild step. It matches both shared.ErrRebuildConflict and the cause.
type RebuildConflictError struct {
	Projection string
	Op         string
	Err        error
}

func (e *RebuildConflictError) Error() string {
	return fmt.Sprintf("rebuild of %s conflicted during %s: %v", e.Projection, e.Op, e.Err)
}

func (e *RebuildConflictError) Unwrap() []error {
	return []error{shared.ErrRebuildConflict, e.Err}
}

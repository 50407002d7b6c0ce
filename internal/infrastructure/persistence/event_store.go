package persistence

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/erp/stockledger/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultReadBatchSize = 500

// InlineProjector is applied inside the append transaction, so its view is
// never behind the log.
type InlineProjector interface {
	Name() string
	ApplyInline(ctx context.Context, tx *gorm.DB, events []eventstore.Envelope) error
}

// GormEventStore implements eventstore.Store on a single event_store table
type GormEventStore struct {
	db        *gorm.DB
	clock     shared.Clock
	batchSize int
	inline    []InlineProjector
}

// EventStoreOption configures a GormEventStore
type EventStoreOption func(*GormEventStore)

// WithClock sets the clock used to stamp appended events
func WithClock(c shared.Clock) EventStoreOption {
	return func(s *GormEventStore) {
		s.clock = c
	}
}

// WithReadBatchSize sets the page size used by ReadAll and ReadRange
func WithReadBatchSize(n int) EventStoreOption {
	return func(s *GormEventStore) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithInlineProjectors registers projections applied in the append transaction
func WithInlineProjectors(p ...InlineProjector) EventStoreOption {
	return func(s *GormEventStore) {
		s.inline = append(s.inline, p...)
	}
}

// NewGormEventStore creates a new GormEventStore
func NewGormEventStore(db *gorm.DB, opts ...EventStoreOption) *GormEventStore {
	s := &GormEventStore{
		db:        db,
		clock:     shared.SystemClock(),
		batchSize: defaultReadBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append implements eventstore.Store
func (s *GormEventStore) Append(ctx context.Context, streamKey string, expected eventstore.ExpectedVersion, events ...eventstore.NewEvent) (int64, error) {
	if streamKey == "" {
		return 0, shared.NewDomainError(shared.CodeInvalidInput, "stream key is required")
	}
	if len(events) == 0 {
		return 0, shared.NewDomainError(shared.CodeInvalidInput, "append requires at least one event")
	}

	var newVersion int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current int64
		if err := tx.Model(&models.EventRecord{}).
			Where("stream_key = ?", streamKey).
			Select("COALESCE(MAX(version), 0)").
			Scan(&current).Error; err != nil {
			return fmt.Errorf("failed to read stream version: %w", err)
		}
		if expected != eventstore.Any && int64(expected) != current {
			return conflictError(streamKey, expected, current)
		}

		now := s.clock.Now()
		family := familyOf(streamKey)
		records := make([]models.EventRecord, len(events))
		for i, e := range events {
			records[i] = models.EventRecord{
				StreamKey:  streamKey,
				Family:     family,
				Version:    current + int64(i) + 1,
				EventType:  e.Type,
				Payload:    e.Payload,
				InsertedAt: now,
			}
		}
		if err := tx.Create(&records).Error; err != nil {
			if IsUniqueViolation(err) {
				return conflictError(streamKey, expected, current)
			}
			return fmt.Errorf("failed to append events: %w", err)
		}

		envelopes := make([]eventstore.Envelope, len(records))
		for i := range records {
			envelopes[i] = records[i].ToEnvelope()
		}
		for _, p := range s.inline {
			if err := p.ApplyInline(ctx, tx, envelopes); err != nil {
				if IsUniqueViolation(err) {
					return shared.NewDomainError(shared.CodeConcurrencyConflict,
						fmt.Sprintf("concurrent update of %s view while appending to %s", p.Name(), streamKey))
				}
				return fmt.Errorf("inline projection %s: %w", p.Name(), err)
			}
		}

		newVersion = current + int64(len(events))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// ReadStream implements eventstore.Store
func (s *GormEventStore) ReadStream(ctx context.Context, streamKey string) ([]eventstore.Envelope, error) {
	var records []models.EventRecord
	if err := s.db.WithContext(ctx).
		Where("stream_key = ?", streamKey).
		Order("version ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", streamKey, err)
	}
	envelopes := make([]eventstore.Envelope, len(records))
	for i := range records {
		envelopes[i] = records[i].ToEnvelope()
	}
	return envelopes, nil
}

// Head implements eventstore.Store
func (s *GormEventStore) Head(ctx context.Context) (int64, error) {
	var head int64
	if err := s.db.WithContext(ctx).
		Model(&models.EventRecord{}).
		Select("COALESCE(MAX(global_seq), 0)").
		Scan(&head).Error; err != nil {
		return 0, fmt.Errorf("failed to read event store head: %w", err)
	}
	return head, nil
}

// ReadAll implements eventstore.Store
func (s *GormEventStore) ReadAll(ctx context.Context) iter.Seq2[eventstore.Envelope, error] {
	return func(yield func(eventstore.Envelope, error) bool) {
		head, err := s.Head(ctx)
		if err != nil {
			yield(eventstore.Envelope{}, err)
			return
		}
		for env, err := range s.ReadRange(ctx, 0, head) {
			if !yield(env, err) || err != nil {
				return
			}
		}
	}
}

// ReadRange implements eventstore.Store. Pages are fetched lazily so a
// caller that stops early does not read the rest of the log.
func (s *GormEventStore) ReadRange(ctx context.Context, after, upTo int64) iter.Seq2[eventstore.Envelope, error] {
	return func(yield func(eventstore.Envelope, error) bool) {
		cursor := after
		for cursor < upTo {
			if err := ctx.Err(); err != nil {
				yield(eventstore.Envelope{}, err)
				return
			}
			var page []models.EventRecord
			if err := s.db.WithContext(ctx).
				Where("global_seq > ? AND global_seq <= ?", cursor, upTo).
				Order(clause.OrderByColumn{Column: clause.Column{Name: "global_seq"}}).
				Limit(s.batchSize).
				Find(&page).Error; err != nil {
				yield(eventstore.Envelope{}, fmt.Errorf("failed to read events after %d: %w", cursor, err))
				return
			}
			if len(page) == 0 {
				return
			}
			for i := range page {
				if !yield(page[i].ToEnvelope(), nil) {
					return
				}
			}
			cursor = page[len(page)-1].GlobalSeq
		}
	}
}

func familyOf(streamKey string) string {
	family, _, _ := strings.Cut(streamKey, "/")
	return family
}

func conflictError(streamKey string, expected eventstore.ExpectedVersion, current int64) error {
	return shared.NewDomainError(shared.CodeConcurrencyConflict,
		fmt.Sprintf("stream %s is at version %d, expected %d", streamKey, current, expected))
}

// Ensure GormEventStore implements eventstore.Store
var _ eventstore.Store = (*GormEventStore)(nil)

package persistence

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"github.com/erp/stockledger/internal/domain/projection"
	"github.com/erp/stockledger/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrBackupTableExists is returned by Swap when <table>_old is still present
var ErrBackupTableExists = errors.New("backup table already exists")

// ErrSwapVerificationFailed is returned by Swap when the caught-up shadow no
// longer matches production.
var ErrSwapVerificationFailed = errors.New("shadow does not match production at swap")

const defaultInsertBatchSize = 500

// ViewStore owns the DDL and bulk IO used to rebuild materialized views
type ViewStore struct {
	db        *gorm.DB
	batchSize int
	catchUp   map[string]TableProjector
}

// NewViewStore creates a new ViewStore
func NewViewStore(db *gorm.DB, batchSize int) *ViewStore {
	if batchSize <= 0 {
		batchSize = defaultInsertBatchSize
	}
	catchUp := make(map[string]TableProjector)
	for _, p := range DefaultInlineProjectors() {
		if tp, ok := p.(TableProjector); ok {
			catchUp[p.Name()] = tp
		}
	}
	return &ViewStore{db: db, batchSize: batchSize, catchUp: catchUp}
}

// SwapOptions controls how a shadow is promoted
type SwapOptions struct {
	// After is the global sequence the shadow was built up to. Inline views
	// get every later event applied to the shadow before the rename.
	After int64
	// Verify re-checks the checksums under the swap lock whenever events
	// were caught up.
	Verify bool
	// Recheck always re-checks under the swap lock and refuses the swap on
	// a difference.
	Recheck bool
}

// SwapResult describes the state the shadow was promoted in
type SwapResult struct {
	CaughtUpTo         int64
	EventsCaughtUp     int64
	Rechecked          bool
	ShadowChecksum     string
	ProductionChecksum string
	Rows               int64
	ProductionRows     int64
}

// ShadowTableName returns the shadow table name for a production table
func ShadowTableName(table string, suffix int64) string {
	return shadowPrefix(table) + strconv.FormatInt(suffix, 10)
}

// BackupTableName returns the name production is renamed to during a swap
func BackupTableName(table string) string {
	return table + "_old"
}

func shadowPrefix(table string) string {
	return table + "_shadow_"
}

// TableExists reports whether table exists
func (s *ViewStore) TableExists(ctx context.Context, table string) bool {
	return s.db.WithContext(ctx).Migrator().HasTable(table)
}

// DropStaleShadows drops shadow tables left behind by cancelled or failed
// rebuilds and returns their names.
func (s *ViewStore) DropStaleShadows(ctx context.Context, table string) ([]string, error) {
	m := s.db.WithContext(ctx).Migrator()
	tables, err := m.GetTables()
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	var dropped []string
	for _, t := range tables {
		if !strings.HasPrefix(t, shadowPrefix(table)) {
			continue
		}
		if err := m.DropTable(t); err != nil {
			return dropped, fmt.Errorf("failed to drop stale shadow %s: %w", t, err)
		}
		dropped = append(dropped, t)
	}
	return dropped, nil
}

// CreateShadow creates an empty table named shadow with the view's schema
func (s *ViewStore) CreateShadow(ctx context.Context, def projection.Definition, shadow string) error {
	if err := s.db.WithContext(ctx).Table(shadow).Migrator().CreateTable(def.NewRow()); err != nil {
		return fmt.Errorf("failed to create shadow table %s: %w", shadow, err)
	}
	return nil
}

// DropTable drops table if it exists
func (s *ViewStore) DropTable(ctx context.Context, table string) error {
	if err := s.db.WithContext(ctx).Migrator().DropTable(table); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", table, err)
	}
	return nil
}

// BulkInsert writes rows, a slice of view rows, into table in batches
func (s *ViewStore) BulkInsert(ctx context.Context, table string, rows any) error {
	if reflect.ValueOf(rows).Len() == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Table(table).CreateInBatches(rows, s.batchSize).Error; err != nil {
		return fmt.Errorf("failed to bulk insert into %s: %w", table, err)
	}
	return nil
}

// onHandValueQuery aggregates on-hand quantities per warehouse and SKU and
// joins the current item reference row. It reads available_stock, which
// is maintained inline, so the value never trails the ledger.
const onHandValueQuery = `INSERT INTO %s (warehouse_id, sku, item_name, category, quantity, unit_cost, total_value)
SELECT s.warehouse_id, s.sku, i.name, i.category, SUM(s.on_hand_qty), i.unit_cost, SUM(s.on_hand_qty) * i.unit_cost
FROM available_stock s
JOIN items i ON i.sku = s.sku
GROUP BY s.warehouse_id, s.sku, i.name, i.category, i.unit_cost`

// RefreshFromQuery fills table for a query-sourced view and returns the
// number of rows written.
func (s *ViewStore) RefreshFromQuery(ctx context.Context, def projection.Definition, table string) (int64, error) {
	var query string
	switch def.Name {
	case projection.OnHandValue:
		query = onHandValueQuery
	default:
		return 0, fmt.Errorf("projection %s has no source query", def.Name)
	}
	res := s.db.WithContext(ctx).Exec(fmt.Sprintf(query, s.db.Statement.Quote(table)))
	if res.Error != nil {
		return 0, fmt.Errorf("failed to refresh %s from query: %w", table, res.Error)
	}
	return res.RowsAffected, nil
}

// Checksum hashes every row of table in the view's canonical key order
func (s *ViewStore) Checksum(ctx context.Context, def projection.Definition, table string) (string, int64, error) {
	return checksum(ctx, s.db, def, table)
}

func checksum(ctx context.Context, db *gorm.DB, def projection.Definition, table string) (string, int64, error) {
	rows, err := db.WithContext(ctx).Table(table).Order(strings.Join(def.KeyColumns, ", ")).Rows()
	if err != nil {
		return "", 0, fmt.Errorf("failed to scan %s: %w", table, err)
	}
	defer rows.Close()

	sum := projection.NewChecksum()
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		row := def.NewRow()
		if err := db.ScanRows(rows, row); err != nil {
			return "", 0, fmt.Errorf("failed to read %s row: %w", table, err)
		}
		sum.Add(row)
	}
	if err := rows.Err(); err != nil {
		return "", 0, fmt.Errorf("failed to scan %s: %w", table, err)
	}
	return sum.Sum(), sum.Rows(), nil
}

// Swap promotes shadow to the view's table in one transaction and then drops
// the previous production table. Writers to the production table are held
// off for the whole transaction: on PostgreSQL by an EXCLUSIVE table lock,
// on SQLite by the single connection. Appends blocked on the lock resolve
// the table name again once it is released and land in the promoted table.
func (s *ViewStore) Swap(ctx context.Context, def projection.Definition, shadow string, opts SwapOptions) (SwapResult, error) {
	table := def.Table
	backup := BackupTableName(table)
	result := SwapResult{CaughtUpTo: opts.After}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if isPostgres(tx) {
			if err := tx.Exec(fmt.Sprintf("LOCK TABLE %s IN EXCLUSIVE MODE", tx.Statement.Quote(table))).Error; err != nil {
				return fmt.Errorf("failed to lock %s: %w", table, err)
			}
		}
		m := tx.Migrator()
		if m.HasTable(backup) {
			return fmt.Errorf("%w: %s", ErrBackupTableExists, backup)
		}

		if def.Mode == projection.ModeInline {
			if err := s.catchUpShadow(ctx, tx, def, shadow, &result); err != nil {
				return err
			}
		}
		if opts.Recheck || (opts.Verify && result.EventsCaughtUp > 0) {
			if err := verifyInTx(ctx, tx, def, shadow, &result); err != nil {
				return err
			}
		}

		if err := m.RenameTable(table, backup); err != nil {
			return fmt.Errorf("failed to rename %s to %s: %w", table, backup, err)
		}
		if err := m.RenameTable(shadow, table); err != nil {
			return fmt.Errorf("failed to rename %s to %s: %w", shadow, table, err)
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	return result, s.DropTable(ctx, backup)
}

// catchUpShadow applies the events committed after result.CaughtUpTo to shadow
func (s *ViewStore) catchUpShadow(ctx context.Context, tx *gorm.DB, def projection.Definition, shadow string, result *SwapResult) error {
	projector, ok := s.catchUp[def.Name]
	if !ok {
		return fmt.Errorf("inline projection %s has no catch-up projector", def.Name)
	}
	for {
		var page []models.EventRecord
		if err := tx.WithContext(ctx).
			Where("global_seq > ?", result.CaughtUpTo).
			Order(clause.OrderByColumn{Column: clause.Column{Name: "global_seq"}}).
			Limit(s.batchSize).
			Find(&page).Error; err != nil {
			return fmt.Errorf("failed to read events after %d: %w", result.CaughtUpTo, err)
		}
		if len(page) == 0 {
			return nil
		}
		envelopes := make([]eventstore.Envelope, len(page))
		for i := range page {
			envelopes[i] = page[i].ToEnvelope()
		}
		if err := projector.ApplyTo(ctx, tx, shadow, envelopes); err != nil {
			return fmt.Errorf("failed to catch up %s: %w", shadow, err)
		}
		result.CaughtUpTo = page[len(page)-1].GlobalSeq
		result.EventsCaughtUp += int64(len(page))
	}
}

func verifyInTx(ctx context.Context, tx *gorm.DB, def projection.Definition, shadow string, result *SwapResult) error {
	shadowSum, rows, err := checksum(ctx, tx, def, shadow)
	if err != nil {
		return err
	}
	prodSum, prodRows, err := checksum(ctx, tx, def, def.Table)
	if err != nil {
		return err
	}
	result.Rechecked = true
	result.ShadowChecksum, result.ProductionChecksum = shadowSum, prodSum
	result.Rows, result.ProductionRows = rows, prodRows
	if shadowSum != prodSum {
		return fmt.Errorf("%w: %s", ErrSwapVerificationFailed, def.Name)
	}
	return nil
}

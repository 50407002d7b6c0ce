package persistence

import (
	"fmt"

	"github.com/erp/stockledger/internal/domain/projection"
	"github.com/erp/stockledger/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// AutoMigrate creates the core tables for embedded (SQLite) deployments and
// tests. PostgreSQL deployments apply the SQL files in migrations/ instead.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.EventRecord{},
		&models.LockRecord{},
		&models.ProjectionProgressRecord{},
		&models.ItemRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate core tables: %w", err)
	}
	for _, name := range projection.Names() {
		def, _ := projection.Lookup(name)
		if err := db.Table(def.Table).AutoMigrate(def.NewRow()); err != nil {
			return fmt.Errorf("failed to migrate view %s: %w", name, err)
		}
	}
	return nil
}

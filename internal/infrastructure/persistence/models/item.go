package models

import "github.com/shopspring/decimal"

// ItemRecord is the reference-data item row owned by the catalog subsystem.
// The inventory core only reads it.
type ItemRecord struct {
	SKU      string          `gorm:"column:sku;type:varchar(128);primaryKey"`
	Name     string          `gorm:"column:name;type:varchar(255);not null"`
	Category string          `gorm:"column:category;type:varchar(128);not null;default:''"`
	UnitCost decimal.Decimal `gorm:"column:unit_cost;type:decimal(18,4);not null;default:0"`
}

// TableName returns the table name for GORM
func (ItemRecord) TableName() string {
	return "items"
}

package models

import "time"

// ProjectionProgressRecord is the last global sequence applied to a projection
type ProjectionProgressRecord struct {
	Projection string    `gorm:"column:projection;type:varchar(128);primaryKey"`
	LastSeq    int64     `gorm:"column:last_seq;not null;default:0"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

// TableName returns the table name for GORM
func (ProjectionProgressRecord) TableName() string {
	return "projection_progress"
}

package models

import (
	"encoding/json"
	"time"

	"github.com/erp/stockledger/internal/domain/eventstore"
)

// EventRecord is one row of the append-only event log. GlobalSeq is assigned
// by the database on insert; (stream_key, version) is unique so concurrent
// writers to one stream cannot both succeed.
type EventRecord struct {
	GlobalSeq  int64     `gorm:"column:global_seq;primaryKey;autoIncrement"`
	StreamKey  string    `gorm:"column:stream_key;type:varchar(512);not null;uniqueIndex:ux_event_store_stream_version,priority:1"`
	Family     string    `gorm:"column:stream_family;type:varchar(32);not null;index:idx_event_store_family"`
	Version    int64     `gorm:"column:version;not null;uniqueIndex:ux_event_store_stream_version,priority:2"`
	EventType  string    `gorm:"column:event_type;type:varchar(128);not null"`
	Payload    []byte    `gorm:"column:payload;not null"`
	InsertedAt time.Time `gorm:"column:inserted_at;not null"`
}

// TableName returns the table name for GORM
func (EventRecord) TableName() string {
	return "event_store"
}

// ToEnvelope converts the record into the domain envelope
func (m *EventRecord) ToEnvelope() eventstore.Envelope {
	return eventstore.Envelope{
		GlobalSeq:  m.GlobalSeq,
		StreamKey:  m.StreamKey,
		Family:     eventstore.StreamFamily(m.Family),
		Version:    m.Version,
		Type:       m.EventType,
		Payload:    json.RawMessage(m.Payload),
		RecordedAt: m.InsertedAt,
	}
}

// Package eventstore defines the append-only event log contract shared by the
// stock ledger and reservation streams.
package eventstore

import (
	"context"
	"encoding/json"
	"iter"
	"time"
)

// StreamFamily groups streams that share a key shape.
type StreamFamily string

const (
	FamilyStock       StreamFamily = "stock"
	FamilyReservation StreamFamily = "reservation"
)

// ExpectedVersion is the optimistic concurrency guard passed to Append.
// Any skips the check, NoStream requires the stream to be empty, and a
// positive value requires the stream's current version to equal it.
type ExpectedVersion int64

const (
	Any      ExpectedVersion = -1
	NoStream ExpectedVersion = 0
)

// NewEvent is an event that has not been appended yet.
type NewEvent struct {
	Type    string
	Payload json.RawMessage
}

// Envelope is a persisted event as read back from the store. It carries its
// own stream key so that projections can derive provenance without joins.
type Envelope struct {
	GlobalSeq  int64
	StreamKey  string
	Family     StreamFamily
	Version    int64
	Type       string
	Payload    json.RawMessage
	RecordedAt time.Time
}

// Store is the event log contract.
type Store interface {
	// Append writes events to the stream at the end of its history and returns
	// the new stream version. It fails with ErrConcurrencyConflict when the
	// stream has moved past expected.
	Append(ctx context.Context, streamKey string, expected ExpectedVersion, events ...NewEvent) (int64, error)

	// ReadStream returns the whole stream ordered by version.
	ReadStream(ctx context.Context, streamKey string) ([]Envelope, error)

	// ReadAll yields every event up to the head observed when iteration
	// begins, ordered by global sequence. Each iteration restarts from the
	// first event.
	ReadAll(ctx context.Context) iter.Seq2[Envelope, error]

	// ReadRange yields events with after < GlobalSeq <= upTo in global order.
	ReadRange(ctx context.Context, after, upTo int64) iter.Seq2[Envelope, error]

	// Head returns the highest assigned global sequence, or 0 for an empty log.
	Head(ctx context.Context) (int64, error)
}

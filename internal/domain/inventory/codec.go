package inventory

import (
	"encoding/json"
	"fmt"

	"github.com/erp/stockledger/internal/domain/eventstore"
)

var payloadFactories = map[string]func() Payload{
	EventTypeStockMoved:           func() Payload { return &StockMoved{} },
	EventTypeReservationCreated:   func() Payload { return &ReservationCreated{} },
	EventTypeReservationAllocated: func() Payload { return &ReservationAllocated{} },
	EventTypePickingStarted:       func() Payload { return &PickingStarted{} },
	EventTypeReservationConsumed:  func() Payload { return &ReservationConsumed{} },
	EventTypeReservationCancelled: func() Payload { return &ReservationCancelled{} },
}

// Encode serializes payloads into events ready for Append
func Encode(payloads ...Payload) ([]eventstore.NewEvent, error) {
	events := make([]eventstore.NewEvent, 0, len(payloads))
	for _, p := range payloads {
		if _, ok := payloadFactories[p.EventType()]; !ok {
			return nil, fmt.Errorf("cannot encode unregistered event type %q", p.EventType())
		}
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", p.EventType(), err)
		}
		events = append(events, eventstore.NewEvent{Type: p.EventType(), Payload: data})
	}
	return events, nil
}

// Decode turns an envelope into its typed payload. Unregistered types decode
// to *UnknownEvent rather than failing, so older builds can replay newer logs.
func Decode(env eventstore.Envelope) (Payload, error) {
	factory, ok := payloadFactories[env.Type]
	if !ok {
		return &UnknownEvent{Type: env.Type}, nil
	}
	p := factory()
	if err := json.Unmarshal(env.Payload, p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s at seq %d: %w", env.Type, env.GlobalSeq, err)
	}
	return p, nil
}

// RegisteredEventTypes lists the event types the codec understands
func RegisteredEventTypes() []string {
	types := make([]string, 0, len(payloadFactories))
	for t := range payloadFactories {
		types = append(types, t)
	}
	return types
}

package inventory

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/erp/stockledger/internal/domain/eventstore"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/google/uuid"
)

const (
	stockStreamPrefix       = "stock/"
	reservationStreamPrefix = "reservation/"
)

// StockKey identifies one ledger stream and one row of the stock views.
type StockKey struct {
	WarehouseID string `json:"warehouse_id"`
	Location    string `json:"location"`
	SKU         string `json:"sku"`
}

// NewStockKey creates a StockKey, rejecting empty components.
func NewStockKey(warehouseID, location, sku string) (StockKey, error) {
	k := StockKey{
		WarehouseID: strings.TrimSpace(warehouseID),
		Location:    strings.TrimSpace(location),
		SKU:         strings.TrimSpace(sku),
	}
	if err := k.Validate(); err != nil {
		return StockKey{}, err
	}
	return k, nil
}

// Validate checks that all key components are present.
func (k StockKey) Validate() error {
	if k.WarehouseID == "" || k.Location == "" || k.SKU == "" {
		return shared.NewDomainError(shared.CodeInvalidInput, "stock key requires warehouse, location and sku")
	}
	return nil
}

// String renders the key as WAREHOUSE/LOCATION/SKU for messages and lock names.
func (k StockKey) String() string {
	return k.WarehouseID + "/" + k.Location + "/" + k.SKU
}

// LockKey is the distributed lock name guarding availability decisions on this key.
func (k StockKey) LockKey() string {
	return "stock:" + k.StreamKey()
}

// StreamKey returns the event stream key for this ledger stream.
// Components are path-escaped so that separators inside values round-trip.
func (k StockKey) StreamKey() string {
	return stockStreamPrefix +
		url.PathEscape(k.WarehouseID) + "/" +
		url.PathEscape(k.Location) + "/" +
		url.PathEscape(k.SKU)
}

// Less orders keys by warehouse, location, then sku.
func (k StockKey) Less(o StockKey) bool {
	if k.WarehouseID != o.WarehouseID {
		return k.WarehouseID < o.WarehouseID
	}
	if k.Location != o.Location {
		return k.Location < o.Location
	}
	return k.SKU < o.SKU
}

// ParseStockStreamKey recovers a StockKey from a stock stream key.
func ParseStockStreamKey(streamKey string) (StockKey, error) {
	rest, ok := strings.CutPrefix(streamKey, stockStreamPrefix)
	if !ok {
		return StockKey{}, fmt.Errorf("not a stock stream key: %q", streamKey)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return StockKey{}, fmt.Errorf("malformed stock stream key: %q", streamKey)
	}
	decoded := make([]string, 3)
	for i, p := range parts {
		v, err := url.PathUnescape(p)
		if err != nil {
			return StockKey{}, fmt.Errorf("malformed stock stream key %q: %w", streamKey, err)
		}
		decoded[i] = v
	}
	return NewStockKey(decoded[0], decoded[1], decoded[2])
}

// ReservationStreamKey returns the stream key of a reservation aggregate.
func ReservationStreamKey(id uuid.UUID) string {
	return reservationStreamPrefix + id.String()
}

// FamilyOf classifies a stream key.
func FamilyOf(streamKey string) eventstore.StreamFamily {
	switch {
	case strings.HasPrefix(streamKey, stockStreamPrefix):
		return eventstore.FamilyStock
	case strings.HasPrefix(streamKey, reservationStreamPrefix):
		return eventstore.FamilyReservation
	default:
		return ""
	}
}

// SortStockKeys sorts keys in place using StockKey.Less and removes duplicates.
func SortStockKeys(keys []StockKey) []StockKey {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	out := keys[:0]
	for i, k := range keys {
		if i > 0 && k == keys[i-1] {
			continue
		}
		out = append(out, k)
	}
	return out
}

// ParseReservationStreamKey recovers the reservation id from its stream key.
func ParseReservationStreamKey(streamKey string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(streamKey, reservationStreamPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("not a reservation stream key: %q", streamKey)
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed reservation stream key %q: %w", streamKey, err)
	}
	return id, nil
}

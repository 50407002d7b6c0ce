package projection

import (
	"sort"

	"github.com/erp/stockledger/internal/domain/shared"
)

// Projection and table names. Projection names are the external identifiers
// used by the rebuild API.
const (
	LocationBalance = "LocationBalance"
	AvailableStock  = "AvailableStock"
	ActiveHardLock  = "ActiveHardLock"
	OnHandValue     = "OnHandValue"

	TableLocationBalance = "location_balance"
	TableAvailableStock  = "available_stock"
	TableActiveHardLock  = "active_hard_locks"
	TableOnHandValue     = "on_hand_value"
)

// Source says where a rebuild takes its rows from
type Source string

const (
	// SourceEvents replays the full event history.
	SourceEvents Source = "events"
	// SourceQuery recomputes rows by a declarative query over current tables.
	SourceQuery Source = "query"
)

// Mode says how the live view is kept current
type Mode string

const (
	// ModeInline views are updated in the same transaction as the append.
	ModeInline Mode = "inline"
	// ModeAsync views are caught up by the projection daemon and may lag.
	ModeAsync Mode = "async"
	// ModeDerived views are only refreshed by rebuilding them.
	ModeDerived Mode = "derived"
)

// Definition describes one materialized view
type Definition struct {
	Name  string
	Table string
	// KeyColumns is the canonical checksum order.
	KeyColumns []string
	Source     Source
	Mode       Mode
	// NewRow returns a pointer to an empty row, used for DDL and scanning.
	NewRow func() ChecksumRow
	// NewAccumulator is set for event-sourced views.
	NewAccumulator func() Accumulator
}

var definitions = map[string]Definition{
	LocationBalance: {
		Name:           LocationBalance,
		Table:          TableLocationBalance,
		KeyColumns:     []string{"warehouse_id", "location", "sku"},
		Source:         SourceEvents,
		Mode:           ModeAsync,
		NewRow:         func() ChecksumRow { return &LocationBalanceRow{} },
		NewAccumulator: func() Accumulator { return NewLocationBalanceAccumulator() },
	},
	AvailableStock: {
		Name:           AvailableStock,
		Table:          TableAvailableStock,
		KeyColumns:     []string{"warehouse_id", "location", "sku"},
		Source:         SourceEvents,
		Mode:           ModeInline,
		NewRow:         func() ChecksumRow { return &AvailableStockRow{} },
		NewAccumulator: func() Accumulator { return NewAvailableStockAccumulator() },
	},
	ActiveHardLock: {
		Name:           ActiveHardLock,
		Table:          TableActiveHardLock,
		KeyColumns:     []string{"reservation_id", "warehouse_id", "location", "sku"},
		Source:         SourceEvents,
		Mode:           ModeInline,
		NewRow:         func() ChecksumRow { return &ActiveHardLockRow{} },
		NewAccumulator: func() Accumulator { return NewActiveHardLockAccumulator() },
	},
	OnHandValue: {
		Name:       OnHandValue,
		Table:      TableOnHandValue,
		KeyColumns: []string{"warehouse_id", "sku"},
		Source:     SourceQuery,
		Mode:       ModeDerived,
		NewRow:     func() ChecksumRow { return &OnHandValueRow{} },
	},
}

// Lookup returns the definition for a projection name
func Lookup(name string) (Definition, error) {
	def, ok := definitions[name]
	if !ok {
		return Definition{}, shared.NewDomainError(shared.CodeNotFound, "unknown projection: "+name)
	}
	return def, nil
}

// Names returns all projection names, sorted
func Names() []string {
	names := make([]string, 0, len(definitions))
	for n := range definitions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns all definitions with the given mode
func Definitions(mode Mode) []Definition {
	var out []Definition
	for _, n := range Names() {
		if d := definitions[n]; d.Mode == mode {
			out = append(out, d)
		}
	}
	return out
}

package rates

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/preidman/dex/domain/order"
)

// Storage persists rates so they survive a restart. The table works without
// one (memory only), which the tests rely on.
type Storage interface {
	PutRate(asset order.Asset, rate decimal.Decimal) error
	DeleteRate(asset order.Asset) error
	Rates() (map[order.Asset]decimal.Decimal, error)
}

// Table maps assets to their waves-equivalent-per-unit rate. It is a
// read-mostly process-wide cache mutated only by administrative calls.
// An absent entry means the asset trades at its native unit, no conversion.
type Table struct {
	mu      sync.RWMutex
	rates   map[order.Asset]decimal.Decimal
	storage Storage
}

func NewTable(storage Storage) (*Table, error) {
	t := &Table{
		rates:   make(map[order.Asset]decimal.Decimal),
		storage: storage,
	}
	if storage != nil {
		persisted, err := storage.Rates()
		if err != nil {
			return nil, err
		}
		for asset, rate := range persisted {
			t.rates[asset] = rate
		}
	}
	return t, nil
}

// Upsert installs or replaces an asset's rate. Rates must be positive.
func (t *Table) Upsert(asset order.Asset, rate decimal.Decimal) error {
	if rate.Sign() <= 0 {
		return order.ErrValidation
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates[asset] = rate
	if t.storage != nil {
		return t.storage.PutRate(asset, rate)
	}
	return nil
}

// Delete drops the asset's rate, reverting it to native-unit handling.
func (t *Table) Delete(asset order.Asset) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rates, asset)
	if t.storage != nil {
		return t.storage.DeleteRate(asset)
	}
	return nil
}

// Rate returns the asset's rate and whether one is configured.
func (t *Table) Rate(asset order.Asset) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rates[asset]
	return r, ok
}

// All returns a copy of the table.
func (t *Table) All() map[order.Asset]decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[order.Asset]decimal.Decimal, len(t.rates))
	for a, r := range t.rates {
		out[a] = r
	}
	return out
}

// ToWaves converts an asset quantity into waves units, rounding up so fee
// minimums are never understated. Waves and rateless assets convert 1:1.
func (t *Table) ToWaves(asset order.Asset, amount int64) int64 {
	if asset == order.Waves {
		return amount
	}
	rate, ok := t.Rate(asset)
	if !ok {
		return amount
	}
	return decimal.NewFromInt(amount).Mul(rate).Ceil().IntPart()
}

// FromWaves converts a waves quantity into asset units, rounding up.
func (t *Table) FromWaves(asset order.Asset, amount int64) int64 {
	if asset == order.Waves {
		return amount
	}
	rate, ok := t.Rate(asset)
	if !ok {
		return amount
	}
	return decimal.NewFromInt(amount).Div(rate).Ceil().IntPart()
}

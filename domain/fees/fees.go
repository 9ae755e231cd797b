// Package fees computes required order fees at placement time and apportions
// declared fees across executions. All arithmetic is decimal with floor
// division, so apportioned fees across all fills of an order never exceed its
// declared fee.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/preidman/dex/domain/order"
	"github.com/preidman/dex/domain/rates"
)

// AssetType selects the reference amount Percent mode applies its rate to.
type AssetType int

const (
	AssetTypeAmount AssetType = iota
	AssetTypePrice
	AssetTypeSpending
	AssetTypeReceiving
)

func (t AssetType) String() string {
	switch t {
	case AssetTypePrice:
		return "price"
	case AssetTypeSpending:
		return "spending"
	case AssetTypeReceiving:
		return "receiving"
	default:
		return "amount"
	}
}

// Mode is the active fee model, one variant per mode.
type Mode interface{ isMode() }

// Dynamic charges a flat base fee in waves, surcharged when the account or
// any involved asset carries a script.
type Dynamic struct {
	BaseFee         int64 // waves
	ScriptSurcharge int64 // waves, added once per scripted party
}

// Fixed charges a flat minimum denominated in one designated asset.
type Fixed struct {
	Asset  order.Asset
	MinFee int64
}

// Percent charges a fraction of a reference amount selected by AssetType.
type Percent struct {
	AssetType AssetType
	MinFee    decimal.Decimal // percent, e.g. 0.1 for 0.1%
}

func (Dynamic) isMode() {}
func (Fixed) isMode()   {}
func (Percent) isMode() {}

// ScriptInfo answers whether accounts or assets carry validation scripts,
// which raises the Dynamic-mode minimum. A nil ScriptInfo means no scripts.
type ScriptInfo interface {
	AccountHasScript(account string) bool
	AssetHasScript(asset order.Asset) bool
}

// RequiredFee computes the minimum acceptable fee for a prospective order in
// the order's own fee asset, along with the asset the minimum is denominated
// in for diagnostics.
func RequiredFee(o *order.Order, mode Mode, table *rates.Table, scripts ScriptInfo) (order.Asset, int64, error) {
	switch m := mode.(type) {
	case Dynamic:
		base := m.BaseFee
		if scripts != nil {
			if scripts.AccountHasScript(o.Account) {
				base += m.ScriptSurcharge
			}
			for _, a := range []order.Asset{o.Pair.AmountAsset, o.Pair.PriceAsset} {
				if a != order.Waves && scripts.AssetHasScript(a) {
					base += m.ScriptSurcharge
				}
			}
		}
		return o.FeeAsset, table.FromWaves(o.FeeAsset, base), nil

	case Fixed:
		switch o.FeeAsset {
		case m.Asset:
			return m.Asset, m.MinFee, nil
		case order.Waves:
			return order.Waves, table.ToWaves(m.Asset, m.MinFee), nil
		default:
			return "", 0, &order.UnexpectedFeeAssetError{
				Got:      o.FeeAsset,
				Expected: []order.Asset{m.Asset, order.Waves},
			}
		}

	case Percent:
		refAsset, refAmount := percentReference(o, m.AssetType, o.Amount, o.Price)
		min := percentOf(m.MinFee, refAmount)
		switch o.FeeAsset {
		case refAsset:
			return refAsset, min, nil
		case order.Waves:
			return order.Waves, table.ToWaves(refAsset, min), nil
		default:
			return "", 0, &order.UnexpectedFeeAssetError{
				Got:      o.FeeAsset,
				Expected: []order.Asset{refAsset, order.Waves},
			}
		}
	}
	return o.FeeAsset, 0, nil
}

// CheckFee validates the declared fee of a prospective order against the
// active mode's minimum.
func CheckFee(o *order.Order, mode Mode, table *rates.Table, scripts ScriptInfo) error {
	asset, min, err := RequiredFee(o, mode, table, scripts)
	if err != nil {
		return err
	}
	if o.Fee < min {
		return &order.InsufficientFeeError{Required: min, Asset: asset, Declared: o.Fee}
	}
	return nil
}

// ApportionFee computes one side's fee for a single execution.
//
// Dynamic and Fixed modes apportion the declared fee linearly by filled
// fraction: floor(fee * executed / total). Percent mode takes the lesser of
// the declared fee and the minimum recomputed over the executed reference
// amounts, preserving the source behavior of capping to the declared fee
// without re-normalizing against the counterparty's reference base.
//
// Callers bound the result by the order's remaining fee, so cumulative fees
// never exceed the declared fee; truncation dust stays reserved until the
// order leaves the book.
func ApportionFee(mode Mode, o *order.Order, executedAmount, executedPrice int64) int64 {
	switch m := mode.(type) {
	case Percent:
		_, execRef := percentReference(o, m.AssetType, executedAmount, executedPrice)
		computed := percentOf(m.MinFee, execRef)
		if computed < o.Fee {
			return computed
		}
		return o.Fee

	default:
		return decimal.NewFromInt(o.Fee).
			Mul(decimal.NewFromInt(executedAmount)).
			Div(decimal.NewFromInt(o.Amount)).
			Floor().
			IntPart()
	}
}

// percentReference resolves the asset and quantity Percent mode measures
// against, for the given fill size and price.
func percentReference(o *order.Order, t AssetType, amount, price int64) (order.Asset, int64) {
	switch t {
	case AssetTypePrice:
		return o.Pair.PriceAsset, order.QuoteAmount(amount, price)
	case AssetTypeSpending:
		return o.SpendAsset(), o.SpendAmount(amount, price)
	case AssetTypeReceiving:
		return o.ReceiveAsset(), o.ReceiveAmount(amount, price)
	default:
		return o.Pair.AmountAsset, amount
	}
}

func percentOf(pct decimal.Decimal, amount int64) int64 {
	return pct.
		Mul(decimal.NewFromInt(amount)).
		Div(decimal.NewFromInt(100)).
		Floor().
		IntPart()
}

package order

import (
	"github.com/shopspring/decimal"
)

// Asset identifies a tradable asset by its id. The matcher treats ids as
// opaque strings; Waves is the fee-reference unit.
type Asset string

const Waves Asset = "WAVES"

// AssetPair is the (amount asset, price asset) tuple identifying one order book.
type AssetPair struct {
	AmountAsset Asset `json:"amountAsset" validate:"required"`
	PriceAsset  Asset `json:"priceAsset" validate:"required"`
}

func (p AssetPair) String() string {
	return string(p.AmountAsset) + "-" + string(p.PriceAsset)
}

// Contains reports whether a is one of the pair's two assets.
func (p AssetPair) Contains(a Asset) bool {
	return a == p.AmountAsset || a == p.PriceAsset
}

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Opposite returns the counter side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderType int

const (
	Limit OrderType = iota
	Market
)

func (t OrderType) String() string {
	if t == Market {
		return "market"
	}
	return "limit"
}

// PriceScale fixes the price denomination: a price of PriceScale means one
// unit of the amount asset costs one unit of the price asset.
const PriceScale = 100_000_000

// Order is the immutable client order. It is never mutated after creation;
// matching-time state lives in orderbook.AcceptedOrder.
type Order struct {
	ID        string    `json:"id" validate:"required"`
	Account   string    `json:"account" validate:"required"`
	Pair      AssetPair `json:"pair"`
	Side      Side      `json:"side"`
	Type      OrderType `json:"type"`
	Price     int64     `json:"price"`
	Amount    int64     `json:"amount"`
	Fee       int64     `json:"fee"`
	FeeAsset  Asset     `json:"feeAsset"`
	Expiry    int64     `json:"expiry"` // unix millis, 0 = never
	Version   int       `json:"version"`
	Timestamp int64     `json:"timestamp"` // placement time, unix millis
}

// SpendAsset is the asset the order pays with: price asset for buys,
// amount asset for sells.
func (o *Order) SpendAsset() Asset {
	if o.Side == Buy {
		return o.Pair.PriceAsset
	}
	return o.Pair.AmountAsset
}

// ReceiveAsset is the asset the order receives on execution.
func (o *Order) ReceiveAsset() Asset {
	if o.Side == Buy {
		return o.Pair.AmountAsset
	}
	return o.Pair.PriceAsset
}

// SpendAmount is the quantity of SpendAsset a fill of amount at price costs.
func (o *Order) SpendAmount(amount, price int64) int64 {
	if o.Side == Buy {
		return QuoteAmount(amount, price)
	}
	return amount
}

// ReceiveAmount is the quantity of ReceiveAsset a fill of amount at price yields.
func (o *Order) ReceiveAmount(amount, price int64) int64 {
	if o.Side == Buy {
		return amount
	}
	return QuoteAmount(amount, price)
}

// QuoteAmount converts an amount-asset quantity into price-asset units at the
// given price, flooring the result.
func QuoteAmount(amount, price int64) int64 {
	q := decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(price)).
		Div(decimal.NewFromInt(PriceScale)).
		Floor()
	return q.IntPart()
}

// Expired reports whether the order's expiration has passed at now (millis).
func (o *Order) Expired(now int64) bool {
	return o.Expiry > 0 && o.Expiry <= now
}

package orderbook

import (
	"fmt"

	"github.com/preidman/dex/domain/order"
)

// AcceptedOrder wraps an immutable client order with the mutable remaining
// amount and fee. It is owned exclusively by the book entry that holds it and
// is destroyed when fully filled, canceled, or expired.
type AcceptedOrder struct {
	Order *order.Order

	RemainingAmount int64
	RemainingFee    int64

	// intrusive FIFO links, managed by the owning price level
	next *AcceptedOrder
	prev *AcceptedOrder
	// level the order currently rests at, nil while not in the book
	level *PriceLevel
}

func NewAccepted(o *order.Order) *AcceptedOrder {
	return &AcceptedOrder{
		Order:           o,
		RemainingAmount: o.Amount,
		RemainingFee:    o.Fee,
	}
}

func (ao *AcceptedOrder) ID() string    { return ao.Order.ID }
func (ao *AcceptedOrder) Price() int64  { return ao.Order.Price }
func (ao *AcceptedOrder) Filled() int64 { return ao.Order.Amount - ao.RemainingAmount }

// Next walks the level FIFO. Read-only traversal helper.
func (ao *AcceptedOrder) Next() *AcceptedOrder { return ao.next }

// Fill consumes amount from the remaining quantity. Overfilling indicates a
// matching bug and panics.
func (ao *AcceptedOrder) Fill(amount int64) {
	if amount > ao.RemainingAmount {
		panic(fmt.Sprintf("order %s: fill %d exceeds remaining %d", ao.Order.ID, amount, ao.RemainingAmount))
	}
	ao.RemainingAmount -= amount
}

// TakeFee consumes up to want from the remaining fee and returns what was
// actually taken, so fees taken across fills never exceed the declared fee.
func (ao *AcceptedOrder) TakeFee(want int64) int64 {
	if want < 0 {
		return 0
	}
	if want > ao.RemainingFee {
		want = ao.RemainingFee
	}
	ao.RemainingFee -= want
	return want
}

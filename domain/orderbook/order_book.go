package orderbook

import (
	"github.com/preidman/dex/domain/order"
)

// Trade is one execution produced by matching. The maker is the resting
// order; its price is the execution price.
type Trade struct {
	Pair      order.AssetPair
	MakerID   string
	TakerID   string
	Amount    int64
	Price     int64
	Timestamp int64

	// live book entries for the two sides, valid only inside the
	// single-writer worker that ran the match
	Maker *AcceptedOrder
	Taker *AcceptedOrder
}

// BuySell splits the trade's two orders by side.
func (t *Trade) BuySell() (buy, sell *AcceptedOrder) {
	if t.Maker.Order.Side == order.Buy {
		return t.Maker, t.Taker
	}
	return t.Taker, t.Maker
}

// OrderBook holds both sides of one asset pair. It is single-writer and
// deterministic: given the same event sequence it produces the same trades.
type OrderBook struct {
	Pair order.AssetPair

	Bids *RBTree
	Asks *RBTree

	byID map[string]*AcceptedOrder

	lastTrade *Trade
	deleted   bool
}

func NewOrderBook(pair order.AssetPair) *OrderBook {
	return &OrderBook{
		Pair: pair,
		Bids: NewRBTree(),
		Asks: NewRBTree(),
		byID: make(map[string]*AcceptedOrder),
	}
}

// Deleted reports whether the book reached its terminal state. A deleted
// book rejects all subsequent events.
func (b *OrderBook) Deleted() bool { return b.deleted }

// MarkDeleted moves the book to its terminal state.
func (b *OrderBook) MarkDeleted() { b.deleted = true }

// Find returns the resting entry for id, or nil.
func (b *OrderBook) Find(id string) *AcceptedOrder { return b.byID[id] }

// Place runs the matching algorithm for an incoming order and returns the
// executions in the order they happened. A limit remainder rests on its own
// side at price-time priority; a market remainder is discarded.
func (b *OrderBook) Place(incoming *AcceptedOrder, now int64) []Trade {
	trades := b.match(incoming, now)

	if incoming.RemainingAmount > 0 && incoming.Order.Type == order.Limit {
		side := b.Bids
		if incoming.Order.Side == order.Sell {
			side = b.Asks
		}
		side.UpsertLevel(incoming.Price()).Enqueue(incoming)
		b.byID[incoming.ID()] = incoming
	}
	return trades
}

// RestoreResting inserts an entry without matching. Used when rebuilding a
// book from a snapshot; entries must arrive in their original book order so
// time priority within a level is preserved.
func (b *OrderBook) RestoreResting(ao *AcceptedOrder) {
	side := b.Bids
	if ao.Order.Side == order.Sell {
		side = b.Asks
	}
	side.UpsertLevel(ao.Price()).Enqueue(ao)
	b.byID[ao.ID()] = ao
}

func (b *OrderBook) match(incoming *AcceptedOrder, now int64) []Trade {
	var trades []Trade

	opposite := b.Asks
	if incoming.Order.Side == order.Sell {
		opposite = b.Bids
	}

	for incoming.RemainingAmount > 0 {
		var best *PriceLevel
		if incoming.Order.Side == order.Buy {
			best = opposite.BestMin()
		} else {
			best = opposite.BestMax()
		}
		if best == nil {
			break
		}
		if !crosses(incoming, best.Price) {
			break
		}

		resting := best.Head()
		amount := incoming.RemainingAmount
		if resting.RemainingAmount < amount {
			amount = resting.RemainingAmount
		}

		// maker price priority: execution at the resting order's price
		trade := Trade{
			Pair:      b.Pair,
			MakerID:   resting.ID(),
			TakerID:   incoming.ID(),
			Amount:    amount,
			Price:     best.Price,
			Timestamp: now,
			Maker:     resting,
			Taker:     incoming,
		}

		incoming.Fill(amount)
		resting.Fill(amount)

		// Fill already zeroed the remainder on a full fill, so Remove
		// alone would leave the executed quantity in the level total
		best.Reduce(amount)
		if resting.RemainingAmount == 0 {
			best.Remove(resting)
			delete(b.byID, resting.ID())
		}
		if best.Empty() {
			opposite.DeleteLevel(best.Price)
		}

		trades = append(trades, trade)
		last := trade
		b.lastTrade = &last
	}
	return trades
}

func crosses(incoming *AcceptedOrder, restingPrice int64) bool {
	if incoming.Order.Type == order.Market {
		return true
	}
	if incoming.Order.Side == order.Buy {
		return incoming.Price() >= restingPrice
	}
	return incoming.Price() <= restingPrice
}

// Cancel removes the order from whichever side holds it and returns the
// entry. The ok result is false when the order is not resting; callers treat
// that as a no-op.
func (b *OrderBook) Cancel(id string) (*AcceptedOrder, bool) {
	ao, ok := b.byID[id]
	if !ok {
		return nil, false
	}
	b.removeResting(ao)
	return ao, true
}

// ExpiredOrders collects resting orders whose expiration passed at now.
func (b *OrderBook) ExpiredOrders(now int64) []*AcceptedOrder {
	var out []*AcceptedOrder
	for _, ao := range b.byID {
		if ao.Order.Expired(now) {
			out = append(out, ao)
		}
	}
	return out
}

// AllOrders returns every resting entry, bids first, best price first.
// Used by snapshotting; entries must be treated as read-only.
func (b *OrderBook) AllOrders() []*AcceptedOrder {
	out := make([]*AcceptedOrder, 0, len(b.byID))
	b.Bids.WalkDesc(func(lvl *PriceLevel) bool {
		for ao := lvl.Head(); ao != nil; ao = ao.Next() {
			out = append(out, ao)
		}
		return true
	})
	b.Asks.WalkAsc(func(lvl *PriceLevel) bool {
		for ao := lvl.Head(); ao != nil; ao = ao.Next() {
			out = append(out, ao)
		}
		return true
	})
	return out
}

func (b *OrderBook) removeResting(ao *AcceptedOrder) {
	lvl := ao.level
	if lvl == nil {
		return
	}
	side := b.Bids
	if ao.Order.Side == order.Sell {
		side = b.Asks
	}
	lvl.Remove(ao)
	if lvl.Empty() {
		side.DeleteLevel(lvl.Price)
	}
	delete(b.byID, ao.ID())
}

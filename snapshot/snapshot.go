// Package snapshot persists point-in-time copies of a book keyed to the
// last-applied event offset, bounding replay distance at recovery.
package snapshot

import (
	"encoding/json"
	"time"

	"github.com/preidman/dex/domain/order"
	"github.com/preidman/dex/domain/orderbook"
)

// KV is the slice of the persistent store snapshots live in.
type KV interface {
	PutSnapshot(pair order.AssetPair, data []byte) error
	Snapshot(pair order.AssetPair) ([]byte, bool, error)
}

// OrderState is one resting order with its matching-time remainder.
type OrderState struct {
	Order           order.Order `json:"order"`
	RemainingAmount int64       `json:"remainingAmount"`
	RemainingFee    int64       `json:"remainingFee"`
}

// BookSnapshot is the serialized book plus the offset it is consistent with.
type BookSnapshot struct {
	Pair    order.AssetPair `json:"pair"`
	Offset  uint64          `json:"offset"`
	Time    int64           `json:"time"`
	Deleted bool            `json:"deleted"`
	Orders  []OrderState    `json:"orders"`
}

// Capture copies a book's resting orders into a snapshot. The caller must
// hold the book exclusively (the pair worker does).
func Capture(book *orderbook.OrderBook, offset uint64) *BookSnapshot {
	resting := book.AllOrders()
	snap := &BookSnapshot{
		Pair:    book.Pair,
		Offset:  offset,
		Time:    time.Now().UnixMilli(),
		Deleted: book.Deleted(),
		Orders:  make([]OrderState, 0, len(resting)),
	}
	for _, ao := range resting {
		snap.Orders = append(snap.Orders, OrderState{
			Order:           *ao.Order,
			RemainingAmount: ao.RemainingAmount,
			RemainingFee:    ao.RemainingFee,
		})
	}
	return snap
}

// Restore rebuilds a book from a snapshot. Orders are enqueued in the
// captured order, which preserves their time priority within each level.
func Restore(snap *BookSnapshot) *orderbook.OrderBook {
	book := orderbook.NewOrderBook(snap.Pair)
	if snap.Deleted {
		book.MarkDeleted()
		return book
	}
	for i := range snap.Orders {
		st := &snap.Orders[i]
		o := st.Order
		ao := orderbook.NewAccepted(&o)
		ao.RemainingAmount = st.RemainingAmount
		ao.RemainingFee = st.RemainingFee
		book.RestoreResting(ao)
	}
	return book
}

// Write persists a snapshot, superseding the previous one for the pair.
func Write(kv KV, snap *BookSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return kv.PutSnapshot(snap.Pair, data)
}

// Load reads the newest snapshot for a pair, if any.
func Load(kv KV, pair order.AssetPair) (*BookSnapshot, bool, error) {
	data, ok, err := kv.Snapshot(pair)
	if err != nil || !ok {
		return nil, false, err
	}
	var snap BookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, err
	}
	return &snap, true, nil
}

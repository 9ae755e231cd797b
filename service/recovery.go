package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/preidman/dex/domain/order"
	"github.com/preidman/dex/domain/orderbook"
	"github.com/preidman/dex/infra/eventlog"
	"github.com/preidman/dex/infra/store"
	"github.com/preidman/dex/snapshot"
)

// recover rebuilds every known pair's book from its latest snapshot and
// re-reserves balances for the restored resting orders. It returns the
// first log offset consumption must start from: one past the oldest
// snapshot, or 1 when any pair has no snapshot at all.
func (e *Engine) recover(ctx context.Context) (eventlog.Offset, error) {
	pairs, err := e.st.Pairs()
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workers == nil {
		e.workers = make(map[order.AssetPair]*pairWorker, len(pairs))
	}

	startFrom := eventlog.Offset(0)
	haveFloor := false
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		snap, ok, err := snapshot.Load(e.st, pair)
		if err != nil {
			return 0, err
		}
		if !ok {
			// pair is known but never snapshotted, replay it from scratch
			e.workers[pair] = newPairWorker(e, pair, orderbook.NewOrderBook(pair), 0)
			startFrom = 0
			haveFloor = true
			continue
		}

		book := snapshot.Restore(snap)
		for _, ao := range book.AllOrders() {
			o := ao.Order
			e.tracker.Restore(o.ID, o.Account, remainingLocks(ao))
		}
		e.workers[pair] = newPairWorker(e, pair, book, snap.Offset)
		if !haveFloor || snap.Offset < startFrom {
			startFrom = snap.Offset
			haveFloor = true
		}

		e.logger.WithFields(logrus.Fields{
			"pair":   pair.String(),
			"offset": snap.Offset,
			"orders": len(snap.Orders),
		}).Info("book restored from snapshot")

		if snap.Deleted {
			if err := e.st.PutBookState(pair, store.BookStateDeleted); err != nil {
				e.logger.WithError(err).Warn("book state write failed")
			}
		}
	}

	return startFrom + 1, nil
}

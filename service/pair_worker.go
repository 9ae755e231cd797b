package service

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/preidman/dex/domain/order"
	"github.com/preidman/dex/domain/orderbook"
	"github.com/preidman/dex/infra/eventlog"
	"github.com/preidman/dex/infra/outbox"
	"github.com/preidman/dex/infra/store"
	"github.com/preidman/dex/snapshot"
)

// eventMsg delivers one log event to a worker.
type eventMsg struct {
	off eventlog.Offset
	ev  *eventlog.Event
	// boot is set for events inside the catch-up window; the worker bumps
	// the engine's processed counter after applying them
	boot bool
}

// queryMsg runs fn inside the worker goroutine, giving it exclusive access
// to the book. fn must copy anything it wants to keep.
type queryMsg struct {
	fn   func(*orderbook.OrderBook)
	done chan struct{}
}

// pairWorker owns one pair's book. It is the only goroutine touching it,
// which serializes matching per pair without locks; cross-pair work runs in
// parallel.
type pairWorker struct {
	pair order.AssetPair
	book *orderbook.OrderBook
	eng  *Engine
	log  *logrus.Entry

	events  chan eventMsg
	queries chan queryMsg
	stop    chan struct{}
	stopped chan struct{}

	lastApplied eventlog.Offset
	sinceSnap   int
	lastSnap    time.Time
	openVolume  int64
}

func newPairWorker(eng *Engine, pair order.AssetPair, book *orderbook.OrderBook, lastApplied eventlog.Offset) *pairWorker {
	w := &pairWorker{
		pair:        pair,
		book:        book,
		eng:         eng,
		log:         eng.logger.WithField("pair", pair.String()),
		events:      make(chan eventMsg, 1024),
		queries:     make(chan queryMsg, 16),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
		lastApplied: lastApplied,
		lastSnap:    time.Now(),
	}
	for _, ao := range book.AllOrders() {
		w.openVolume += ao.RemainingAmount
	}
	go w.run()
	return w
}

func (w *pairWorker) run() {
	defer close(w.stopped)

	for {
		select {
		case <-w.stop:
			w.snapshotNow()
			return
		case q := <-w.queries:
			q.fn(w.book)
			close(q.done)
		case msg := <-w.events:
			w.apply(msg)
			if msg.boot {
				atomic.AddUint64(&w.eng.bootProcessed, 1)
			}
		}
	}
}

// query runs fn on the worker goroutine and waits for it.
func (w *pairWorker) query(fn func(*orderbook.OrderBook)) {
	q := queryMsg{fn: fn, done: make(chan struct{})}
	select {
	case w.queries <- q:
		<-q.done
	case <-w.stopped:
	}
}

func (w *pairWorker) halt() {
	close(w.stop)
	<-w.stopped
}

// apply processes one event idempotently: offsets at or below the last
// applied one are redeliveries and are skipped.
func (w *pairWorker) apply(msg eventMsg) {
	if msg.off <= w.lastApplied {
		return
	}

	switch msg.ev.Type {
	case eventlog.EventOrderAdded:
		w.applyAdded(msg.off, msg.ev)
	case eventlog.EventOrderCanceled:
		w.applyCanceled(msg.ev.OrderID, "canceled")
	case eventlog.EventOrderBookDeleted:
		w.applyBookDeleted()
	case eventlog.EventOrderExecuted:
		// executions are derived during matching, never consumed
	default:
		// malformed or legacy events are logged and skipped; the consumer
		// must keep making forward progress
		w.log.WithField("type", msg.ev.Type.String()).Warn("skipping unexpected event")
	}

	w.lastApplied = msg.off
	w.sinceSnap++
	w.maybeSnapshot()
}

func (w *pairWorker) applyAdded(off eventlog.Offset, ev *eventlog.Event) {
	o := ev.Order
	if o == nil || o.Amount <= 0 {
		w.log.Warn("skipping malformed OrderAdded event")
		return
	}
	if w.book.Deleted() {
		// the order was accepted before the delete event applied; its
		// reservation must not outlive the book
		w.log.WithField("order", o.ID).Warn("order for deleted book rejected")
		w.finalizeOrder(orderbook.NewAccepted(o), "canceled")
		return
	}

	// During replay acceptance never ran, so the locks are restored here.
	// The call is a no-op for orders the live acceptance path reserved.
	w.eng.tracker.Restore(o.ID, o.Account, orderLocks(o))

	incoming := orderbook.NewAccepted(o)
	trades := w.book.Place(incoming, ev.Timestamp)
	w.openVolume += o.Amount

	for i, t := range trades {
		w.settleTrade(deriveTradeID(off, i), t)
	}

	if incoming.RemainingAmount == 0 || o.Type == order.Market {
		// fully filled, or an unfilled market remainder that never rests
		w.openVolume -= incoming.RemainingAmount
		w.finalizeOrder(incoming, "filled")
	}
}

// deriveTradeID builds a deterministic trade id from the event offset and
// the trade's index within the event, so replay regenerates identical ids.
func deriveTradeID(off eventlog.Offset, idx int) uint64 {
	return uint64(off)<<16 | uint64(idx)
}

func (w *pairWorker) settleTrade(tradeID uint64, t orderbook.Trade) {
	buy, sell := t.BuySell()

	buyFee := buy.TakeFee(w.eng.apportion(buy.Order, t.Amount, t.Price))
	sellFee := sell.TakeFee(w.eng.apportion(sell.Order, t.Amount, t.Price))

	w.releaseFill(buy, t.Amount, buyFee)
	w.releaseFill(sell, t.Amount, sellFee)
	w.openVolume -= t.Amount * 2 // both sides' resting volume shrinks

	// the maker leaves the book inside matching when fully filled; its
	// remaining reservation dust is released here
	if t.Maker.RemainingAmount == 0 {
		w.finalizeOrder(t.Maker, "filled")
	}

	st := outbox.Settlement{
		TradeID:   tradeID,
		Pair:      w.pair,
		BuyOrder:  buy.Order,
		SellOrder: sell.Order,
		Amount:    t.Amount,
		Price:     t.Price,
		BuyFee:    buyFee,
		SellFee:   sellFee,
		Timestamp: t.Timestamp,
	}
	if err := w.eng.box.PutNew(st); err != nil {
		w.log.WithError(err).WithField("trade", tradeID).Error("settlement outbox write failed")
	}
	for _, side := range []*orderbook.AcceptedOrder{buy, sell} {
		if err := w.eng.st.PutOrderStatus(side.ID(), storeStatus(side)); err != nil {
			w.log.WithError(err).WithField("order", side.ID()).Warn("order status write failed")
		}
	}
}

// releaseFill unlocks the executed portion of one side's reservation: the
// principal valued at the order's own limit price plus the fee actually
// taken. Valuing at the limit price rather than the execution price keeps
// the remaining lock equal to what a snapshot restore would compute, and
// returns any price-improvement surplus immediately. The release is capped
// by what the order still holds.
func (w *pairWorker) releaseFill(ao *orderbook.AcceptedOrder, amount, fee int64) {
	o := ao.Order
	held := w.eng.tracker.HeldFor(o.ID, o.Account)
	if held == nil {
		return
	}

	spend := o.SpendAmount(amount, o.Price)
	if have := held[o.SpendAsset()]; spend > have {
		spend = have
	}
	if err := w.eng.tracker.ReleaseFill(o.ID, o.Account, o.SpendAsset(), spend); err != nil {
		w.log.WithError(err).WithField("order", o.ID).Error("principal release failed")
	}

	if have := held[o.FeeAsset]; fee > have {
		fee = have
	}
	if err := w.eng.tracker.ReleaseFill(o.ID, o.Account, o.FeeAsset, fee); err != nil {
		w.log.WithError(err).WithField("order", o.ID).Error("fee release failed")
	}
}

func (w *pairWorker) applyCanceled(id, reason string) {
	ao, ok := w.book.Cancel(id)
	if !ok {
		// canceling an absent (already filled or canceled) order is a no-op
		return
	}
	w.openVolume -= ao.RemainingAmount
	w.finalizeOrder(ao, reason)
}

// finalizeOrder releases whatever reservation remains for an order leaving
// the book and records its terminal status.
func (w *pairWorker) finalizeOrder(ao *orderbook.AcceptedOrder, status string) {
	o := ao.Order
	w.eng.tracker.ReleaseOrder(o.ID, o.Account)
	if err := w.eng.st.PutOrderStatus(o.ID, storeStatusNamed(ao, status)); err != nil {
		w.log.WithError(err).WithField("order", o.ID).Warn("order status write failed")
	}
	if err := w.eng.st.RemoveAccountOrder(o.Account, o.ID); err != nil {
		w.log.WithError(err).WithField("order", o.ID).Warn("account order list update failed")
	}
}

func (w *pairWorker) applyBookDeleted() {
	for _, ao := range w.book.AllOrders() {
		w.book.Cancel(ao.ID())
		w.openVolume -= ao.RemainingAmount
		w.finalizeOrder(ao, "canceled")
	}
	w.book.MarkDeleted()
	if err := w.eng.st.PutBookState(w.pair, store.BookStateDeleted); err != nil {
		w.log.WithError(err).Error("book state write failed")
	}
	w.log.Info("order book deleted")
}

// expiredIDs collects resting orders whose expiration passed. Called via
// query by the expiry sweep, which turns them into cancel events.
func (w *pairWorker) expiredIDs(now int64) []string {
	var ids []string
	w.query(func(b *orderbook.OrderBook) {
		for _, ao := range b.ExpiredOrders(now) {
			ids = append(ids, ao.ID())
		}
	})
	return ids
}

func (w *pairWorker) maybeSnapshot() {
	cfg := w.eng.cfg
	if w.sinceSnap < cfg.SnapshotEvery && time.Since(w.lastSnap) < cfg.SnapshotInterval {
		return
	}
	w.snapshotNow()
}

// snapshotNow persists the book keyed to the last applied offset, advances
// the durable watermark, and records the open volume.
func (w *pairWorker) snapshotNow() {
	snap := snapshot.Capture(w.book, w.lastApplied)
	if err := snapshot.Write(w.eng.st, snap); err != nil {
		w.log.WithError(err).Error("snapshot write failed")
		return
	}
	if err := w.eng.st.PutWatermark(w.pair, w.lastApplied); err != nil {
		w.log.WithError(err).Warn("watermark write failed")
	}
	if err := w.eng.st.PutOpenVolume(w.pair, w.openVolume); err != nil {
		w.log.WithError(err).Warn("open volume write failed")
	}
	w.sinceSnap = 0
	w.lastSnap = time.Now()
	w.log.WithField("offset", w.lastApplied).Debug("snapshot written")
	w.eng.afterSnapshot()
}

// Package service wires the matching core together: the per-pair books, the
// fee engine, the reservation tracker, the event log, and the settlement
// outbox. Engine is the only write entry point into the system.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/preidman/dex/domain/assets"
	"github.com/preidman/dex/domain/fees"
	"github.com/preidman/dex/domain/order"
	"github.com/preidman/dex/domain/orderbook"
	"github.com/preidman/dex/domain/rates"
	"github.com/preidman/dex/domain/reservation"
	"github.com/preidman/dex/infra/eventlog"
	"github.com/preidman/dex/infra/outbox"
	"github.com/preidman/dex/infra/store"
)

type Config struct {
	// AcceptTimeout bounds the whole acceptance path: balance lookup plus
	// log append. Exceeding it fails the placement; the client resubmits.
	AcceptTimeout time.Duration
	// CatchUpTimeout bounds the boot barrier. Exceeding it is fatal.
	CatchUpTimeout time.Duration
	// SnapshotEvery and SnapshotInterval trigger a snapshot after N applied
	// events or T elapsed per pair, whichever comes first.
	SnapshotEvery    int
	SnapshotInterval time.Duration
	// ExpiryInterval is the cadence of the resting-order expiry sweep.
	ExpiryInterval time.Duration
	// DepthLevels caps aggregated depth views, 0 = unbounded.
	DepthLevels int
}

func (c *Config) withDefaults() {
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = 3 * time.Second
	}
	if c.CatchUpTimeout <= 0 {
		c.CatchUpTimeout = time.Minute
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 1000
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = time.Minute
	}
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = 5 * time.Second
	}
}

// Engine accepts orders, drives event consumption, and exposes the
// matcher's read models.
type Engine struct {
	cfg      Config
	elog     eventlog.Log
	st       *store.Store
	box      *outbox.Outbox
	balances reservation.BalanceSource
	tracker  *reservation.Tracker
	rates    *rates.Table
	feeMode  fees.Mode
	scripts  fees.ScriptInfo
	decimals *assets.DecimalsCache
	logger   *logrus.Logger

	mu      sync.RWMutex
	workers map[order.AssetPair]*pairWorker

	bootOffset    eventlog.Offset
	bootExpected  uint64
	bootProcessed uint64
	ready         atomic.Bool

	consumeCancel context.CancelFunc
	consumeDone   chan struct{}
	jobsCancel    context.CancelFunc
	jobsDone      sync.WaitGroup
}

// Deps carries the engine's collaborators.
type Deps struct {
	Log      eventlog.Log
	Store    *store.Store
	Outbox   *outbox.Outbox
	Balances reservation.BalanceSource
	Rates    *rates.Table
	FeeMode  fees.Mode
	Scripts  fees.ScriptInfo
	Logger   *logrus.Logger
}

func NewEngine(cfg Config, deps Deps) *Engine {
	cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		cfg:      cfg,
		elog:     deps.Log,
		st:       deps.Store,
		box:      deps.Outbox,
		balances: deps.Balances,
		tracker:  reservation.NewTracker(deps.Balances, logger),
		rates:    deps.Rates,
		feeMode:  deps.FeeMode,
		scripts:  deps.Scripts,
		decimals: assets.NewDecimalsCache(storedMetadata{st: deps.Store}),
		logger:   logger,
	}
}

// storedMetadata serves asset decimals from the KV store, defaulting to 8
// places for assets never registered.
type storedMetadata struct {
	st *store.Store
}

func (m storedMetadata) Decimals(_ context.Context, asset order.Asset) (byte, error) {
	d, ok, err := m.st.AssetDecimals(asset)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 8, nil
	}
	return d, nil
}

// Tracker exposes the reservation ledger for queries.
func (e *Engine) Tracker() *reservation.Tracker { return e.tracker }

// Start recovers state from snapshots and the event log, then blocks until
// every pair's consumer has caught up to the offset observed at boot. No
// external traffic is accepted before that barrier; missing the catch-up
// deadline aborts startup.
func (e *Engine) Start(ctx context.Context) error {
	startFrom, err := e.recover(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	e.bootOffset, err = e.elog.LastOffset()
	if err != nil {
		return fmt.Errorf("log watermark: %w", err)
	}
	if e.bootOffset >= startFrom {
		e.bootExpected = uint64(e.bootOffset - startFrom + 1)
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	e.consumeCancel = cancel
	e.consumeDone = make(chan struct{})
	go func() {
		defer close(e.consumeDone)
		err := e.elog.ConsumeFrom(consumeCtx, startFrom, func(off eventlog.Offset, ev *eventlog.Event) error {
			return e.dispatch(consumeCtx, off, ev)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.WithError(err).Error("event consumption stopped")
		}
	}()

	if err := e.waitCaughtUp(ctx); err != nil {
		cancel()
		return err
	}
	e.ready.Store(true)

	jobsCtx, jobsCancel := context.WithCancel(context.Background())
	e.jobsCancel = jobsCancel
	e.jobsDone.Add(1)
	go e.expirySweep(jobsCtx)

	e.logger.WithField("offset", e.bootOffset).Info("engine caught up, accepting orders")
	return nil
}

func (e *Engine) waitCaughtUp(ctx context.Context) error {
	deadline := time.NewTimer(e.cfg.CatchUpTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for {
		if atomic.LoadUint64(&e.bootProcessed) >= e.bootExpected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: catch-up barrier not reached after %s (%d/%d events)",
				order.ErrTimeout, e.cfg.CatchUpTimeout,
				atomic.LoadUint64(&e.bootProcessed), e.bootExpected)
		case <-tick.C:
		}
	}
}

// dispatch routes one log event to its pair's worker in offset order.
// Events that cannot be decoded or delivered are logged and skipped so
// consumption keeps making progress.
func (e *Engine) dispatch(ctx context.Context, off eventlog.Offset, ev *eventlog.Event) error {
	if ev == nil {
		e.logger.WithField("offset", off).Warn("skipping undecodable event")
		if off <= e.bootOffset {
			atomic.AddUint64(&e.bootProcessed, 1)
		}
		return nil
	}
	w, err := e.workerFor(ev.Pair, true)
	if err != nil {
		e.logger.WithError(err).WithField("offset", off).Warn("skipping undeliverable event")
		if off <= e.bootOffset {
			atomic.AddUint64(&e.bootProcessed, 1)
		}
		return nil
	}
	select {
	case w.events <- eventMsg{off: off, ev: ev, boot: off <= e.bootOffset}:
		return nil
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops consumption, snapshots every pair unconditionally, and
// flushes nothing else: outbox records survive in pebble for the next run.
func (e *Engine) Shutdown() {
	e.ready.Store(false)
	if e.jobsCancel != nil {
		e.jobsCancel()
		e.jobsDone.Wait()
	}
	if e.consumeCancel != nil {
		e.consumeCancel()
		<-e.consumeDone
	}
	e.mu.Lock()
	workers := make([]*pairWorker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()
	for _, w := range workers {
		w.halt() // final snapshot happens inside the worker
	}
}

// PlaceOrder validates, fee-checks, and reserves funds for an order, then
// appends it to the event log. The matching outcome is applied
// asynchronously by the pair's worker.
func (e *Engine) PlaceOrder(ctx context.Context, o *order.Order) (eventlog.Offset, error) {
	if !e.ready.Load() {
		return 0, fmt.Errorf("%w: engine is not ready", order.ErrTimeout)
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AcceptTimeout)
	defer cancel()

	now := time.Now().UnixMilli()
	if err := order.Validate(o, now); err != nil {
		return 0, err
	}
	state, err := e.st.BookState(o.Pair)
	if err != nil {
		return 0, err
	}
	if state == store.BookStateDeleted {
		return 0, fmt.Errorf("%w: %s", order.ErrOrderBookNotFound, o.Pair)
	}
	if err := fees.CheckFee(o, e.feeMode, e.rates, e.scripts); err != nil {
		return 0, err
	}

	if err := e.tracker.Reserve(ctx, o.ID, o.Account, orderLocks(o)); err != nil {
		return 0, err
	}

	// persisted before the append so a crash in between leaves at most an
	// order record without an event, which recovery ignores
	if err := e.st.PutOrder(o); err != nil {
		e.tracker.ReleaseOrder(o.ID, o.Account)
		return 0, err
	}
	if err := e.st.PutOrderStatus(o.ID, store.OrderStatus{Status: "accepted"}); err != nil {
		e.tracker.ReleaseOrder(o.ID, o.Account)
		return 0, err
	}
	if err := e.st.AddAccountOrder(o.Account, o.ID); err != nil {
		e.logger.WithError(err).WithField("order", o.ID).Warn("account order list update failed")
	}
	if err := e.st.PutBookState(o.Pair, store.BookStateActive); err != nil {
		e.logger.WithError(err).Warn("book state write failed")
	}

	off, err := e.elog.Append(ctx, &eventlog.Event{
		Type:      eventlog.EventOrderAdded,
		Pair:      o.Pair,
		Timestamp: now,
		Order:     o,
	})
	if err != nil {
		e.tracker.ReleaseOrder(o.ID, o.Account)
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w: log append: %v", order.ErrTimeout, err)
		}
		return 0, err
	}

	e.logger.WithFields(logrus.Fields{
		"order":  o.ID,
		"pair":   o.Pair.String(),
		"side":   o.Side.String(),
		"offset": off,
	}).Info("order accepted")
	return off, nil
}

// CancelOrder appends a cancellation for an open order. Canceling an order
// that is already filled, canceled, or unknown returns ErrOrderNotFound;
// it is never a double-cancellation fault.
func (e *Engine) CancelOrder(ctx context.Context, id string) error {
	if !e.ready.Load() {
		return fmt.Errorf("%w: engine is not ready", order.ErrTimeout)
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AcceptTimeout)
	defer cancel()

	o, ok, err := e.st.Order(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", order.ErrOrderNotFound, id)
	}
	st, ok, err := e.st.OrderStatus(id)
	if err != nil {
		return err
	}
	if ok && st.Status != "accepted" {
		return fmt.Errorf("%w: %s is %s", order.ErrOrderNotFound, id, st.Status)
	}

	_, err = e.elog.Append(ctx, &eventlog.Event{
		Type:      eventlog.EventOrderCanceled,
		Pair:      o.Pair,
		Timestamp: time.Now().UnixMilli(),
		OrderID:   id,
	})
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: log append: %v", order.ErrTimeout, err)
	}
	return err
}

// DeleteOrderBook appends the administrative delete event. The pair's book
// reaches its terminal state when the event is applied; every later event
// for the pair is rejected.
func (e *Engine) DeleteOrderBook(ctx context.Context, pair order.AssetPair) error {
	_, err := e.elog.Append(ctx, &eventlog.Event{
		Type:      eventlog.EventOrderBookDeleted,
		Pair:      pair,
		Timestamp: time.Now().UnixMilli(),
	})
	return err
}

// ReservedBalance returns the account's active locks by asset.
func (e *Engine) ReservedBalance(account string) map[order.Asset]int64 {
	return e.tracker.Reserved(account)
}

// OrderBookSnapshot returns the aggregated price-level view of a pair.
func (e *Engine) OrderBookSnapshot(pair order.AssetPair) (orderbook.DepthView, error) {
	w, err := e.workerFor(pair, false)
	if err != nil {
		return orderbook.DepthView{}, err
	}
	var view orderbook.DepthView
	w.query(func(b *orderbook.OrderBook) {
		view = b.Depth(e.cfg.DepthLevels)
	})
	return view, nil
}

// MarketStatus returns best bid/ask and the last trade of a pair.
func (e *Engine) MarketStatus(pair order.AssetPair) (orderbook.MarketStatus, error) {
	w, err := e.workerFor(pair, false)
	if err != nil {
		return orderbook.MarketStatus{}, err
	}
	var st orderbook.MarketStatus
	w.query(func(b *orderbook.OrderBook) {
		st = b.Status()
	})
	return st, nil
}

// UpsertRate installs an asset conversion rate (admin surface).
func (e *Engine) UpsertRate(asset order.Asset, rate decimal.Decimal) error {
	return e.rates.Upsert(asset, rate)
}

// DeleteRate removes an asset conversion rate (admin surface).
func (e *Engine) DeleteRate(asset order.Asset) error {
	return e.rates.Delete(asset)
}

// balanceFunder is the write side a balance source may expose, like the
// local ledger. Sources backed by an external node are read-only.
type balanceFunder interface {
	Credit(account string, asset order.Asset, amount int64) error
	Debit(account string, asset order.Asset, amount int64) error
}

// CreditBalance adds settled funds to an account (admin surface).
func (e *Engine) CreditBalance(account string, asset order.Asset, amount int64) error {
	f, ok := e.balances.(balanceFunder)
	if !ok {
		return fmt.Errorf("balance source is read-only")
	}
	return f.Credit(account, asset, amount)
}

// DebitBalance removes settled funds from an account (admin surface).
func (e *Engine) DebitBalance(account string, asset order.Asset, amount int64) error {
	f, ok := e.balances.(balanceFunder)
	if !ok {
		return fmt.Errorf("balance source is read-only")
	}
	return f.Debit(account, asset, amount)
}

// AssetDecimals resolves an asset's decimal places through the metadata
// cache, for formatting amounts on the reporting surface.
func (e *Engine) AssetDecimals(ctx context.Context, asset order.Asset) (byte, error) {
	return e.decimals.Decimals(ctx, asset)
}

// RegisterAssetDecimals records an asset's decimal places (admin surface)
// and drops the stale cache entry.
func (e *Engine) RegisterAssetDecimals(asset order.Asset, decimals byte) error {
	if err := e.st.PutAssetDecimals(asset, decimals); err != nil {
		return err
	}
	e.decimals.Invalidate(asset)
	return nil
}

func (e *Engine) apportion(o *order.Order, amount, price int64) int64 {
	return fees.ApportionFee(e.feeMode, o, amount, price)
}

// workerFor returns the pair's worker, creating an empty book on demand
// when create is set. Deleted pairs never get a new worker.
func (e *Engine) workerFor(pair order.AssetPair, create bool) (*pairWorker, error) {
	e.mu.RLock()
	w, ok := e.workers[pair]
	e.mu.RUnlock()
	if ok {
		return w, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", order.ErrOrderBookNotFound, pair)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok = e.workers[pair]; ok {
		return w, nil
	}
	if e.workers == nil {
		e.workers = make(map[order.AssetPair]*pairWorker)
	}
	w = newPairWorker(e, pair, orderbook.NewOrderBook(pair), 0)
	e.workers[pair] = w
	return w, nil
}

// afterSnapshot truncates the file log below the oldest snapshot offset
// across all pairs, when the log supports truncation.
func (e *Engine) afterSnapshot() {
	type truncator interface {
		TruncateBefore(off eventlog.Offset) error
	}
	t, ok := e.elog.(truncator)
	if !ok {
		return
	}

	e.mu.RLock()
	pairs := make([]order.AssetPair, 0, len(e.workers))
	for pair := range e.workers {
		pairs = append(pairs, pair)
	}
	e.mu.RUnlock()

	// snapshot watermarks lag each worker's live position, which makes
	// them a safe truncation floor
	min := eventlog.Offset(0)
	first := true
	for _, pair := range pairs {
		mark, err := e.st.Watermark(pair)
		if err != nil {
			return
		}
		if first || mark < min {
			min = mark
			first = false
		}
	}
	if first || min == 0 {
		return
	}
	if err := t.TruncateBefore(min); err != nil {
		e.logger.WithError(err).Warn("log truncation failed")
	}
}

// expirySweep periodically turns expired resting orders into cancel events,
// so expiry flows through the same event-sourced path as cancellation.
func (e *Engine) expirySweep(ctx context.Context) {
	defer e.jobsDone.Done()
	tick := time.NewTicker(e.cfg.ExpiryInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		now := time.Now().UnixMilli()
		e.mu.RLock()
		workers := make([]*pairWorker, 0, len(e.workers))
		for _, w := range e.workers {
			workers = append(workers, w)
		}
		e.mu.RUnlock()

		for _, w := range workers {
			for _, id := range w.expiredIDs(now) {
				_, err := e.elog.Append(ctx, &eventlog.Event{
					Type:      eventlog.EventOrderCanceled,
					Pair:      w.pair,
					Timestamp: now,
					OrderID:   id,
				})
				if err != nil {
					e.logger.WithError(err).WithField("order", id).Warn("expiry cancel append failed")
				}
			}
		}
	}
}

// orderLocks computes the funds an order must hold: the principal it spends
// at its own price plus its declared fee, merged when both are the same
// asset.
func orderLocks(o *order.Order) reservation.Locks {
	locks := reservation.Locks{}
	locks[o.SpendAsset()] += o.SpendAmount(o.Amount, o.Price)
	locks[o.FeeAsset] += o.Fee
	return locks
}

// remainingLocks computes the locks a partially filled resting order still
// needs, used when restoring reservations from a snapshot.
func remainingLocks(ao *orderbook.AcceptedOrder) reservation.Locks {
	o := ao.Order
	locks := reservation.Locks{}
	locks[o.SpendAsset()] += o.SpendAmount(ao.RemainingAmount, o.Price)
	locks[o.FeeAsset] += ao.RemainingFee
	return locks
}

func storeStatus(ao *orderbook.AcceptedOrder) store.OrderStatus {
	status := "accepted"
	if ao.RemainingAmount == 0 {
		status = "filled"
	}
	return store.OrderStatus{Status: status, Filled: ao.Filled()}
}

func storeStatusNamed(ao *orderbook.AcceptedOrder, status string) store.OrderStatus {
	return store.OrderStatus{Status: status, Filled: ao.Filled()}
}

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preidman/dex/domain/fees"
	"github.com/preidman/dex/domain/order"
	"github.com/preidman/dex/domain/orderbook"
	"github.com/preidman/dex/domain/rates"
	"github.com/preidman/dex/infra/balances"
	"github.com/preidman/dex/infra/eventlog"
	"github.com/preidman/dex/infra/eventlog/filelog"
	"github.com/preidman/dex/infra/outbox"
	"github.com/preidman/dex/infra/store"
)

var testPair = order.AssetPair{AmountAsset: "BTC", PriceAsset: "WAVES"}

type fakeBalances struct {
	mu    sync.Mutex
	funds map[string]int64
}

func (f *fakeBalances) set(account string, asset order.Asset, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.funds == nil {
		f.funds = make(map[string]int64)
	}
	f.funds[account+"/"+string(asset)] = amount
}

func (f *fakeBalances) SpendableBalance(_ context.Context, account string, asset order.Asset) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.funds[account+"/"+string(asset)], nil
}

type env struct {
	storeDir, outboxDir, logDir string

	st       *store.Store
	box      *outbox.Outbox
	elog     *filelog.Log
	balances *fakeBalances
	eng      *Engine
	closed   bool
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		storeDir:  t.TempDir(),
		outboxDir: t.TempDir(),
		logDir:    t.TempDir(),
		balances:  &fakeBalances{},
	}
	e.balances.set("alice", order.Waves, 10_000)
	e.balances.set("bob", "BTC", 10_000)
	e.balances.set("bob", order.Waves, 1_000)
	e.open(t)
	return e
}

func (e *env) open(t *testing.T) {
	t.Helper()
	var err error
	e.st, err = store.Open(e.storeDir)
	require.NoError(t, err)
	e.box, err = outbox.Open(e.outboxDir)
	require.NoError(t, err)
	e.elog, err = filelog.Open(filelog.Config{Dir: e.logDir})
	require.NoError(t, err)

	table, err := rates.NewTable(e.st)
	require.NoError(t, err)

	e.eng = NewEngine(Config{
		AcceptTimeout:  time.Second,
		CatchUpTimeout: 5 * time.Second,
		ExpiryInterval: 20 * time.Millisecond,
	}, Deps{
		Log:      e.elog,
		Store:    e.st,
		Outbox:   e.box,
		Balances: e.balances,
		Rates:    table,
		FeeMode:  fees.Dynamic{BaseFee: 10},
	})
	require.NoError(t, e.eng.Start(context.Background()))
	e.closed = false
	t.Cleanup(func() { e.close() })
}

func (e *env) close() {
	if e.closed {
		return
	}
	e.closed = true
	e.eng.Shutdown()
	e.elog.Close()
	e.box.Close()
	e.st.Close()
}

// restart simulates a process restart: graceful shutdown, reopen everything
// from the same directories, recover.
func (e *env) restart(t *testing.T) {
	t.Helper()
	e.close()
	e.open(t)
}

func (e *env) place(t *testing.T, o *order.Order) {
	t.Helper()
	_, err := e.eng.PlaceOrder(context.Background(), o)
	require.NoError(t, err)
}

func (e *env) waitStatus(t *testing.T, id, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok, err := e.st.OrderStatus(id)
		return err == nil && ok && st.Status == want
	}, 2*time.Second, 5*time.Millisecond, "order %s never reached status %q", id, want)
}

func buy(id string, amount, fee int64) *order.Order {
	return &order.Order{
		ID: id, Account: "alice", Pair: testPair,
		Side: order.Buy, Type: order.Limit,
		Price: order.PriceScale, Amount: amount,
		Fee: fee, FeeAsset: order.Waves,
		Timestamp: time.Now().UnixMilli(),
	}
}

func sell(id string, amount, fee int64) *order.Order {
	o := buy(id, amount, fee)
	o.Account = "bob"
	o.Side = order.Sell
	return o
}

func TestFullFillReleasesEverything(t *testing.T) {
	e := newEnv(t)

	e.place(t, sell("s1", 100, 10))
	e.place(t, buy("b1", 100, 10))

	e.waitStatus(t, "s1", "filled")
	e.waitStatus(t, "b1", "filled")

	require.Eventually(t, func() bool {
		return len(e.eng.ReservedBalance("alice")) == 0 &&
			len(e.eng.ReservedBalance("bob")) == 0
	}, 2*time.Second, 5*time.Millisecond, "reservations must drain after a full fill")

	var settled []outbox.Record
	require.NoError(t, e.box.ScanByState(outbox.StateNew, func(rec outbox.Record) error {
		settled = append(settled, rec)
		return nil
	}))
	require.Len(t, settled, 1)
	st := settled[0].Settlement
	assert.EqualValues(t, 100, st.Amount)
	assert.EqualValues(t, order.PriceScale, st.Price, "execution at the resting price")
	assert.EqualValues(t, 10, st.BuyFee)
	assert.EqualValues(t, 10, st.SellFee)
}

func TestPartialFillKeepsRemainderReserved(t *testing.T) {
	e := newEnv(t)

	e.place(t, buy("b1", 100, 10))
	e.place(t, sell("s1", 40, 10))
	e.waitStatus(t, "s1", "filled")

	// 60 principal + 6 of the fee remain locked (4 of 10 apportioned)
	require.Eventually(t, func() bool {
		return e.eng.ReservedBalance("alice")[order.Waves] == 66
	}, 2*time.Second, 5*time.Millisecond,
		"got %v", e.eng.ReservedBalance("alice"))

	view, err := e.eng.OrderBookSnapshot(testPair)
	require.NoError(t, err)
	require.Len(t, view.Bids, 1)
	assert.EqualValues(t, 60, view.Bids[0].Amount)
}

func TestCancelReleasesAndIsIdempotent(t *testing.T) {
	e := newEnv(t)

	e.place(t, buy("b1", 100, 10))
	require.NoError(t, e.eng.CancelOrder(context.Background(), "b1"))
	e.waitStatus(t, "b1", "canceled")

	require.Eventually(t, func() bool {
		return len(e.eng.ReservedBalance("alice")) == 0
	}, 2*time.Second, 5*time.Millisecond)

	err := e.eng.CancelOrder(context.Background(), "b1")
	assert.ErrorIs(t, err, order.ErrOrderNotFound, "double cancel reports not found, never a fault")

	err = e.eng.CancelOrder(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestPlaceRejectsOverdraft(t *testing.T) {
	e := newEnv(t)

	_, err := e.eng.PlaceOrder(context.Background(), buy("b1", 20_000, 10))
	var btl *order.BalanceTooLowError
	require.ErrorAs(t, err, &btl)
	assert.Empty(t, e.eng.ReservedBalance("alice"))
}

func TestPlaceRejectsInsufficientFee(t *testing.T) {
	e := newEnv(t)

	_, err := e.eng.PlaceOrder(context.Background(), buy("b1", 100, 5))
	var ife *order.InsufficientFeeError
	require.ErrorAs(t, err, &ife)
	assert.EqualValues(t, 10, ife.Required)
}

func TestPlaceRejectsMalformedOrder(t *testing.T) {
	e := newEnv(t)

	o := buy("b1", 100, 10)
	o.Pair = order.AssetPair{AmountAsset: "BTC", PriceAsset: "BTC"}
	_, err := e.eng.PlaceOrder(context.Background(), o)
	assert.ErrorIs(t, err, order.ErrValidation)
}

func TestMarketOrderRemainderDiscarded(t *testing.T) {
	e := newEnv(t)

	e.place(t, buy("b1", 40, 10))
	m := sell("m1", 100, 10)
	m.Type = order.Market
	e.place(t, m)

	e.waitStatus(t, "b1", "filled")
	e.waitStatus(t, "m1", "filled")

	require.Eventually(t, func() bool {
		return len(e.eng.ReservedBalance("bob")) == 0
	}, 2*time.Second, 5*time.Millisecond, "unfilled market remainder must release immediately")

	view, err := e.eng.OrderBookSnapshot(testPair)
	require.NoError(t, err)
	assert.Empty(t, view.Asks, "market orders never rest")
}

func TestExpiredOrderIsSweptOut(t *testing.T) {
	e := newEnv(t)

	o := buy("b1", 100, 10)
	o.Expiry = time.Now().Add(150 * time.Millisecond).UnixMilli()
	e.place(t, o)

	e.waitStatus(t, "b1", "canceled")
	require.Eventually(t, func() bool {
		return len(e.eng.ReservedBalance("alice")) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDeleteOrderBook(t *testing.T) {
	e := newEnv(t)

	e.place(t, buy("b1", 100, 10))
	require.NoError(t, e.eng.DeleteOrderBook(context.Background(), testPair))
	e.waitStatus(t, "b1", "canceled")

	require.Eventually(t, func() bool {
		state, err := e.st.BookState(testPair)
		return err == nil && state == store.BookStateDeleted
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(e.eng.ReservedBalance("alice")) == 0
	}, 2*time.Second, 5*time.Millisecond)

	_, err := e.eng.PlaceOrder(context.Background(), buy("b2", 10, 10))
	assert.ErrorIs(t, err, order.ErrOrderBookNotFound)
}

func TestRestartRecoversBookAndReservations(t *testing.T) {
	e := newEnv(t)

	e.place(t, buy("b1", 100, 10))
	e.place(t, sell("s1", 40, 10))
	e.waitStatus(t, "s1", "filled")
	require.Eventually(t, func() bool {
		return e.eng.ReservedBalance("alice")[order.Waves] == 66
	}, 2*time.Second, 5*time.Millisecond)

	e.restart(t)

	assert.EqualValues(t, 66, e.eng.ReservedBalance("alice")[order.Waves],
		"restored reservation must match the pre-restart remainder")
	view, err := e.eng.OrderBookSnapshot(testPair)
	require.NoError(t, err)
	require.Len(t, view.Bids, 1)
	assert.EqualValues(t, 60, view.Bids[0].Amount)

	// the restored remainder still matches
	e.place(t, sell("s2", 60, 10))
	e.waitStatus(t, "b1", "filled")
	e.waitStatus(t, "s2", "filled")
	require.Eventually(t, func() bool {
		return len(e.eng.ReservedBalance("alice")) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRedeliveredOffsetAppliedOnce(t *testing.T) {
	e := newEnv(t)

	w, err := e.eng.workerFor(testPair, true)
	require.NoError(t, err)

	ev := &eventlog.Event{
		Type:      eventlog.EventOrderAdded,
		Pair:      testPair,
		Timestamp: time.Now().UnixMilli(),
		Order:     buy("b1", 100, 10),
	}
	w.events <- eventMsg{off: 1, ev: ev}
	w.events <- eventMsg{off: 1, ev: ev}

	require.Eventually(t, func() bool {
		view, err := e.eng.OrderBookSnapshot(testPair)
		return err == nil && len(view.Bids) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 110, e.eng.ReservedBalance("alice")[order.Waves],
		"duplicate delivery must not double-reserve")
	view, _ := e.eng.OrderBookSnapshot(testPair)
	assert.EqualValues(t, 100, view.Bids[0].Amount)
}

func TestMarketStatusView(t *testing.T) {
	e := newEnv(t)

	e.place(t, buy("b1", 100, 10))
	e.place(t, sell("s1", 40, 10))
	e.waitStatus(t, "s1", "filled")

	st, err := e.eng.MarketStatus(testPair)
	require.NoError(t, err)
	require.NotNil(t, st.LastTrade)
	assert.EqualValues(t, 40, st.LastTrade.Amount)
	require.NotNil(t, st.BestBid)
	assert.EqualValues(t, 60, st.BestBid.Amount)
}

func TestReplayFromScratchMatchesSnapshotRecovery(t *testing.T) {
	e := newEnv(t)

	e.place(t, buy("b1", 100, 10))
	e.place(t, sell("s1", 40, 10))
	e.waitStatus(t, "s1", "filled")
	require.Eventually(t, func() bool {
		return e.eng.ReservedBalance("alice")[order.Waves] == 66
	}, 2*time.Second, 5*time.Millisecond)

	// drop the snapshot so recovery has nothing but the log
	e.close()
	st, err := store.Open(e.storeDir)
	require.NoError(t, err)
	require.NoError(t, st.DeleteSnapshot(testPair))
	require.NoError(t, st.Close())
	e.open(t)

	assert.EqualValues(t, 66, e.eng.ReservedBalance("alice")[order.Waves],
		"offset-zero replay must rebuild the same reservations")
	assert.Empty(t, e.eng.ReservedBalance("bob"),
		"the filled seller must stay released after replay")
	view, err := e.eng.OrderBookSnapshot(testPair)
	require.NoError(t, err)
	require.Len(t, view.Bids, 1)
	assert.EqualValues(t, 60, view.Bids[0].Amount)

	e.place(t, sell("s2", 60, 10))
	e.waitStatus(t, "b1", "filled")
	e.waitStatus(t, "s2", "filled")
	require.Eventually(t, func() bool {
		return len(e.eng.ReservedBalance("alice")) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatchUnblocksOnConsumerStop(t *testing.T) {
	e := newEnv(t)

	w, err := e.eng.workerFor(testPair, true)
	require.NoError(t, err)

	// park the worker so its inbox can fill up
	parked := make(chan struct{})
	release := make(chan struct{})
	unparked := make(chan struct{})
	go func() {
		defer close(unparked)
		w.query(func(*orderbook.OrderBook) {
			close(parked)
			<-release
		})
	}()
	<-parked

	noop := &eventlog.Event{Type: eventlog.EventOrderCanceled, Pair: testPair, OrderID: "none"}
	for i := 0; i < cap(w.events); i++ {
		w.events <- eventMsg{ev: noop}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.eng.dispatch(ctx, 99, noop)
	}()
	select {
	case err := <-done:
		t.Fatalf("dispatch returned with a full worker inbox: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch still blocked after cancellation")
	}

	close(release)
	<-unparked
}

func TestBalanceFundingThroughEngine(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	ledger, err := balances.NewLedger(st)
	require.NoError(t, err)

	eng := NewEngine(Config{}, Deps{
		Store:    st,
		Balances: ledger,
		FeeMode:  fees.Dynamic{BaseFee: 10},
	})

	require.NoError(t, eng.CreditBalance("carol", order.Waves, 500))
	require.NoError(t, eng.DebitBalance("carol", order.Waves, 200))
	got, err := ledger.SpendableBalance(context.Background(), "carol", order.Waves)
	require.NoError(t, err)
	assert.EqualValues(t, 300, got)

	assert.Error(t, eng.DebitBalance("carol", order.Waves, 1_000),
		"a debit past the balance must be refused")

	readOnly := NewEngine(Config{}, Deps{
		Balances: &fakeBalances{},
		FeeMode:  fees.Dynamic{BaseFee: 10},
	})
	assert.Error(t, readOnly.CreditBalance("carol", order.Waves, 1))
}

package store

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/preidman/dex/domain/order"
)

var testPair = order.AssetPair{AmountAsset: "BTC", PriceAsset: "WAVES"}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRatesRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutRate("BTC", decimal.RequireFromString("0.003")); err != nil {
		t.Fatal(err)
	}
	if err := s.PutRate("ETH", decimal.NewFromInt(2)); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRate("ETH"); err != nil {
		t.Fatal(err)
	}

	rates, err := s.Rates()
	if err != nil {
		t.Fatal(err)
	}
	if len(rates) != 1 {
		t.Fatalf("rates = %v, want only BTC", rates)
	}
	if !rates["BTC"].Equal(decimal.RequireFromString("0.003")) {
		t.Errorf("BTC rate = %s", rates["BTC"])
	}
}

func TestWatermark(t *testing.T) {
	s := openTestStore(t)

	if off, err := s.Watermark(testPair); err != nil || off != 0 {
		t.Fatalf("missing watermark = %d, %v, want 0, nil", off, err)
	}
	if err := s.PutWatermark(testPair, 42); err != nil {
		t.Fatal(err)
	}
	off, err := s.Watermark(testPair)
	if err != nil || off != 42 {
		t.Fatalf("watermark = %d, %v, want 42", off, err)
	}
}

func TestOrderRecords(t *testing.T) {
	s := openTestStore(t)
	o := &order.Order{ID: "o1", Account: "alice", Pair: testPair, Price: 100, Amount: 5}

	if err := s.PutOrder(o); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Order("o1")
	if err != nil || !ok {
		t.Fatalf("order lookup: %v, %v", ok, err)
	}
	if got.Account != "alice" || got.Amount != 5 {
		t.Errorf("order = %+v", got)
	}

	if err := s.PutOrderStatus("o1", OrderStatus{Status: "filled", Filled: 5}); err != nil {
		t.Fatal(err)
	}
	st, ok, err := s.OrderStatus("o1")
	if err != nil || !ok || st.Status != "filled" || st.Filled != 5 {
		t.Errorf("status = %+v, %v, %v", st, ok, err)
	}

	if _, ok, _ := s.Order("missing"); ok {
		t.Error("unknown order should not be found")
	}
}

func TestAccountOrderList(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"o1", "o2", "o1"} {
		if err := s.AddAccountOrder("alice", id); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.AccountOrders("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "o1" || ids[1] != "o2" {
		t.Fatalf("ids = %v, want [o1 o2]", ids)
	}

	if err := s.RemoveAccountOrder("alice", "o1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveAccountOrder("alice", "o2"); err != nil {
		t.Fatal(err)
	}
	ids, err = s.AccountOrders("alice")
	if err != nil || len(ids) != 0 {
		t.Errorf("ids after removal = %v, %v", ids, err)
	}
}

func TestBookStateAndPairs(t *testing.T) {
	s := openTestStore(t)

	state, err := s.BookState(testPair)
	if err != nil || state != BookStateActive {
		t.Fatalf("unknown pair state = %s, %v, want active", state, err)
	}

	other := order.AssetPair{AmountAsset: "ETH", PriceAsset: "WAVES"}
	if err := s.PutBookState(testPair, BookStateActive); err != nil {
		t.Fatal(err)
	}
	if err := s.PutBookState(other, BookStateDeleted); err != nil {
		t.Fatal(err)
	}

	state, err = s.BookState(other)
	if err != nil || state != BookStateDeleted {
		t.Fatalf("state = %s, %v, want deleted", state, err)
	}

	pairs, err := s.Pairs()
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 2 {
		t.Fatalf("pairs = %v, want both", pairs)
	}
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutSnapshot(testPair, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	data, ok, err := s2.Snapshot(testPair)
	if err != nil || !ok || string(data) != "payload" {
		t.Fatalf("snapshot = %q, %v, %v", data, ok, err)
	}
}

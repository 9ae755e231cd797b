package outbox

import (
	"errors"
	"testing"

	"github.com/preidman/dex/domain/order"
)

func openTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	box, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { box.Close() })
	return box
}

func settlement(id uint64) Settlement {
	return Settlement{
		TradeID: id,
		Pair:    order.AssetPair{AmountAsset: "BTC", PriceAsset: "WAVES"},
		Amount:  100,
		Price:   50_000,
	}
}

func TestPutNewAndGet(t *testing.T) {
	box := openTestOutbox(t)

	if err := box.PutNew(settlement(1)); err != nil {
		t.Fatal(err)
	}
	rec, err := box.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != StateNew || rec.Settlement.Amount != 100 {
		t.Errorf("record = %+v", rec)
	}

	if _, err := box.Get(99); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing record err = %v, want ErrNotFound", err)
	}
}

func TestPutNewIdempotent(t *testing.T) {
	box := openTestOutbox(t)

	if err := box.PutNew(settlement(1)); err != nil {
		t.Fatal(err)
	}
	if err := box.UpdateState(1, StateAcked, 0); err != nil {
		t.Fatal(err)
	}
	// a redelivered event writes the same trade again
	if err := box.PutNew(settlement(1)); err != nil {
		t.Fatal(err)
	}

	rec, err := box.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != StateAcked {
		t.Errorf("state = %s, redelivery must not reset delivery state", rec.State)
	}
}

func TestStateTransitions(t *testing.T) {
	box := openTestOutbox(t)
	if err := box.PutNew(settlement(1)); err != nil {
		t.Fatal(err)
	}

	for _, state := range []State{StateSent, StateFailed, StateSent, StateAcked} {
		if err := box.UpdateState(1, state, 1); err != nil {
			t.Fatal(err)
		}
		rec, err := box.Get(1)
		if err != nil {
			t.Fatal(err)
		}
		if rec.State != state {
			t.Errorf("state = %s, want %s", rec.State, state)
		}
		if rec.LastAttempt == 0 {
			t.Error("LastAttempt should be stamped")
		}
	}
}

func TestScanByStateOrdered(t *testing.T) {
	box := openTestOutbox(t)
	for id := uint64(1); id <= 5; id++ {
		if err := box.PutNew(settlement(id)); err != nil {
			t.Fatal(err)
		}
	}
	if err := box.UpdateState(2, StateAcked, 0); err != nil {
		t.Fatal(err)
	}
	if err := box.UpdateState(4, StateAcked, 0); err != nil {
		t.Fatal(err)
	}

	var got []uint64
	err := box.ScanByState(StateNew, func(rec Record) error {
		got = append(got, rec.Settlement.TradeID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("scanned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("scan order %v, want %v", got, want)
		}
	}
}

func TestDelete(t *testing.T) {
	box := openTestOutbox(t)
	if err := box.PutNew(settlement(1)); err != nil {
		t.Fatal(err)
	}
	if err := box.Delete(1); err != nil {
		t.Fatal(err)
	}
	if _, err := box.Get(1); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted record err = %v, want ErrNotFound", err)
	}
}

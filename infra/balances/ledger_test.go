package balances

import (
	"context"
	"testing"

	"github.com/preidman/dex/domain/order"
	"github.com/preidman/dex/infra/store"
)

func TestLedgerCreditDebit(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	l, err := NewLedger(st)
	if err != nil {
		t.Fatal(err)
	}

	if err := l.Credit("carol", order.Waves, 100); err != nil {
		t.Fatal(err)
	}
	if err := l.Credit("carol", order.Waves, 50); err != nil {
		t.Fatal(err)
	}
	if err := l.Debit("carol", order.Waves, 30); err != nil {
		t.Fatal(err)
	}

	got, err := l.SpendableBalance(context.Background(), "carol", order.Waves)
	if err != nil {
		t.Fatal(err)
	}
	if got != 120 {
		t.Errorf("balance = %d, want 120", got)
	}

	if err := l.Debit("carol", order.Waves, 500); err == nil {
		t.Error("debit past the balance must be refused")
	}
	got, _ = l.SpendableBalance(context.Background(), "carol", order.Waves)
	if got != 120 {
		t.Errorf("balance after refused debit = %d, want 120", got)
	}
}

func TestLedgerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	l, err := NewLedger(st)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Credit("carol", "BTC", 77); err != nil {
		t.Fatal(err)
	}
	st.Close()

	st2, err := store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	l2, err := NewLedger(st2)
	if err != nil {
		t.Fatal(err)
	}
	got, err := l2.SpendableBalance(context.Background(), "carol", "BTC")
	if err != nil {
		t.Fatal(err)
	}
	if got != 77 {
		t.Errorf("reloaded balance = %d, want 77", got)
	}
}

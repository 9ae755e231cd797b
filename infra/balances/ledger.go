// Package balances is the spendable-balance ledger the reservation tracker
// reads from. Funds arrive through Credit and Debit, reached via the
// engine's admin surface; the matching core itself never moves funds.
package balances

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/preidman/dex/domain/order"
	"github.com/preidman/dex/infra/store"
)

const prefix = "balance/"

// Ledger keeps per-account spendable balances in the shared KV store with a
// write-through in-memory cache.
type Ledger struct {
	st *store.Store

	mu    sync.RWMutex
	cache map[string]int64
}

func NewLedger(st *store.Store) (*Ledger, error) {
	l := &Ledger{st: st, cache: make(map[string]int64)}
	err := st.ScanPrefix([]byte(prefix), func(key, value []byte) error {
		if len(value) != 8 {
			return fmt.Errorf("balances: malformed record %q", key)
		}
		l.cache[string(key[len(prefix):])] = int64(binary.BigEndian.Uint64(value))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// SpendableBalance returns the account's balance in the given asset.
// Unknown accounts and assets hold zero.
func (l *Ledger) SpendableBalance(ctx context.Context, account string, asset order.Asset) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cache[cacheKey(account, asset)], nil
}

// Credit increases the account's balance.
func (l *Ledger) Credit(account string, asset order.Asset, amount int64) error {
	return l.adjust(account, asset, amount)
}

// Debit decreases the account's balance, refusing to go negative.
func (l *Ledger) Debit(account string, asset order.Asset, amount int64) error {
	return l.adjust(account, asset, -amount)
}

func (l *Ledger) adjust(account string, asset order.Asset, delta int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := cacheKey(account, asset)
	next := l.cache[key] + delta
	if next < 0 {
		return fmt.Errorf("balances: %s has %d %s, cannot remove %d",
			account, l.cache[key], asset, -delta)
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(next))
	if err := l.st.Put([]byte(prefix+key), buf[:]); err != nil {
		return err
	}
	l.cache[key] = next
	return nil
}

func cacheKey(account string, asset order.Asset) string {
	return account + "/" + string(asset)
}

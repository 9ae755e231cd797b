// Package reservation tracks per-account balances locked by open orders.
// Each account's state is guarded by its own lock, serializing balance
// checks per account across every pair it trades on.
package reservation

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/preidman/dex/domain/order"
)

// BalanceSource is the external, eventually consistent view of an account's
// ledger-confirmed funds. Queried, never mutated.
type BalanceSource interface {
	SpendableBalance(ctx context.Context, account string, asset order.Asset) (int64, error)
}

// Locks is the set of amounts one order holds, keyed by asset.
type Locks map[order.Asset]int64

type accountCell struct {
	mu sync.Mutex

	locked map[order.Asset]int64
	orders map[string]Locks

	// set when an underflow was detected; the account is isolated and all
	// further mutations fail, other accounts keep working
	poisoned bool
}

// Tracker is the reservation ledger shared by all pair workers.
type Tracker struct {
	balances BalanceSource
	log      *logrus.Logger

	mu       sync.RWMutex
	accounts map[string]*accountCell
}

func NewTracker(balances BalanceSource, log *logrus.Logger) *Tracker {
	if log == nil {
		log = logrus.New()
	}
	return &Tracker{
		balances: balances,
		log:      log,
		accounts: make(map[string]*accountCell),
	}
}

func (t *Tracker) cell(account string) *accountCell {
	t.mu.RLock()
	c, ok := t.accounts[account]
	t.mu.RUnlock()
	if ok {
		return c
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.accounts[account]; ok {
		return c
	}
	c = &accountCell{
		locked: make(map[order.Asset]int64),
		orders: make(map[string]Locks),
	}
	t.accounts[account] = c
	return c
}

// Reserve locks the given amounts for orderID after checking that the
// account's spendable balance covers already-locked amounts plus the new
// locks. Idempotent per order id: a second call for the same order is a
// no-op, which makes redelivered events safe.
func (t *Tracker) Reserve(ctx context.Context, orderID, account string, locks Locks) error {
	c := t.cell(account)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.poisoned {
		return fmt.Errorf("%w: account %s is isolated", order.ErrInternalInconsistency, account)
	}
	if _, ok := c.orders[orderID]; ok {
		return nil
	}

	for asset, amount := range locks {
		if amount < 0 {
			return fmt.Errorf("%w: negative lock %d %s", order.ErrValidation, amount, asset)
		}
		spendable, err := t.balances.SpendableBalance(ctx, account, asset)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: balance lookup for %s: %v", order.ErrTimeout, account, err)
			}
			return fmt.Errorf("balance lookup for %s %s: %w", account, asset, err)
		}
		available := spendable - c.locked[asset]
		if available < amount {
			return &order.BalanceTooLowError{
				Account:   account,
				Asset:     asset,
				Required:  amount,
				Available: available,
			}
		}
	}

	t.applyLocked(c, orderID, locks)
	return nil
}

// Restore re-installs an order's locks without consulting the balance
// source. Used while rebuilding state from snapshots and the event log,
// where the order was already admitted once.
func (t *Tracker) Restore(orderID, account string, locks Locks) {
	c := t.cell(account)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.orders[orderID]; ok {
		return
	}
	t.applyLocked(c, orderID, locks)
}

func (t *Tracker) applyLocked(c *accountCell, orderID string, locks Locks) {
	held := make(Locks, len(locks))
	for asset, amount := range locks {
		if amount == 0 {
			continue
		}
		c.locked[asset] += amount
		held[asset] = amount
	}
	c.orders[orderID] = held
}

// ReleaseFill unlocks the executed portion of an order's reservation. An
// attempted release beyond what the order holds poisons the account and
// returns ErrInternalInconsistency.
func (t *Tracker) ReleaseFill(orderID, account string, asset order.Asset, amount int64) error {
	if amount == 0 {
		return nil
	}
	c := t.cell(account)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.poisoned {
		return fmt.Errorf("%w: account %s is isolated", order.ErrInternalInconsistency, account)
	}
	held, ok := c.orders[orderID]
	if !ok {
		return nil
	}
	if held[asset] < amount {
		c.poisoned = true
		t.log.WithFields(logrus.Fields{
			"account": account,
			"order":   orderID,
			"asset":   asset,
			"held":    held[asset],
			"release": amount,
		}).Error("reservation underflow detected, isolating account")
		return fmt.Errorf("%w: release %d exceeds held %d %s", order.ErrInternalInconsistency, amount, held[asset], asset)
	}

	held[asset] -= amount
	if held[asset] == 0 {
		delete(held, asset)
	}
	t.unlock(c, asset, amount)
	return nil
}

// ReleaseOrder drops whatever remains of orderID's reservation. Canceling an
// already released or unknown order is a no-op.
func (t *Tracker) ReleaseOrder(orderID, account string) {
	c := t.cell(account)
	c.mu.Lock()
	defer c.mu.Unlock()

	held, ok := c.orders[orderID]
	if !ok {
		return
	}
	for asset, amount := range held {
		t.unlock(c, asset, amount)
	}
	delete(c.orders, orderID)
}

func (t *Tracker) unlock(c *accountCell, asset order.Asset, amount int64) {
	c.locked[asset] -= amount
	if c.locked[asset] <= 0 {
		delete(c.locked, asset)
	}
}

// Reserved returns a copy of the account's active locks. Assets with zero
// locked amount never appear.
func (t *Tracker) Reserved(account string) map[order.Asset]int64 {
	c := t.cell(account)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[order.Asset]int64, len(c.locked))
	for asset, amount := range c.locked {
		out[asset] = amount
	}
	return out
}

// HeldFor returns a copy of the locks attributed to one order.
func (t *Tracker) HeldFor(orderID, account string) Locks {
	c := t.cell(account)
	c.mu.Lock()
	defer c.mu.Unlock()
	held, ok := c.orders[orderID]
	if !ok {
		return nil
	}
	out := make(Locks, len(held))
	for asset, amount := range held {
		out[asset] = amount
	}
	return out
}

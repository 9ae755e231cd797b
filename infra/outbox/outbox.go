// Package outbox is the durable settlement outbox: every execution produces
// a settlement request that an external transaction-creation collaborator
// must receive at least once. Records move NEW -> SENT -> ACKED; FAILED
// records are retried by the broadcaster.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/preidman/dex/domain/order"
)

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Settlement is the request emitted to the transaction-creation collaborator
// after each execution. This core never signs or broadcasts anything.
type Settlement struct {
	TradeID   uint64          `json:"tradeId"`
	Pair      order.AssetPair `json:"pair"`
	BuyOrder  *order.Order    `json:"buyOrder"`
	SellOrder *order.Order    `json:"sellOrder"`
	Amount    int64           `json:"amount"`
	Price     int64           `json:"price"`
	BuyFee    int64           `json:"buyFee"`
	SellFee   int64           `json:"sellFee"`
	Timestamp int64           `json:"timestamp"`
}

// Record wraps a settlement with its delivery state.
type Record struct {
	State       State      `json:"state"`
	Retries     uint32     `json:"retries"`
	LastAttempt int64      `json:"lastAttempt"`
	Settlement  Settlement `json:"settlement"`
}

var ErrNotFound = errors.New("outbox: record not found")

// Outbox persists settlement records in its own pebble instance.
type Outbox struct {
	db *pebble.DB
}

func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// PutNew inserts a fresh settlement. Idempotent per trade id: an existing
// record is left untouched so log redelivery cannot reset delivery state.
func (o *Outbox) PutNew(st Settlement) error {
	key := keyFor(st.TradeID)
	if _, closer, err := o.db.Get(key); err == nil {
		closer.Close()
		return nil
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}

	rec := Record{State: StateNew, Settlement: st}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return o.db.Set(key, data, pebble.Sync)
}

// UpdateState transitions a record after a send, ack, or failure.
func (o *Outbox) UpdateState(tradeID uint64, state State, retries uint32) error {
	rec, err := o.Get(tradeID)
	if err != nil {
		return err
	}
	rec.State = state
	rec.Retries = retries
	rec.LastAttempt = time.Now().UnixNano()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return o.db.Set(keyFor(tradeID), data, pebble.Sync)
}

func (o *Outbox) Get(tradeID uint64) (Record, error) {
	val, closer, err := o.db.Get(keyFor(tradeID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	defer closer.Close()

	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Delete removes an acked record during cleanup.
func (o *Outbox) Delete(tradeID uint64) error {
	return o.db.Delete(keyFor(tradeID), pebble.Sync)
}

// ScanByState visits every record in the given state in trade-id order.
func (o *Outbox) ScanByState(state State, fn func(Record) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("settle/"),
		UpperBound: []byte("settle/~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return err
		}
		if rec.State != state {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

func keyFor(tradeID uint64) []byte {
	return []byte(fmt.Sprintf("settle/%020d", tradeID))
}

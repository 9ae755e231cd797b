package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/preidman/dex/domain/order"
)

// ---- rates (satisfies rates.Storage) ----

func (s *Store) PutRate(asset order.Asset, rate decimal.Decimal) error {
	return s.Put(rateKey(asset), []byte(rate.String()))
}

func (s *Store) DeleteRate(asset order.Asset) error {
	return s.Delete(rateKey(asset))
}

func (s *Store) Rates() (map[order.Asset]decimal.Decimal, error) {
	out := make(map[order.Asset]decimal.Decimal)
	err := s.ScanPrefix([]byte(prefixRate), func(key, value []byte) error {
		asset := order.Asset(strings.TrimPrefix(string(key), prefixRate))
		rate, err := decimal.NewFromString(string(value))
		if err != nil {
			return fmt.Errorf("bad rate for %s: %w", asset, err)
		}
		out[asset] = rate
		return nil
	})
	return out, err
}

// ---- offset watermarks ----

func (s *Store) PutWatermark(pair order.AssetPair, off uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, off)
	return s.Put(watermarkKey(pair), buf)
}

func (s *Store) Watermark(pair order.AssetPair) (uint64, error) {
	val, ok, err := s.Get(watermarkKey(pair))
	if err != nil || !ok {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("bad watermark for %s", pair)
	}
	return binary.BigEndian.Uint64(val), nil
}

// ---- snapshots (opaque payload, owned by the snapshot package) ----

func (s *Store) PutSnapshot(pair order.AssetPair, data []byte) error {
	return s.Put(snapshotKey(pair), data)
}

func (s *Store) Snapshot(pair order.AssetPair) ([]byte, bool, error) {
	return s.Get(snapshotKey(pair))
}

func (s *Store) DeleteSnapshot(pair order.AssetPair) error {
	return s.Delete(snapshotKey(pair))
}

// ---- orders ----

// OrderStatus is the persisted lifecycle record of an order.
type OrderStatus struct {
	Status string `json:"status"` // accepted | filled | canceled | expired
	Filled int64  `json:"filled"`
}

func (s *Store) PutOrder(o *order.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return s.Put(orderKey(o.ID), data)
}

func (s *Store) Order(id string) (*order.Order, bool, error) {
	val, ok, err := s.Get(orderKey(id))
	if err != nil || !ok {
		return nil, ok, err
	}
	var o order.Order
	if err := json.Unmarshal(val, &o); err != nil {
		return nil, false, err
	}
	return &o, true, nil
}

func (s *Store) PutOrderStatus(id string, st OrderStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.Put(orderInfoKey(id), data)
}

func (s *Store) OrderStatus(id string) (OrderStatus, bool, error) {
	val, ok, err := s.Get(orderInfoKey(id))
	if err != nil || !ok {
		return OrderStatus{}, ok, err
	}
	var st OrderStatus
	if err := json.Unmarshal(val, &st); err != nil {
		return OrderStatus{}, false, err
	}
	return st, true, nil
}

// ---- per-account active order lists ----

func (s *Store) AccountOrders(account string) ([]string, error) {
	val, ok, err := s.Get(accountOrdersKey(account))
	if err != nil || !ok {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(val, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) AddAccountOrder(account, id string) error {
	ids, err := s.AccountOrders(account)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.Put(accountOrdersKey(account), data)
}

func (s *Store) RemoveAccountOrder(account, id string) error {
	ids, err := s.AccountOrders(account)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		return s.Delete(accountOrdersKey(account))
	}
	data, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	return s.Put(accountOrdersKey(account), data)
}

// ---- per-pair open volume ----

func (s *Store) PutOpenVolume(pair order.AssetPair, amount int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(amount))
	return s.Put(volumeKey(pair), buf)
}

func (s *Store) OpenVolume(pair order.AssetPair) (int64, error) {
	val, ok, err := s.Get(volumeKey(pair))
	if err != nil || !ok {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("bad open volume for %s", pair)
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

// ---- per-pair book state ----

const (
	BookStateActive  = "active"
	BookStateDeleted = "deleted"
)

type bookStateRecord struct {
	Pair  order.AssetPair `json:"pair"`
	State string          `json:"state"`
}

func (s *Store) PutBookState(pair order.AssetPair, state string) error {
	data, err := json.Marshal(bookStateRecord{Pair: pair, State: state})
	if err != nil {
		return err
	}
	return s.Put(bookStateKey(pair), data)
}

// BookState returns the pair's lifecycle state. Unknown pairs report active:
// books are created on demand by the first order placed on them.
func (s *Store) BookState(pair order.AssetPair) (string, error) {
	val, ok, err := s.Get(bookStateKey(pair))
	if err != nil {
		return "", err
	}
	if !ok {
		return BookStateActive, nil
	}
	var rec bookStateRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return "", err
	}
	return rec.State, nil
}

// Pairs enumerates every pair the matcher has ever seen, in key order.
func (s *Store) Pairs() ([]order.AssetPair, error) {
	var pairs []order.AssetPair
	err := s.ScanPrefix([]byte(prefixBookState), func(_, value []byte) error {
		var rec bookStateRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		pairs = append(pairs, rec.Pair)
		return nil
	})
	return pairs, err
}

// ---- asset metadata ----

func (s *Store) PutAssetDecimals(asset order.Asset, decimals byte) error {
	return s.Put(decimalsKey(asset), []byte{decimals})
}

func (s *Store) AssetDecimals(asset order.Asset) (byte, bool, error) {
	val, ok, err := s.Get(decimalsKey(asset))
	if err != nil || !ok {
		return 0, ok, err
	}
	if len(val) != 1 {
		return 0, false, fmt.Errorf("bad decimals record for %s", asset)
	}
	return val[0], true, nil
}

// Copyright 2026 The orion-broker Authors
// This file is part of the orion-broker library.
//
// The orion-broker library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The orion-broker library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the orion-broker library. If not, see <http://www.gnu.org/licenses/>.

// Package store persists sub-orders, trades, withdrawals and on-chain
// transactions in leveldb. Records are JSON-encoded under prefixed keys with
// a secondary index from (exchange, exchangeOrderId) to the sub-order id.
// All operations are idempotent and safe for concurrent use.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/orionprotocol/orion-broker/chain"
	"github.com/orionprotocol/orion-broker/exchange"
)

// Key prefixes. Sub-orders are keyed by 8-byte big-endian id so iteration
// order follows creation order.
var (
	prefixSubOrder  = []byte("so/")
	prefixSubOrderX = []byte("sox/")
	prefixTrade     = []byte("tr/")
	prefixWithdraw  = []byte("wd/")
	prefixTx        = []byte("tx/")
)

// ErrNotFound is returned for lookups of unknown records.
var ErrNotFound = errors.New("store: not found")

// Store is a leveldb-backed broker database.
type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) the database under dir.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error { return s.db.Close() }

func subOrderKey(id uint64) []byte {
	key := make([]byte, len(prefixSubOrder)+8)
	copy(key, prefixSubOrder)
	binary.BigEndian.PutUint64(key[len(prefixSubOrder):], id)
	return key
}

func indexKey(ex, exchangeOrderID string) []byte {
	return append(append(append(append([]byte{}, prefixSubOrderX...), ex...), '/'), exchangeOrderID...)
}

func tradeKey(ex, exchangeOrderID string) []byte {
	return append(append(append(append([]byte{}, prefixTrade...), ex...), '/'), exchangeOrderID...)
}

func withdrawKey(ex, withdrawID string) []byte {
	return append(append(append(append([]byte{}, prefixWithdraw...), ex...), '/'), withdrawID...)
}

func txKey(hash string) []byte {
	return append(append([]byte{}, prefixTx...), hash...)
}

func (s *Store) putJSON(key []byte, v interface{}) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Put(key, blob, nil)
}

// InsertSubOrder stores a new sub-order. Re-inserting the same id overwrites
// with identical content, keeping the operation idempotent.
func (s *Store) InsertSubOrder(sub exchange.SubOrder) error {
	return s.writeSubOrder(sub)
}

// UpdateSubOrder rewrites a sub-order and maintains the venue-order index.
func (s *Store) UpdateSubOrder(sub exchange.SubOrder) error {
	return s.writeSubOrder(sub)
}

func (s *Store) writeSubOrder(sub exchange.SubOrder) error {
	batch := new(leveldb.Batch)
	blob, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	batch.Put(subOrderKey(sub.ID), blob)
	if sub.ExchangeOrderID != "" {
		var idVal [8]byte
		binary.BigEndian.PutUint64(idVal[:], sub.ID)
		batch.Put(indexKey(sub.Exchange, sub.ExchangeOrderID), idVal[:])
	}
	return s.db.Write(batch, nil)
}

// GetSubOrderByID looks a sub-order up by its hub-assigned id.
func (s *Store) GetSubOrderByID(id uint64) (*exchange.SubOrder, error) {
	blob, err := s.db.Get(subOrderKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sub exchange.SubOrder
	if err := json.Unmarshal(blob, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetSubOrder resolves a sub-order through the (exchange, exchangeOrderId)
// index.
func (s *Store) GetSubOrder(ex, exchangeOrderID string) (*exchange.SubOrder, error) {
	idVal, err := s.db.Get(indexKey(ex, exchangeOrderID), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetSubOrderByID(binary.BigEndian.Uint64(idVal))
}

func (s *Store) scanSubOrders(keep func(exchange.SubOrder) bool) ([]exchange.SubOrder, error) {
	it := s.db.NewIterator(util.BytesPrefix(prefixSubOrder), nil)
	defer it.Release()
	var out []exchange.SubOrder
	for it.Next() {
		var sub exchange.SubOrder
		if err := json.Unmarshal(it.Value(), &sub); err != nil {
			return nil, err
		}
		if keep(sub) {
			out = append(out, sub)
		}
	}
	return out, it.Error()
}

// GetAllSubOrders returns every sub-order in creation order.
func (s *Store) GetAllSubOrders() ([]exchange.SubOrder, error) {
	return s.scanSubOrders(func(exchange.SubOrder) bool { return true })
}

// GetOpenSubOrders returns sub-orders still in PREPARE or ACCEPTED.
func (s *Store) GetOpenSubOrders() ([]exchange.SubOrder, error) {
	return s.scanSubOrders(func(sub exchange.SubOrder) bool {
		return sub.Status == exchange.StatusPrepare || sub.Status == exchange.StatusAccepted
	})
}

// GetSubOrdersToCheck returns ACCEPTED sub-orders that have a venue order id
// and therefore can be polled.
func (s *Store) GetSubOrdersToCheck() ([]exchange.SubOrder, error) {
	return s.scanSubOrders(func(sub exchange.SubOrder) bool {
		return sub.Status == exchange.StatusAccepted && sub.ExchangeOrderID != ""
	})
}

// GetSubOrdersToResend returns terminal sub-orders the hub has not yet
// acknowledged.
func (s *Store) GetSubOrdersToResend() ([]exchange.SubOrder, error) {
	return s.scanSubOrders(func(sub exchange.SubOrder) bool {
		return sub.Status.Terminal() && !sub.SentToAggregator
	})
}

// InsertTrade records the venue-terminal trade of a sub-order.
func (s *Store) InsertTrade(t exchange.Trade) error {
	return s.putJSON(tradeKey(t.Exchange, t.ExchangeOrderID), t)
}

// GetSubOrderTrades returns the trades recorded for a sub-order. Under the
// current model there is at most one.
func (s *Store) GetSubOrderTrades(sub exchange.SubOrder) ([]exchange.Trade, error) {
	if sub.ExchangeOrderID == "" {
		return nil, nil
	}
	blob, err := s.db.Get(tradeKey(sub.Exchange, sub.ExchangeOrderID), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t exchange.Trade
	if err := json.Unmarshal(blob, &t); err != nil {
		return nil, err
	}
	return []exchange.Trade{t}, nil
}

// InsertWithdraw records a freshly initiated exchange withdrawal.
func (s *Store) InsertWithdraw(w exchange.Withdraw) error {
	return s.putJSON(withdrawKey(w.Exchange, w.ExchangeWithdrawID), w)
}

// UpdateWithdrawStatus moves a withdrawal to a new status. Terminal statuses
// are sticky; updates against them are dropped.
func (s *Store) UpdateWithdrawStatus(ex, withdrawID string, status exchange.WithdrawStatus) error {
	key := withdrawKey(ex, withdrawID)
	blob, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var w exchange.Withdraw
	if err := json.Unmarshal(blob, &w); err != nil {
		return err
	}
	if w.Status.Terminal() {
		return nil
	}
	w.Status = status
	return s.putJSON(key, w)
}

// GetWithdrawsToCheck returns withdrawals still pending venue-side.
func (s *Store) GetWithdrawsToCheck() ([]exchange.Withdraw, error) {
	it := s.db.NewIterator(util.BytesPrefix(prefixWithdraw), nil)
	defer it.Release()
	var out []exchange.Withdraw
	for it.Next() {
		var w exchange.Withdraw
		if err := json.Unmarshal(it.Value(), &w); err != nil {
			return nil, err
		}
		if w.Status == exchange.WithdrawPending {
			out = append(out, w)
		}
	}
	return out, it.Error()
}

// InsertTransaction records a broadcast on-chain transaction.
func (s *Store) InsertTransaction(tx chain.Transaction) error {
	return s.putJSON(txKey(tx.TransactionHash), tx)
}

// UpdateTransactionStatus moves a transaction to a new status. Terminal
// statuses are sticky.
func (s *Store) UpdateTransactionStatus(hash string, status chain.TxStatus) error {
	key := txKey(hash)
	blob, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var tx chain.Transaction
	if err := json.Unmarshal(blob, &tx); err != nil {
		return err
	}
	if tx.Status.Terminal() {
		return nil
	}
	tx.Status = status
	return s.putJSON(key, tx)
}

// GetPendingTransactions returns transactions not yet terminal.
func (s *Store) GetPendingTransactions() ([]chain.Transaction, error) {
	it := s.db.NewIterator(util.BytesPrefix(prefixTx), nil)
	defer it.Release()
	var out []chain.Transaction
	for it.Next() {
		var tx chain.Transaction
		if err := json.Unmarshal(it.Value(), &tx); err != nil {
			return nil, err
		}
		if tx.Status == chain.TxPending {
			out = append(out, tx)
		}
	}
	return out, it.Error()
}

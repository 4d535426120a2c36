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

// Package broker implements the sub-order lifecycle engine, the liability
// reconciler and the supervisor that wires them to the hub, the venues and
// the chain.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/orionprotocol/orion-broker/chain"
	"github.com/orionprotocol/orion-broker/exchange"
	"github.com/orionprotocol/orion-broker/hub"
	"github.com/orionprotocol/orion-broker/store"
)

// ErrNotFound is returned by OnCancelSubOrder for an unknown id.
var ErrNotFound = errors.New("broker: sub-order not found")

// ChainClient is the slice of the chain gateway the engine and the
// reconciler consume. *chain.Client satisfies it.
type ChainClient interface {
	Address() common.Address
	SignTrade(sub exchange.SubOrder, trade exchange.Trade) (*chain.BlockchainOrder, error)
	Sign(payload string) (string, error)
	GetAllowance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetTransactionStatus(ctx context.Context, hash string) (chain.TxStatus, error)
	GetLiabilities(ctx context.Context) ([]chain.Liability, error)
	GetWalletBalance(ctx context.Context) (map[string]decimal.Decimal, error)
	GetContractBalance(ctx context.Context) (map[string]decimal.Decimal, error)
	DepositETH(ctx context.Context, amount decimal.Decimal) (*chain.Transaction, error)
	DepositERC20(ctx context.Context, amount decimal.Decimal, asset string) (*chain.Transaction, error)
}

// UpdateCallback receives every persisted sub-order mutation, feeding the
// operator websocket push.
type UpdateCallback func(exchange.SubOrder)

// Broker is the sub-order lifecycle engine. All handlers touching a given id
// are serialized through a per-id mutex; the status machine is
// PREPARE -> ACCEPTED -> (FILLED | CANCELED | REJECTED), terminal states
// sticky.
type Broker struct {
	store      *store.Store
	venues     map[string]exchange.Exchange
	venueOrder []string
	chain      ChainClient
	gateway    hub.Gateway
	log        log.Logger

	lockMu sync.Mutex
	locks  map[uint64]*sync.Mutex

	updateMu sync.RWMutex
	updates  UpdateCallback
}

// New builds the engine and registers itself as the trade callback on every
// venue.
func New(st *store.Store, venues []exchange.Exchange, ch ChainClient, gw hub.Gateway) *Broker {
	b := &Broker{
		store:   st,
		venues:  make(map[string]exchange.Exchange, len(venues)),
		chain:   ch,
		gateway: gw,
		log:     log.New("module", "broker"),
		locks:   make(map[uint64]*sync.Mutex),
	}
	for _, v := range venues {
		b.venues[v.Name()] = v
		b.venueOrder = append(b.venueOrder, v.Name())
		v.RegisterTradeCallback(b.OnTrade)
	}
	return b
}

// SetChainClient swaps the chain client; the supervisor rebuilds it on every
// hub (re)connect.
func (b *Broker) SetChainClient(ch ChainClient) { b.chain = ch }

// SetUpdateCallback installs the operator UI push sink.
func (b *Broker) SetUpdateCallback(cb UpdateCallback) {
	b.updateMu.Lock()
	b.updates = cb
	b.updateMu.Unlock()
}

func (b *Broker) pushUpdate(sub exchange.SubOrder) {
	b.updateMu.RLock()
	cb := b.updates
	b.updateMu.RUnlock()
	if cb != nil {
		cb(sub)
	}
}

// lockID serializes handlers per sub-order id. Locks are retained for the
// process lifetime; sub-orders are never deleted.
func (b *Broker) lockID(id uint64) func() {
	b.lockMu.Lock()
	mu, ok := b.locks[id]
	if !ok {
		mu = new(sync.Mutex)
		b.locks[id] = mu
	}
	b.lockMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// OnCreateSubOrder persists and places a new sub-order. A replay of an
// already known id is answered like a check, making the handler idempotent:
// the venue is invoked exactly once per id.
func (b *Broker) OnCreateSubOrder(ctx context.Context, req hub.CreateSubOrder) (hub.SubOrderStatus, error) {
	unlock := b.lockID(req.ID)
	defer unlock()

	if _, err := b.store.GetSubOrderByID(req.ID); err == nil {
		return b.checkLocked(req.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return hub.SubOrderStatus{}, err
	}

	sub := exchange.SubOrder{
		ID:           req.ID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Price:        req.Price,
		Amount:       req.Amount,
		Exchange:     req.Exchange,
		Timestamp:    time.Now().UnixMilli(),
		Status:       exchange.StatusPrepare,
		FilledAmount: decimal.Zero,
	}
	if err := b.store.InsertSubOrder(sub); err != nil {
		return hub.SubOrderStatus{}, err
	}

	venue, ok := b.venues[req.Exchange]
	if !ok {
		b.log.Error("Sub-order for unknown venue", "id", req.ID, "venue", req.Exchange)
		sub.Status = exchange.StatusRejected
	} else {
		exID, err := venue.SubmitSubOrder(ctx, req.ID, req.Symbol, req.Side, req.Amount, req.Price)
		if err != nil {
			b.log.Warn("Venue rejected sub-order", "id", req.ID, "venue", req.Exchange, "err", err)
			sub.Status = exchange.StatusRejected
		} else {
			sub.ExchangeOrderID = exID
			sub.Status = exchange.StatusAccepted
		}
	}
	if err := b.store.UpdateSubOrder(sub); err != nil {
		return hub.SubOrderStatus{}, err
	}
	b.pushUpdate(sub)
	return b.checkLocked(req.ID)
}

// OnCancelSubOrder requests venue-side cancellation. The venue result is
// advisory; the authoritative terminal status arrives via OnTrade, so for
// open sub-orders no status is reported yet. Cancellation in PREPARE is
// unsupported: the in-flight placement cannot be revoked, and the terminal
// outcome is resolved by the regular polling path.
func (b *Broker) OnCancelSubOrder(ctx context.Context, id uint64) (*hub.SubOrderStatus, error) {
	unlock := b.lockID(id)
	defer unlock()

	sub, err := b.store.GetSubOrderByID(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case exchange.StatusPrepare:
		return nil, nil
	case exchange.StatusAccepted:
		venue, ok := b.venues[sub.Exchange]
		if !ok {
			return nil, fmt.Errorf("broker: venue %s not configured", sub.Exchange)
		}
		if err := venue.CancelSubOrder(ctx, *sub); err != nil {
			b.log.Warn("Cancel request failed", "id", id, "err", err)
		}
		return nil, nil
	default:
		st, err := b.checkLocked(id)
		if err != nil {
			return nil, err
		}
		return &st, nil
	}
}

// OnCheckSubOrder reports the current status of a sub-order. PREPARE is
// private and reported as ACCEPTED. When a trade exists the status carries a
// freshly signed settlement order; signing is deterministic, so replays
// produce identical payloads. An unknown id yields a nil status so the hub
// can keep polling an id the broker has not persisted yet.
func (b *Broker) OnCheckSubOrder(ctx context.Context, id uint64) (hub.SubOrderStatus, error) {
	unlock := b.lockID(id)
	defer unlock()
	return b.checkLocked(id)
}

func (b *Broker) checkLocked(id uint64) (hub.SubOrderStatus, error) {
	sub, err := b.store.GetSubOrderByID(id)
	if errors.Is(err, store.ErrNotFound) {
		return hub.SubOrderStatus{ID: id, FilledAmount: "0"}, nil
	}
	if err != nil {
		return hub.SubOrderStatus{}, err
	}
	status := sub.Status
	if status == exchange.StatusPrepare {
		status = exchange.StatusAccepted
	}
	st := hub.SubOrderStatus{
		ID:           id,
		Status:       &status,
		FilledAmount: sub.FilledAmount.String(),
	}
	trades, err := b.store.GetSubOrderTrades(*sub)
	if err != nil {
		return hub.SubOrderStatus{}, err
	}
	if len(trades) > 0 {
		bo, err := b.chain.SignTrade(*sub, trades[0])
		if err != nil {
			return hub.SubOrderStatus{}, err
		}
		st.BlockchainOrder = bo
	}
	return st, nil
}

// OnSubOrderStatusAccepted resolves whether the hub durably accepted the
// last reported status. The hub is authoritative on rejection: a REJECTED
// acknowledgement overrides any open local state, but never a prior FILLED
// or CANCELED. When the acknowledged status matches a local terminal status
// the resend loop is stopped for this sub-order.
func (b *Broker) OnSubOrderStatusAccepted(ctx context.Context, ack hub.StatusAck) error {
	unlock := b.lockID(ack.ID)
	defer unlock()

	sub, err := b.store.GetSubOrderByID(ack.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	changed := false
	if ack.Status == exchange.StatusRejected && !sub.Status.Terminal() {
		b.log.Warn("Hub forced rejection", "id", ack.ID, "was", sub.Status)
		sub.Status = exchange.StatusRejected
		changed = true
	}
	if ack.Status == sub.Status && sub.Status.Terminal() && !sub.SentToAggregator {
		sub.SentToAggregator = true
		changed = true
	}
	if !changed {
		return nil
	}
	if err := b.store.UpdateSubOrder(*sub); err != nil {
		return err
	}
	b.pushUpdate(*sub)
	return nil
}

// OnTrade consumes a venue-terminal trade event. The trade is persisted
// before the sub-order turns terminal so a crash between the two writes can
// recompute the settlement order from the trade alone. Partial fills and
// redeliveries against terminal sub-orders are rejected without mutation.
func (b *Broker) OnTrade(trade exchange.Trade) {
	if err := b.handleTrade(trade); err != nil {
		b.log.Error("Trade event failed", "venue", trade.Exchange, "order", trade.ExchangeOrderID, "err", err)
	}
}

func (b *Broker) handleTrade(trade exchange.Trade) error {
	if trade.Status != exchange.StatusFilled && trade.Status != exchange.StatusCanceled {
		return fmt.Errorf("broker: trade with non-terminal status %s", trade.Status)
	}
	probe, err := b.store.GetSubOrder(trade.Exchange, trade.ExchangeOrderID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("broker: trade for unknown order %s/%s", trade.Exchange, trade.ExchangeOrderID)
	}
	if err != nil {
		return err
	}

	unlock := b.lockID(probe.ID)
	defer unlock()
	sub, err := b.store.GetSubOrderByID(probe.ID)
	if err != nil {
		return err
	}
	if sub.Status.Terminal() {
		return nil
	}
	if trade.Status == exchange.StatusFilled && !trade.Amount.Equal(sub.Amount) {
		return fmt.Errorf("broker: partial fill %s of %s on sub-order %d not supported", trade.Amount, sub.Amount, sub.ID)
	}

	sub.FilledAmount = trade.Amount
	sub.Status = trade.Status
	if sub.FilledAmount.Sign() > 0 {
		if err := b.store.InsertTrade(trade); err != nil {
			return err
		}
	}
	if err := b.store.UpdateSubOrder(*sub); err != nil {
		return err
	}
	b.pushUpdate(*sub)

	st, err := b.checkLocked(sub.ID)
	if err != nil {
		return err
	}
	if err := b.gateway.SendSubOrderStatus(st); err != nil {
		b.log.Warn("Status push failed, resend loop will retry", "id", sub.ID, "err", err)
	}
	return nil
}

// Venue returns a configured venue adapter by name.
func (b *Broker) Venue(name string) (exchange.Exchange, bool) {
	v, ok := b.venues[name]
	return v, ok
}

// Venues returns the venue adapters in configuration order.
func (b *Broker) Venues() []exchange.Exchange {
	out := make([]exchange.Exchange, 0, len(b.venueOrder))
	for _, name := range b.venueOrder {
		out = append(out, b.venues[name])
	}
	return out
}

// Store exposes the backing store to the reconciler and the operator API.
func (b *Broker) Store() *store.Store { return b.store }

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

package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"
)

// Emulator is an in-memory venue used for dry runs and tests. Orders rest
// until the next CheckSubOrders poll and then fill completely at their limit
// price. Withdrawals settle on the first status poll.
type Emulator struct {
	name string
	log  log.Logger

	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	orders    map[string]*emulatedOrder
	withdraws map[string]WithdrawStatus
	seq       uint64
	cb        TradeCallback
}

type emulatedOrder struct {
	sub      SubOrder
	canceled bool
	done     bool
}

// emulator withdrawal limits, flat across currencies
var (
	emulatorWithdrawMin = decimal.RequireFromString("0.1")
	emulatorWithdrawFee = decimal.RequireFromString("0.01")
)

// NewEmulator builds an emulated venue with the given starting balances.
func NewEmulator(name string, balances map[string]decimal.Decimal) *Emulator {
	b := make(map[string]decimal.Decimal, len(balances))
	for k, v := range balances {
		b[k] = v
	}
	return &Emulator{
		name:      name,
		log:       log.New("venue", name),
		balances:  b,
		orders:    make(map[string]*emulatedOrder),
		withdraws: make(map[string]WithdrawStatus),
	}
}

func (e *Emulator) Name() string { return e.name }

func (e *Emulator) RegisterTradeCallback(cb TradeCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cb = cb
}

func (e *Emulator) SubmitSubOrder(ctx context.Context, id uint64, symbol string, side Side, amount, price decimal.Decimal) (string, error) {
	if amount.Sign() <= 0 || price.Sign() <= 0 {
		return "", &SubmitError{Venue: e.name, Reason: "non-positive amount or price"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// clientOrderId passthrough: a replayed submit returns the original
	// placement instead of opening a second order.
	exID := fmt.Sprintf("emu-%d", id)
	if _, ok := e.orders[exID]; !ok {
		e.orders[exID] = &emulatedOrder{sub: SubOrder{
			ID:       id,
			Symbol:   symbol,
			Side:     side,
			Price:    price,
			Amount:   amount,
			Exchange: e.name,
		}}
	}
	return exID, nil
}

func (e *Emulator) CancelSubOrder(ctx context.Context, sub SubOrder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[sub.ExchangeOrderID]
	if !ok {
		return fmt.Errorf("emulator: unknown order %s", sub.ExchangeOrderID)
	}
	if !o.done {
		o.canceled = true
	}
	return nil
}

func (e *Emulator) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(e.balances))
	for k, v := range e.balances {
		out[k] = v
	}
	return out, nil
}

func (e *Emulator) CheckSubOrders(ctx context.Context, subs []SubOrder) error {
	e.mu.Lock()
	cb := e.cb
	var trades []Trade
	for _, sub := range subs {
		o, ok := e.orders[sub.ExchangeOrderID]
		if !ok || o.done {
			continue
		}
		o.done = true
		t := Trade{
			Exchange:        e.name,
			ExchangeOrderID: sub.ExchangeOrderID,
			Price:           o.sub.Price,
			Amount:          o.sub.Amount,
			Status:          StatusFilled,
		}
		if o.canceled {
			t.Status = StatusCanceled
			t.Amount = decimal.Zero
		}
		trades = append(trades, t)
	}
	e.mu.Unlock()

	if cb == nil {
		return nil
	}
	for _, t := range trades {
		cb(t)
	}
	return nil
}

func (e *Emulator) HasWithdraw() bool { return true }

func (e *Emulator) GetWithdrawLimit(ctx context.Context, currency string) (WithdrawLimit, error) {
	return WithdrawLimit{Min: emulatorWithdrawMin, Fee: emulatorWithdrawFee}, nil
}

func (e *Emulator) Withdraw(ctx context.Context, currency string, amount decimal.Decimal, address string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bal, ok := e.balances[currency]
	if !ok || bal.LessThan(amount) {
		e.log.Warn("Withdraw refused", "currency", currency, "amount", amount, "balance", bal)
		return "", false
	}
	e.seq++
	id := fmt.Sprintf("emu-w-%d", e.seq)
	e.balances[currency] = bal.Sub(amount)
	e.withdraws[id] = WithdrawPending
	return id, true
}

func (e *Emulator) CheckWithdraws(ctx context.Context, withdraws []Withdraw) ([]WithdrawStatusUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []WithdrawStatusUpdate
	for _, w := range withdraws {
		if _, ok := e.withdraws[w.ExchangeWithdrawID]; !ok {
			continue
		}
		e.withdraws[w.ExchangeWithdrawID] = WithdrawOk
		out = append(out, WithdrawStatusUpdate{ExchangeWithdrawID: w.ExchangeWithdrawID, Status: WithdrawOk})
	}
	return out, nil
}

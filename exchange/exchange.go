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

// Package exchange defines the sub-order domain model and the adapter
// interface every trading venue must implement.
package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Side is the direction of a sub-order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Status is a sub-order lifecycle state. PREPARE and ACCEPTED are open;
// FILLED, CANCELED and REJECTED are terminal and sticky.
type Status string

const (
	StatusPrepare  Status = "PREPARE"
	StatusAccepted Status = "ACCEPTED"
	StatusFilled   Status = "FILLED"
	StatusCanceled Status = "CANCELED"
	StatusRejected Status = "REJECTED"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	}
	return false
}

// SubOrder is a single venue-bound child order dispatched by the aggregator.
// The numeric id is assigned by the hub and is globally unique.
type SubOrder struct {
	ID               uint64          `json:"id"`
	Symbol           string          `json:"symbol"` // BASE-QUOTE
	Side             Side            `json:"side"`
	Price            decimal.Decimal `json:"price"`
	Amount           decimal.Decimal `json:"amount"`
	Exchange         string          `json:"exchange"`
	Timestamp        int64           `json:"timestamp"` // ms since epoch, set on insert
	Status           Status          `json:"status"`
	FilledAmount     decimal.Decimal `json:"filledAmount"`
	ExchangeOrderID  string          `json:"exchangeOrderId,omitempty"`
	SentToAggregator bool            `json:"sentToAggregator"`
}

// Trade is the venue-terminal record of a sub-order's fill or cancellation.
// At most one trade exists per sub-order.
type Trade struct {
	Exchange        string          `json:"exchange"`
	ExchangeOrderID string          `json:"exchangeOrderId"`
	Price           decimal.Decimal `json:"price"`
	Amount          decimal.Decimal `json:"amount"`
	Status          Status          `json:"status"` // FILLED or CANCELED
}

// WithdrawStatus is the lifecycle state of an exchange withdrawal. Terminal
// statuses are sticky.
type WithdrawStatus string

const (
	WithdrawPending  WithdrawStatus = "pending"
	WithdrawOk       WithdrawStatus = "ok"
	WithdrawFailed   WithdrawStatus = "failed"
	WithdrawCanceled WithdrawStatus = "canceled"
)

// Terminal reports whether the withdrawal can never change state again.
func (s WithdrawStatus) Terminal() bool {
	return s != WithdrawPending && s != ""
}

// Withdraw tracks a single exchange withdrawal towards the settlement
// contract.
type Withdraw struct {
	ExchangeWithdrawID string          `json:"exchangeWithdrawId"`
	Exchange           string          `json:"exchange"`
	Currency           string          `json:"currency"`
	Amount             decimal.Decimal `json:"amount"`
	Status             WithdrawStatus  `json:"status"`
}

// WithdrawStatusUpdate is one element of a CheckWithdraws response. Only
// non-pending statuses are reported.
type WithdrawStatusUpdate struct {
	ExchangeWithdrawID string
	Status             WithdrawStatus
}

// WithdrawLimit is the venue's minimum withdrawal and flat fee for a
// currency.
type WithdrawLimit struct {
	Min decimal.Decimal
	Fee decimal.Decimal
}

// SubmitError is returned by SubmitSubOrder for any venue-reported
// rejection. The engine translates it into a REJECTED sub-order; the
// placement is never retried.
type SubmitError struct {
	Venue  string
	Reason string
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("exchange %s rejected order: %s", e.Venue, e.Reason)
}

// TradeCallback receives venue-terminal trades discovered by CheckSubOrders.
type TradeCallback func(Trade)

// Exchange is the per-venue adapter contract.
//
// Implementations must paper over venue idiosyncrasies: venues that require
// an explicit account-to-account transfer before withdrawal perform it inside
// Withdraw, and venues that report a misleading "ok" for in-progress
// withdrawals downgrade it to "pending" using venue-native fields.
type Exchange interface {
	// Name returns the venue id used in sub-orders and balance reports.
	Name() string

	// SubmitSubOrder places a limit order. The sub-order id is passed through
	// as the venue clientOrderId so a retried placement observes the original
	// one instead of creating a duplicate. A venue-reported rejection is
	// returned as *SubmitError.
	SubmitSubOrder(ctx context.Context, id uint64, symbol string, side Side, amount, price decimal.Decimal) (exchangeOrderID string, err error)

	// CancelSubOrder requests cancellation. The result is advisory only; the
	// authoritative terminal status arrives through CheckSubOrders.
	CancelSubOrder(ctx context.Context, sub SubOrder) error

	// GetBalances returns free balances filtered to chain-recognized
	// currencies.
	GetBalances(ctx context.Context) (map[string]decimal.Decimal, error)

	// CheckSubOrders polls the venue for each sub-order and emits a Trade via
	// the registered callback for every one that reached FILLED or CANCELED
	// venue-side. A CANCELED report with a missing filled amount is emitted
	// as zero.
	CheckSubOrders(ctx context.Context, subs []SubOrder) error

	// RegisterTradeCallback installs the sink for CheckSubOrders events.
	RegisterTradeCallback(cb TradeCallback)

	// HasWithdraw reports whether the venue supports withdrawals at all.
	HasWithdraw() bool

	// GetWithdrawLimit returns the minimum amount and flat fee for
	// withdrawing a currency.
	GetWithdrawLimit(ctx context.Context, currency string) (WithdrawLimit, error)

	// Withdraw moves funds to an on-chain address. Venue errors are swallowed
	// and reported as ok=false; the liability loop retries on its next tick.
	Withdraw(ctx context.Context, currency string, amount decimal.Decimal, address string) (exchangeWithdrawID string, ok bool)

	// CheckWithdraws polls the given pending withdrawals and returns updates
	// for those that reached a non-pending status.
	CheckWithdraws(ctx context.Context, withdraws []Withdraw) ([]WithdrawStatusUpdate, error)
}

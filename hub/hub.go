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

// Package hub defines the transport-agnostic contract between the broker
// and the order aggregator, plus a websocket implementation of it.
package hub

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/orionprotocol/orion-broker/chain"
	"github.com/orionprotocol/orion-broker/exchange"
)

// CreateSubOrder is the hub's request to place a child order on a venue.
type CreateSubOrder struct {
	ID       uint64          `json:"id"`
	Symbol   string          `json:"symbol"`
	Side     exchange.Side   `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	Exchange string          `json:"exchange"`
}

// SubOrderStatus is the broker's report on one sub-order. Status is nil when
// the id is unknown to the broker. BlockchainOrder is present iff a trade
// exists for the sub-order.
type SubOrderStatus struct {
	ID              uint64                 `json:"id"`
	Status          *exchange.Status       `json:"status"`
	FilledAmount    string                 `json:"filledAmount"`
	BlockchainOrder *chain.BlockchainOrder `json:"blockchainOrder,omitempty"`
}

// StatusAck is the hub's acknowledgement of a previously sent status.
type StatusAck struct {
	ID     uint64          `json:"id"`
	Status exchange.Status `json:"status"`
}

// Handlers is the inbound contract the broker engine exposes to the
// transport. The transport holds a read-only reference; the broker is
// constructed first, then the transport is started.
type Handlers interface {
	OnCreateSubOrder(ctx context.Context, req CreateSubOrder) (SubOrderStatus, error)
	// OnCancelSubOrder returns nil when no status can be reported yet
	// (cancellation still resolving venue-side).
	OnCancelSubOrder(ctx context.Context, id uint64) (*SubOrderStatus, error)
	OnCheckSubOrder(ctx context.Context, id uint64) (SubOrderStatus, error)
	OnSubOrderStatusAccepted(ctx context.Context, ack StatusAck) error
	// OnReconnect fires when the transport has been reestablished.
	OnReconnect()
}

// Gateway is the outbound contract towards the aggregator.
type Gateway interface {
	// Connect authenticates the broker: signature is the personal-message
	// signature of the decimal string of time.
	Connect(address string, time int64, signature string) error

	// SendSubOrderStatus pushes the latest status of one sub-order.
	SendSubOrderStatus(st SubOrderStatus) error

	// SendBalances pushes the exchange balance snapshot.
	SendBalances(balances map[string]map[string]string) error

	// Register announces operator metadata.
	Register(meta map[string]interface{}) error

	// LastBalancesJSON returns the last balances payload successfully sent,
	// used to suppress duplicate sends.
	LastBalancesJSON() string
}

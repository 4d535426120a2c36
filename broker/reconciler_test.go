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

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orionprotocol/orion-broker/chain"
	"github.com/orionprotocol/orion-broker/exchange"
	"github.com/orionprotocol/orion-broker/hub"
	"github.com/orionprotocol/orion-broker/store"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestReconciler(t *testing.T) (*Reconciler, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	return NewReconciler(env.broker, time.Hour), env
}

// dueLiability is a liability old enough to be discharged.
func dueLiability(asset, amount string) chain.Liability {
	return chain.Liability{
		AssetName:         asset,
		OutstandingAmount: dec(amount),
		Timestamp:         time.Now().Add(-2 * time.Hour).UnixMilli(),
	}
}

func TestLiabilityDischargedByDeposit(t *testing.T) {
	r, env := newTestReconciler(t)
	env.chain.wallet = map[string]decimal.Decimal{"USDT": dec("200"), "ETH": dec("0.1")}
	env.chain.allowance = dec("1000")

	require.NoError(t, r.ManageLiability(context.Background(), dueLiability("USDT", "100")))

	require.Len(t, env.chain.deposits, 1)
	assert.Equal(t, "depositAsset", env.chain.deposits[0].Method)
	assert.Equal(t, "USDT", env.chain.deposits[0].Asset)
	assert.True(t, env.chain.deposits[0].Amount.Equal(dec("100")))

	pending, err := env.store.GetPendingTransactions()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestLiabilityDepositETHKeepsGasReserve(t *testing.T) {
	r, env := newTestReconciler(t)
	env.chain.wallet = map[string]decimal.Decimal{"ETH": dec("0.1")}

	// 0.1 - 0.045 reserve = 0.055 still covers 0.04.
	require.NoError(t, r.ManageLiability(context.Background(), dueLiability("ETH", "0.04")))
	require.Len(t, env.chain.deposits, 1)
	assert.Equal(t, "deposit", env.chain.deposits[0].Method)
	assert.True(t, env.chain.deposits[0].Amount.Equal(dec("0.04")))

	// 0.06 exceeds the spendable 0.055; no venue can help either.
	env.chain.deposits = nil
	require.NoError(t, env.store.UpdateTransactionStatus("0xd1", chain.TxOk))
	require.NoError(t, r.ManageLiability(context.Background(), dueLiability("ETH", "0.06")))
	assert.Empty(t, env.chain.deposits)
}

func TestLiabilitySkippedBelowGasReserve(t *testing.T) {
	r, env := newTestReconciler(t)
	env.chain.wallet = map[string]decimal.Decimal{"USDT": dec("200"), "ETH": dec("0.01")}

	require.NoError(t, r.ManageLiability(context.Background(), dueLiability("USDT", "100")))
	assert.Empty(t, env.chain.deposits)
}

func TestLiabilityDepositNeedsAllowance(t *testing.T) {
	r, env := newTestReconciler(t)
	env.chain.wallet = map[string]decimal.Decimal{"USDT": dec("200"), "ETH": dec("0.1")}
	env.chain.allowance = dec("50")

	require.NoError(t, r.ManageLiability(context.Background(), dueLiability("USDT", "100")))

	assert.Empty(t, env.chain.deposits, "deposit must wait for operator approve")
	pending, err := env.store.GetPendingTransactions()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLiabilityDischargedByWithdrawal(t *testing.T) {
	r, env := newTestReconciler(t)
	env.chain.wallet = map[string]decimal.Decimal{"USDT": dec("0"), "ETH": dec("0.1")}
	env.venue.withdrawable = true
	env.venue.limit = exchange.WithdrawLimit{Min: dec("10"), Fee: dec("1")}
	r.snapshot = &balanceSnapshot{
		order:    []string{"X"},
		balances: map[string]map[string]decimal.Decimal{"X": {"USDT": dec("200")}},
	}

	require.NoError(t, r.ManageLiability(context.Background(), dueLiability("USDT", "100")))

	require.Len(t, env.venue.withdrawals, 1)
	w := env.venue.withdrawals[0]
	assert.Equal(t, "USDT", w.currency)
	assert.True(t, w.amount.Equal(dec("101")), "shortfall plus fee, got %s", w.amount)
	assert.Equal(t, env.chain.Address().Hex(), w.address)

	pending, err := env.store.GetWithdrawsToCheck()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, exchange.WithdrawPending, pending[0].Status)
}

func TestLiabilityWithdrawalRespectsVenueMinimum(t *testing.T) {
	r, env := newTestReconciler(t)
	env.chain.wallet = map[string]decimal.Decimal{"USDT": dec("0"), "ETH": dec("0.1")}
	env.venue.withdrawable = true
	env.venue.limit = exchange.WithdrawLimit{Min: dec("10"), Fee: dec("1")}
	r.snapshot = &balanceSnapshot{
		order:    []string{"X"},
		balances: map[string]map[string]decimal.Decimal{"X": {"USDT": dec("200")}},
	}

	require.NoError(t, r.ManageLiability(context.Background(), dueLiability("USDT", "2")))

	require.Len(t, env.venue.withdrawals, 1)
	assert.True(t, env.venue.withdrawals[0].amount.Equal(dec("10")))
}

func TestLiabilityGuards(t *testing.T) {
	r, env := newTestReconciler(t)
	env.chain.wallet = map[string]decimal.Decimal{"USDT": dec("200"), "ETH": dec("0.1")}
	env.chain.allowance = dec("1000")
	ctx := context.Background()

	// Not yet due.
	fresh := dueLiability("USDT", "100")
	fresh.Timestamp = time.Now().UnixMilli()
	require.NoError(t, r.ManageLiability(ctx, fresh))
	assert.Empty(t, env.chain.deposits)

	// Nothing outstanding.
	require.NoError(t, r.ManageLiability(ctx, dueLiability("USDT", "0")))
	assert.Empty(t, env.chain.deposits)

	// A transaction in flight defers everything.
	require.NoError(t, env.store.InsertTransaction(chain.Transaction{
		TransactionHash: "0xfee", Method: "deposit", Asset: "ETH",
		Amount: dec("1"), CreateTime: time.Now().UnixMilli(), Status: chain.TxPending,
	}))
	require.NoError(t, r.ManageLiability(ctx, dueLiability("USDT", "100")))
	assert.Empty(t, env.chain.deposits)
	require.NoError(t, env.store.UpdateTransactionStatus("0xfee", chain.TxOk))

	// So does a withdrawal in flight.
	require.NoError(t, env.store.InsertWithdraw(exchange.Withdraw{
		ExchangeWithdrawID: "w9", Exchange: "X", Currency: "USDT",
		Amount: dec("5"), Status: exchange.WithdrawPending,
	}))
	require.NoError(t, r.ManageLiability(ctx, dueLiability("USDT", "100")))
	assert.Empty(t, env.chain.deposits)
	require.NoError(t, env.store.UpdateWithdrawStatus("X", "w9", exchange.WithdrawOk))

	// Guards lifted, the deposit goes out.
	require.NoError(t, r.ManageLiability(ctx, dueLiability("USDT", "100")))
	assert.Len(t, env.chain.deposits, 1)
}

func TestWithdrawVenueSelection(t *testing.T) {
	st := newTestStoreDir(t)
	a := newFakeVenue("A")
	b := newFakeVenue("B")
	b.withdrawable = true
	b.limit = exchange.WithdrawLimit{Min: dec("1"), Fee: dec("1")}
	c := newFakeVenue("C")
	c.withdrawable = true
	c.limit = exchange.WithdrawLimit{Min: dec("1"), Fee: dec("1")}
	gw := &stubGateway{}
	sc := newStubChain(t)
	br := New(st, []exchange.Exchange{a, b, c}, sc, gw)
	r := NewReconciler(br, time.Hour)
	r.snapshot = &balanceSnapshot{
		order: []string{"A", "B", "C"},
		balances: map[string]map[string]decimal.Decimal{
			"A": {"USDT": dec("500")}, // cannot withdraw at all
			"B": {"USDT": dec("50")},  // too little
			"C": {"USDT": dec("200")},
		},
	}

	venue, amount, ok := r.getExchangeForWithdraw(context.Background(), dec("100"), "USDT")
	require.True(t, ok)
	assert.Equal(t, "C", venue.Name())
	assert.True(t, amount.Equal(dec("101")))

	// Balance must strictly exceed the withdrawn amount.
	r.snapshot.balances["C"]["USDT"] = dec("101")
	_, _, ok = r.getExchangeForWithdraw(context.Background(), dec("100"), "USDT")
	assert.False(t, ok)
}

func newTestStoreDir(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestBalancePushDebounced(t *testing.T) {
	r, env := newTestReconciler(t)
	env.venue.balances = map[string]decimal.Decimal{"USDT": dec("5")}
	ctx := context.Background()

	require.NoError(t, r.tickBalances(ctx))
	require.NoError(t, r.tickBalances(ctx))
	assert.Equal(t, 1, env.gateway.sends, "unchanged balances are not re-sent")

	env.venue.balances["USDT"] = dec("6")
	require.NoError(t, r.tickBalances(ctx))
	assert.Equal(t, 2, env.gateway.sends)

	snap := r.LastBalances()
	assert.True(t, snap["X"]["USDT"].Equal(dec("6")))
}

func TestTransactionPolling(t *testing.T) {
	r, env := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	require.NoError(t, env.store.InsertTransaction(chain.Transaction{
		TransactionHash: "0xok", Method: "deposit", Asset: "ETH",
		Amount: dec("1"), CreateTime: now, Status: chain.TxPending,
	}))
	require.NoError(t, env.store.InsertTransaction(chain.Transaction{
		TransactionHash: "0xfresh", Method: "deposit", Asset: "ETH",
		Amount: dec("1"), CreateTime: now, Status: chain.TxPending,
	}))
	require.NoError(t, env.store.InsertTransaction(chain.Transaction{
		TransactionHash: "0xstale", Method: "deposit", Asset: "ETH",
		Amount: dec("1"), CreateTime: now - (11 * time.Minute).Milliseconds(), Status: chain.TxPending,
	}))
	env.chain.txStatus["0xok"] = chain.TxOk
	// 0xfresh and 0xstale both report NONE.

	require.NoError(t, r.tickTransactions(ctx))

	pending, err := env.store.GetPendingTransactions()
	require.NoError(t, err)
	// Confirmed and stale-NONE resolved, the fresh NONE is still pending.
	require.Len(t, pending, 1)
	assert.Equal(t, "0xfresh", pending[0].TransactionHash)
}

func TestWithdrawalPolling(t *testing.T) {
	r, env := newTestReconciler(t)
	require.NoError(t, env.store.InsertWithdraw(exchange.Withdraw{
		ExchangeWithdrawID: "w1", Exchange: "X", Currency: "USDT",
		Amount: dec("101"), Status: exchange.WithdrawPending,
	}))

	require.NoError(t, r.tickWithdrawals(context.Background()))

	pending, err := env.store.GetWithdrawsToCheck()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSubOrderTickResendsAndPolls(t *testing.T) {
	r, env := newTestReconciler(t)
	ctx := context.Background()

	// id 1 fills but the status push is lost; id 2 stays open.
	_, err := env.broker.OnCreateSubOrder(ctx, createReq(1))
	require.NoError(t, err)
	env.venue.cb(fillTrade(1))
	_, err = env.broker.OnCreateSubOrder(ctx, createReq(2))
	require.NoError(t, err)

	env.gateway.mu.Lock()
	env.gateway.statuses = nil
	env.gateway.mu.Unlock()

	require.NoError(t, r.tickSubOrders(ctx))

	env.gateway.mu.Lock()
	statuses := env.gateway.statuses
	env.gateway.mu.Unlock()
	require.Len(t, statuses, 1)
	assert.Equal(t, uint64(1), statuses[0].ID)
	assert.Equal(t, exchange.StatusFilled, *statuses[0].Status)

	require.Len(t, env.venue.checked, 1)
	require.Len(t, env.venue.checked[0], 1)
	assert.Equal(t, uint64(2), env.venue.checked[0][0].ID)

	// Once acknowledged, the resend stops.
	require.NoError(t, env.broker.OnSubOrderStatusAccepted(ctx, hub.StatusAck{ID: 1, Status: exchange.StatusFilled}))
	env.gateway.mu.Lock()
	env.gateway.statuses = nil
	env.gateway.mu.Unlock()
	require.NoError(t, r.tickSubOrders(ctx))
	env.gateway.mu.Lock()
	defer env.gateway.mu.Unlock()
	assert.Empty(t, env.gateway.statuses)
}

func TestReconcilerStartStop(t *testing.T) {
	r, _ := newTestReconciler(t)
	r.Start()
	r.Stop()
	// Stop is idempotent and Start may be called again.
	r.Stop()
	r.Start()
	r.Stop()
}

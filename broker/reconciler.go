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
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/orionprotocol/orion-broker/chain"
	"github.com/orionprotocol/orion-broker/exchange"
	"github.com/orionprotocol/orion-broker/tokens"
)

// Reconciler loop periods.
const (
	balancesInterval     = 10 * time.Second
	subOrdersInterval    = 10 * time.Second
	withdrawalsInterval  = 60 * time.Second
	transactionsInterval = 10 * time.Second
	liabilitiesInterval  = 5 * time.Minute
)

// nonepromotionAge is how long a transaction may report NONE before it is
// treated as failed.
const nonePromotionAge = 10 * time.Minute

// gasReserveETH is kept back from the wallet when planning liability
// discharge.
var gasReserveETH = decimal.RequireFromString("0.045")

// balanceSnapshot is the last successfully polled exchange balances, in
// venue configuration order. It is replaced wholesale per poll; readers get
// the immutable previous value.
type balanceSnapshot struct {
	order    []string
	balances map[string]map[string]decimal.Decimal
}

// Reconciler runs the five background control loops: balance broadcast,
// sub-order polling and resend, withdrawal polling, transaction polling and
// liability discharge. Every tick body is wrapped in log-and-continue; a
// loop never starts a new tick while the previous one is still running.
type Reconciler struct {
	broker    *Broker
	duePeriod time.Duration
	log       log.Logger

	snapMu   sync.RWMutex
	snapshot *balanceSnapshot

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewReconciler builds a reconciler over the engine's collaborators.
func NewReconciler(b *Broker, duePeriod time.Duration) *Reconciler {
	return &Reconciler{
		broker:    b,
		duePeriod: duePeriod,
		log:       log.New("module", "reconciler"),
		snapshot:  &balanceSnapshot{balances: make(map[string]map[string]decimal.Decimal)},
	}
}

// Start launches all loops. It may be called again after Stop.
func (r *Reconciler) Start() {
	r.quit = make(chan struct{})
	r.run("balances", balancesInterval, r.tickBalances)
	r.run("suborders", subOrdersInterval, r.tickSubOrders)
	r.run("withdrawals", withdrawalsInterval, r.tickWithdrawals)
	r.run("transactions", transactionsInterval, r.tickTransactions)
	r.run("liabilities", liabilitiesInterval, r.tickLiabilities)
}

// Stop halts all loops at their next yield and waits for in-flight ticks.
func (r *Reconciler) Stop() {
	if r.quit == nil {
		return
	}
	close(r.quit)
	r.wg.Wait()
	r.quit = nil
}

func (r *Reconciler) run(name string, interval time.Duration, tick func(ctx context.Context) error) {
	quit := r.quit
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				// The tick runs synchronously, so a slow venue delays the
				// next tick instead of piling concurrent ones up.
				if err := tick(context.Background()); err != nil {
					r.log.Error("Tick failed", "loop", name, "err", err)
				}
			}
		}
	}()
}

// tickBalances polls every venue and pushes the snapshot to the hub when it
// differs from the last sent payload.
func (r *Reconciler) tickBalances(ctx context.Context) error {
	snap := &balanceSnapshot{balances: make(map[string]map[string]decimal.Decimal)}
	payload := make(map[string]map[string]string)
	for _, venue := range r.broker.Venues() {
		balances, err := venue.GetBalances(ctx)
		if err != nil {
			r.log.Warn("Balance poll failed", "venue", venue.Name(), "err", err)
			continue
		}
		snap.order = append(snap.order, venue.Name())
		snap.balances[venue.Name()] = balances
		strs := make(map[string]string, len(balances))
		for cur, amount := range balances {
			strs[cur] = amount.String()
		}
		payload[venue.Name()] = strs
	}
	r.snapMu.Lock()
	r.snapshot = snap
	r.snapMu.Unlock()

	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if string(blob) == r.broker.gateway.LastBalancesJSON() {
		return nil
	}
	return r.broker.gateway.SendBalances(payload)
}

// tickSubOrders retransmits unacknowledged terminal statuses, then polls the
// venues for open sub-orders; terminal events flow back through OnTrade.
func (r *Reconciler) tickSubOrders(ctx context.Context) error {
	resend, err := r.broker.Store().GetSubOrdersToResend()
	if err != nil {
		return err
	}
	for _, sub := range resend {
		st, err := r.broker.OnCheckSubOrder(ctx, sub.ID)
		if err != nil {
			r.log.Warn("Resend check failed", "id", sub.ID, "err", err)
			continue
		}
		if err := r.broker.gateway.SendSubOrderStatus(st); err != nil {
			r.log.Warn("Resend failed", "id", sub.ID, "err", err)
		}
	}

	toCheck, err := r.broker.Store().GetSubOrdersToCheck()
	if err != nil {
		return err
	}
	byVenue := make(map[string][]exchange.SubOrder)
	for _, sub := range toCheck {
		byVenue[sub.Exchange] = append(byVenue[sub.Exchange], sub)
	}
	for name, subs := range byVenue {
		venue, ok := r.broker.Venue(name)
		if !ok {
			continue
		}
		if err := venue.CheckSubOrders(ctx, subs); err != nil {
			r.log.Warn("Sub-order poll failed", "venue", name, "err", err)
		}
	}
	return nil
}

// tickWithdrawals polls pending exchange withdrawals and persists statuses
// that turned terminal.
func (r *Reconciler) tickWithdrawals(ctx context.Context) error {
	pending, err := r.broker.Store().GetWithdrawsToCheck()
	if err != nil {
		return err
	}
	byVenue := make(map[string][]exchange.Withdraw)
	for _, w := range pending {
		byVenue[w.Exchange] = append(byVenue[w.Exchange], w)
	}
	for name, ws := range byVenue {
		venue, ok := r.broker.Venue(name)
		if !ok {
			continue
		}
		updates, err := venue.CheckWithdraws(ctx, ws)
		if err != nil {
			r.log.Warn("Withdrawal poll failed", "venue", name, "err", err)
			continue
		}
		for _, u := range updates {
			if u.Status == exchange.WithdrawPending {
				continue
			}
			if err := r.broker.Store().UpdateWithdrawStatus(name, u.ExchangeWithdrawID, u.Status); err != nil {
				r.log.Warn("Withdrawal update failed", "venue", name, "id", u.ExchangeWithdrawID, "err", err)
			}
		}
	}
	return nil
}

// tickTransactions polls pending on-chain transactions. Only terminal
// statuses are persisted; NONE older than ten minutes is promoted to FAIL.
func (r *Reconciler) tickTransactions(ctx context.Context) error {
	pending, err := r.broker.Store().GetPendingTransactions()
	if err != nil {
		return err
	}
	for _, tx := range pending {
		status, err := r.broker.chain.GetTransactionStatus(ctx, tx.TransactionHash)
		if err != nil {
			r.log.Warn("Transaction poll failed", "hash", tx.TransactionHash, "err", err)
			continue
		}
		if status == chain.TxNone && time.Now().UnixMilli()-tx.CreateTime > nonePromotionAge.Milliseconds() {
			r.log.Warn("Transaction vanished, treating as failed", "hash", tx.TransactionHash)
			status = chain.TxFail
		}
		if !status.Terminal() {
			continue
		}
		if err := r.broker.Store().UpdateTransactionStatus(tx.TransactionHash, status); err != nil {
			r.log.Warn("Transaction update failed", "hash", tx.TransactionHash, "err", err)
		}
	}
	return nil
}

// tickLiabilities plans discharge for every outstanding on-chain liability.
func (r *Reconciler) tickLiabilities(ctx context.Context) error {
	liabilities, err := r.broker.chain.GetLiabilities(ctx)
	if err != nil {
		return err
	}
	for _, l := range liabilities {
		if err := r.ManageLiability(ctx, l); err != nil {
			r.log.Error("Liability discharge failed", "asset", l.AssetName, "err", err)
		}
	}
	return nil
}

// ManageLiability discharges one liability: by an on-chain deposit when the
// wallet covers it, otherwise by an exchange withdrawal of the shortfall to
// the broker address. Nothing is scheduled while any transaction or
// withdrawal is still in flight, or before the due period has elapsed.
func (r *Reconciler) ManageLiability(ctx context.Context, l chain.Liability) error {
	if l.OutstandingAmount.Sign() <= 0 {
		return nil
	}
	if time.Now().UnixMilli()-l.Timestamp <= r.duePeriod.Milliseconds() {
		return nil
	}
	pendingTxs, err := r.broker.Store().GetPendingTransactions()
	if err != nil {
		return err
	}
	if len(pendingTxs) > 0 {
		r.log.Debug("Liability deferred, transaction in flight", "asset", l.AssetName)
		return nil
	}
	pendingWds, err := r.broker.Store().GetWithdrawsToCheck()
	if err != nil {
		return err
	}
	if len(pendingWds) > 0 {
		r.log.Debug("Liability deferred, withdrawal in flight", "asset", l.AssetName)
		return nil
	}

	wallet, err := r.broker.chain.GetWalletBalance(ctx)
	if err != nil {
		return err
	}
	assetBalance, okAsset := wallet[l.AssetName]
	ethBalance, okEth := wallet[tokens.EthSymbol]
	if !okAsset || !okEth {
		r.log.Warn("Wallet balance unknown, skipping liability", "asset", l.AssetName)
		return nil
	}
	if ethBalance.LessThan(gasReserveETH) {
		r.log.Warn("Wallet cannot cover gas reserve, skipping liability", "asset", l.AssetName, "eth", ethBalance)
		return nil
	}
	if l.AssetName == tokens.EthSymbol {
		assetBalance = assetBalance.Sub(gasReserveETH)
	}

	if assetBalance.GreaterThanOrEqual(l.OutstandingAmount) {
		return r.deposit(ctx, l.OutstandingAmount, l.AssetName)
	}

	remaining := l.OutstandingAmount
	if assetBalance.Sign() > 0 {
		remaining = remaining.Sub(assetBalance)
	}
	venue, amount, ok := r.getExchangeForWithdraw(ctx, remaining, l.AssetName)
	if !ok {
		r.log.Warn("No venue can cover liability", "asset", l.AssetName, "remaining", remaining)
		return nil
	}
	address := r.broker.chain.Address().Hex()
	id, ok := venue.Withdraw(ctx, l.AssetName, amount, address)
	if !ok {
		r.log.Warn("Venue withdrawal refused", "venue", venue.Name(), "asset", l.AssetName, "amount", amount)
		return nil
	}
	r.log.Info("Liability withdrawal initiated", "venue", venue.Name(), "asset", l.AssetName, "amount", amount, "id", id)
	return r.broker.Store().InsertWithdraw(exchange.Withdraw{
		ExchangeWithdrawID: id,
		Exchange:           venue.Name(),
		Currency:           l.AssetName,
		Amount:             amount,
		Status:             exchange.WithdrawPending,
	})
}

// deposit moves wallet funds into the settlement contract. ERC-20 deposits
// require a pre-existing allowance; the operator must approve manually when
// it is short.
func (r *Reconciler) deposit(ctx context.Context, amount decimal.Decimal, asset string) error {
	var (
		tx  *chain.Transaction
		err error
	)
	if asset == tokens.EthSymbol {
		tx, err = r.broker.chain.DepositETH(ctx, amount)
	} else {
		allowance, aerr := r.broker.chain.GetAllowance(ctx, asset)
		if aerr != nil {
			return aerr
		}
		if allowance.LessThan(amount) {
			r.log.Warn("Allowance too low, operator approve required", "asset", asset, "allowance", allowance, "needed", amount)
			return nil
		}
		tx, err = r.broker.chain.DepositERC20(ctx, amount, asset)
	}
	if err != nil {
		return err
	}
	r.log.Info("Liability deposit broadcast", "asset", asset, "amount", amount, "hash", tx.TransactionHash)
	return r.broker.Store().InsertTransaction(*tx)
}

// getExchangeForWithdraw picks the first venue, in configuration order,
// whose last known balance exceeds the shortfall plus fee (at least the
// venue minimum).
func (r *Reconciler) getExchangeForWithdraw(ctx context.Context, remaining decimal.Decimal, currency string) (exchange.Exchange, decimal.Decimal, bool) {
	r.snapMu.RLock()
	snap := r.snapshot
	r.snapMu.RUnlock()

	for _, name := range snap.order {
		venue, ok := r.broker.Venue(name)
		if !ok || !venue.HasWithdraw() {
			continue
		}
		limit, err := venue.GetWithdrawLimit(ctx, currency)
		if err != nil {
			r.log.Debug("No withdraw limit", "venue", name, "currency", currency, "err", err)
			continue
		}
		amountWithFee := remaining.Add(limit.Fee)
		if amountWithFee.LessThan(limit.Min) {
			amountWithFee = limit.Min
		}
		if balance, ok := snap.balances[name][currency]; ok && balance.GreaterThan(amountWithFee) {
			return venue, amountWithFee, true
		}
	}
	return nil, decimal.Zero, false
}

// LastBalances returns the current snapshot for the operator API.
func (r *Reconciler) LastBalances() map[string]map[string]decimal.Decimal {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()
	return r.snapshot.balances
}

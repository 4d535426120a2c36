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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orionprotocol/orion-broker/chain"
	"github.com/orionprotocol/orion-broker/exchange"
	"github.com/orionprotocol/orion-broker/hub"
	"github.com/orionprotocol/orion-broker/store"
	"github.com/orionprotocol/orion-broker/tokens"
)

// fakeVenue is a scriptable exchange adapter.
type fakeVenue struct {
	name         string
	cb           exchange.TradeCallback
	rejectSubmit bool

	mu          sync.Mutex
	submitCalls int
	cancels     []uint64
	checked     [][]exchange.SubOrder
	balances    map[string]decimal.Decimal

	withdrawable bool
	limit        exchange.WithdrawLimit
	limitErr     error
	withdrawOK   bool
	withdrawals  []fakeWithdrawal
}

type fakeWithdrawal struct {
	currency string
	amount   decimal.Decimal
	address  string
}

func newFakeVenue(name string) *fakeVenue {
	return &fakeVenue{name: name, withdrawOK: true}
}

func (v *fakeVenue) Name() string                                 { return v.name }
func (v *fakeVenue) RegisterTradeCallback(cb exchange.TradeCallback) { v.cb = cb }

func (v *fakeVenue) SubmitSubOrder(ctx context.Context, id uint64, symbol string, side exchange.Side, amount, price decimal.Decimal) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.submitCalls++
	if v.rejectSubmit {
		return "", &exchange.SubmitError{Venue: v.name, Reason: "insufficient funds"}
	}
	return fmt.Sprintf("e%d", id), nil
}

func (v *fakeVenue) CancelSubOrder(ctx context.Context, sub exchange.SubOrder) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancels = append(v.cancels, sub.ID)
	return nil
}

func (v *fakeVenue) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(v.balances))
	for k, b := range v.balances {
		out[k] = b
	}
	return out, nil
}

func (v *fakeVenue) CheckSubOrders(ctx context.Context, subs []exchange.SubOrder) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.checked = append(v.checked, subs)
	return nil
}

func (v *fakeVenue) HasWithdraw() bool { return v.withdrawable }

func (v *fakeVenue) GetWithdrawLimit(ctx context.Context, currency string) (exchange.WithdrawLimit, error) {
	if v.limitErr != nil {
		return exchange.WithdrawLimit{}, v.limitErr
	}
	return v.limit, nil
}

func (v *fakeVenue) Withdraw(ctx context.Context, currency string, amount decimal.Decimal, address string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.withdrawOK {
		return "", false
	}
	v.withdrawals = append(v.withdrawals, fakeWithdrawal{currency, amount, address})
	return fmt.Sprintf("w%d", len(v.withdrawals)), true
}

func (v *fakeVenue) CheckWithdraws(ctx context.Context, ws []exchange.Withdraw) ([]exchange.WithdrawStatusUpdate, error) {
	out := make([]exchange.WithdrawStatusUpdate, 0, len(ws))
	for _, w := range ws {
		out = append(out, exchange.WithdrawStatusUpdate{ExchangeWithdrawID: w.ExchangeWithdrawID, Status: exchange.WithdrawOk})
	}
	return out, nil
}

// stubGateway records outbound hub traffic.
type stubGateway struct {
	mu       sync.Mutex
	statuses []hub.SubOrderStatus
	sends    int
	last     string
}

func (g *stubGateway) Connect(address string, tm int64, signature string) error { return nil }

func (g *stubGateway) SendSubOrderStatus(st hub.SubOrderStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses = append(g.statuses, st)
	return nil
}

func (g *stubGateway) SendBalances(balances map[string]map[string]string) error {
	blob, err := json.Marshal(balances)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends++
	g.last = string(blob)
	return nil
}

func (g *stubGateway) Register(meta map[string]interface{}) error { return nil }

func (g *stubGateway) LastBalancesJSON() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// stubChain is a ChainClient with canned reads and recorded writes, signing
// with a real key so settlement orders are authentic.
type stubChain struct {
	*chain.Signer

	mu          sync.Mutex
	wallet      map[string]decimal.Decimal
	allowance   decimal.Decimal
	liabilities []chain.Liability
	txStatus    map[string]chain.TxStatus
	deposits    []chain.Transaction
}

func newStubChain(t *testing.T) *stubChain {
	t.Helper()
	key, err := crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	require.NoError(t, err)
	registry := tokens.NewRegistry([]tokens.Token{
		{Symbol: "BTC", Address: common.HexToAddress("0x0000000000000000000000000000000000000b7c"), Decimals: 8},
		{Symbol: "USDT", Address: common.HexToAddress("0xdac17f958d2ee523a2206206994597c13d831ec7"), Decimals: 6},
		{Symbol: "ORN", Address: common.HexToAddress("0x0258f474786ddfd37abce6df6bbb1dd5dfc4434a"), Decimals: 8},
	})
	matcher := common.HexToAddress("0xfbcad2c3a90fbd94c335fbdf8e22573456da7f68")
	return &stubChain{
		Signer:   chain.NewSigner(key, matcher, 3, registry),
		wallet:   make(map[string]decimal.Decimal),
		txStatus: make(map[string]chain.TxStatus),
	}
}

func (c *stubChain) GetAllowance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return c.allowance, nil
}

func (c *stubChain) GetTransactionStatus(ctx context.Context, hash string) (chain.TxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.txStatus[hash]; ok {
		return s, nil
	}
	return chain.TxNone, nil
}

func (c *stubChain) GetLiabilities(ctx context.Context) ([]chain.Liability, error) {
	return c.liabilities, nil
}

func (c *stubChain) GetWalletBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	return c.wallet, nil
}

func (c *stubChain) GetContractBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	return nil, nil
}

func (c *stubChain) recordDeposit(method, asset string, amount decimal.Decimal) *chain.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx := chain.Transaction{
		TransactionHash: fmt.Sprintf("0xd%d", len(c.deposits)+1),
		Method:          method,
		Asset:           asset,
		Amount:          amount,
		CreateTime:      time.Now().UnixMilli(),
		Status:          chain.TxPending,
	}
	c.deposits = append(c.deposits, tx)
	return &tx
}

func (c *stubChain) DepositETH(ctx context.Context, amount decimal.Decimal) (*chain.Transaction, error) {
	return c.recordDeposit("deposit", "ETH", amount), nil
}

func (c *stubChain) DepositERC20(ctx context.Context, amount decimal.Decimal, asset string) (*chain.Transaction, error) {
	return c.recordDeposit("depositAsset", asset, amount), nil
}

type testEnv struct {
	broker  *Broker
	venue   *fakeVenue
	gateway *stubGateway
	chain   *stubChain
	store   *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	venue := newFakeVenue("X")
	gw := &stubGateway{}
	sc := newStubChain(t)
	b := New(st, []exchange.Exchange{venue}, sc, gw)
	return &testEnv{broker: b, venue: venue, gateway: gw, chain: sc, store: st}
}

func createReq(id uint64) hub.CreateSubOrder {
	return hub.CreateSubOrder{
		ID:       id,
		Symbol:   "BTC-USDT",
		Side:     exchange.Buy,
		Price:    decimal.RequireFromString("10000"),
		Amount:   decimal.RequireFromString("0.01"),
		Exchange: "X",
	}
}

func fillTrade(id uint64) exchange.Trade {
	return exchange.Trade{
		Exchange:        "X",
		ExchangeOrderID: fmt.Sprintf("e%d", id),
		Price:           decimal.RequireFromString("10000"),
		Amount:          decimal.RequireFromString("0.01"),
		Status:          exchange.StatusFilled,
	}
}

func TestCreateHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	st, err := env.broker.OnCreateSubOrder(ctx, createReq(1))
	require.NoError(t, err)
	require.NotNil(t, st.Status)
	assert.Equal(t, exchange.StatusAccepted, *st.Status)
	assert.Nil(t, st.BlockchainOrder)

	// Venue reports the fill.
	env.venue.cb(fillTrade(1))

	sub, err := env.store.GetSubOrderByID(1)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusFilled, sub.Status)
	assert.True(t, sub.FilledAmount.Equal(sub.Amount))

	check, err := env.broker.OnCheckSubOrder(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, check.Status)
	assert.Equal(t, exchange.StatusFilled, *check.Status)
	assert.Equal(t, "0.01", check.FilledAmount)

	bo := check.BlockchainOrder
	require.NotNil(t, bo)
	assert.Equal(t, uint64(1_000_000), bo.Amount)
	assert.Equal(t, uint64(1_000_000_000_000), bo.Price)
	assert.Equal(t, uint64(0), bo.MatcherFee)
	assert.Equal(t, uint8(1), bo.BuySide)
	assert.Equal(t, uint64(sub.Timestamp)+uint64(chain.DefaultExpiration), bo.Expiration)

	// The fill was pushed to the hub.
	env.gateway.mu.Lock()
	defer env.gateway.mu.Unlock()
	require.NotEmpty(t, env.gateway.statuses)
	last := env.gateway.statuses[len(env.gateway.statuses)-1]
	assert.Equal(t, exchange.StatusFilled, *last.Status)
	require.NotNil(t, last.BlockchainOrder)
}

func TestCreateVenueRejection(t *testing.T) {
	env := newTestEnv(t)
	env.venue.rejectSubmit = true

	st, err := env.broker.OnCreateSubOrder(context.Background(), createReq(2))
	require.NoError(t, err)
	require.NotNil(t, st.Status)
	assert.Equal(t, exchange.StatusRejected, *st.Status)
	assert.Nil(t, st.BlockchainOrder)

	resend, err := env.store.GetSubOrdersToResend()
	require.NoError(t, err)
	assert.Len(t, resend, 1)
}

func TestCreateIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	st1, err := env.broker.OnCreateSubOrder(ctx, createReq(4))
	require.NoError(t, err)
	st2, err := env.broker.OnCreateSubOrder(ctx, createReq(4))
	require.NoError(t, err)

	assert.Equal(t, 1, env.venue.submitCalls, "venue must be invoked exactly once")
	assert.Equal(t, st1, st2)

	sub, err := env.store.GetSubOrderByID(4)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusAccepted, sub.Status)
	assert.Equal(t, "e4", sub.ExchangeOrderID)
}

func TestHubForcedRejection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.broker.OnCreateSubOrder(ctx, createReq(3))
	require.NoError(t, err)

	require.NoError(t, env.broker.OnSubOrderStatusAccepted(ctx, hub.StatusAck{ID: 3, Status: exchange.StatusRejected}))

	sub, err := env.store.GetSubOrderByID(3)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusRejected, sub.Status)
	assert.True(t, sub.SentToAggregator)
}

func TestHubRejectionNeverRegressesFilled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.broker.OnCreateSubOrder(ctx, createReq(5))
	require.NoError(t, err)
	env.venue.cb(fillTrade(5))

	require.NoError(t, env.broker.OnSubOrderStatusAccepted(ctx, hub.StatusAck{ID: 5, Status: exchange.StatusRejected}))

	sub, err := env.store.GetSubOrderByID(5)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusFilled, sub.Status)
	assert.False(t, sub.SentToAggregator)
}

func TestAckStopsResend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.broker.OnCreateSubOrder(ctx, createReq(6))
	require.NoError(t, err)
	env.venue.cb(fillTrade(6))

	resend, err := env.store.GetSubOrdersToResend()
	require.NoError(t, err)
	require.Len(t, resend, 1)

	require.NoError(t, env.broker.OnSubOrderStatusAccepted(ctx, hub.StatusAck{ID: 6, Status: exchange.StatusFilled}))

	sub, err := env.store.GetSubOrderByID(6)
	require.NoError(t, err)
	assert.True(t, sub.SentToAggregator)
	resend, err = env.store.GetSubOrdersToResend()
	require.NoError(t, err)
	assert.Empty(t, resend)
}

func TestAckOfOpenStatusIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.broker.OnCreateSubOrder(ctx, createReq(7))
	require.NoError(t, err)
	require.NoError(t, env.broker.OnSubOrderStatusAccepted(ctx, hub.StatusAck{ID: 7, Status: exchange.StatusAccepted}))

	sub, err := env.store.GetSubOrderByID(7)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusAccepted, sub.Status)
	assert.False(t, sub.SentToAggregator)
}

func TestTerminalStatusSticky(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.broker.OnCreateSubOrder(ctx, createReq(8))
	require.NoError(t, err)
	env.venue.cb(fillTrade(8))

	// A late cancellation event must not unseat the fill.
	late := fillTrade(8)
	late.Status = exchange.StatusCanceled
	late.Amount = decimal.Zero
	env.venue.cb(late)

	sub, err := env.store.GetSubOrderByID(8)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusFilled, sub.Status)
}

func TestPartialFillRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.broker.OnCreateSubOrder(ctx, createReq(9))
	require.NoError(t, err)

	partial := fillTrade(9)
	partial.Amount = decimal.RequireFromString("0.005")
	env.venue.cb(partial)

	sub, err := env.store.GetSubOrderByID(9)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusAccepted, sub.Status, "partial fill must not mutate state")
	trades, err := env.store.GetSubOrderTrades(*sub)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestCanceledTradeRecordsNoTrade(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.broker.OnCreateSubOrder(ctx, createReq(10))
	require.NoError(t, err)

	canceled := fillTrade(10)
	canceled.Status = exchange.StatusCanceled
	canceled.Amount = decimal.Zero
	env.venue.cb(canceled)

	sub, err := env.store.GetSubOrderByID(10)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusCanceled, sub.Status)
	trades, err := env.store.GetSubOrderTrades(*sub)
	require.NoError(t, err)
	assert.Empty(t, trades, "zero-fill cancellation stores no trade")

	check, err := env.broker.OnCheckSubOrder(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, check.BlockchainOrder)
}

func TestCancelSubOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.broker.OnCancelSubOrder(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)

	// PREPARE: the in-flight placement cannot be revoked yet.
	require.NoError(t, env.store.InsertSubOrder(exchange.SubOrder{
		ID: 11, Symbol: "BTC-USDT", Side: exchange.Buy, Exchange: "X",
		Status: exchange.StatusPrepare, Timestamp: time.Now().UnixMilli(),
	}))
	st, err := env.broker.OnCancelSubOrder(ctx, 11)
	require.NoError(t, err)
	assert.Nil(t, st)

	// ACCEPTED: advisory cancel goes to the venue, no status yet.
	_, err = env.broker.OnCreateSubOrder(ctx, createReq(12))
	require.NoError(t, err)
	st, err = env.broker.OnCancelSubOrder(ctx, 12)
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Equal(t, []uint64{12}, env.venue.cancels)

	// Terminal: answered like a check.
	env.venue.cb(fillTrade(12))
	st, err = env.broker.OnCancelSubOrder(ctx, 12)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, exchange.StatusFilled, *st.Status)
}

func TestCheckUnknownID(t *testing.T) {
	env := newTestEnv(t)
	st, err := env.broker.OnCheckSubOrder(context.Background(), 404)
	require.NoError(t, err)
	assert.Nil(t, st.Status)
	assert.Equal(t, "0", st.FilledAmount)
	assert.Nil(t, st.BlockchainOrder)
}

func TestCheckReportsPrepareAsAccepted(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.InsertSubOrder(exchange.SubOrder{
		ID: 13, Symbol: "BTC-USDT", Side: exchange.Buy, Exchange: "X",
		Status: exchange.StatusPrepare, Timestamp: time.Now().UnixMilli(),
	}))
	st, err := env.broker.OnCheckSubOrder(context.Background(), 13)
	require.NoError(t, err)
	require.NotNil(t, st.Status)
	assert.Equal(t, exchange.StatusAccepted, *st.Status)
}

func TestSignatureStableAcrossChecks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.broker.OnCreateSubOrder(ctx, createReq(14))
	require.NoError(t, err)
	env.venue.cb(fillTrade(14))

	c1, err := env.broker.OnCheckSubOrder(ctx, 14)
	require.NoError(t, err)
	c2, err := env.broker.OnCheckSubOrder(ctx, 14)
	require.NoError(t, err)
	require.NotNil(t, c1.BlockchainOrder)
	require.NotNil(t, c2.BlockchainOrder)
	assert.Equal(t, c1.BlockchainOrder.ID, c2.BlockchainOrder.ID)
	assert.Equal(t, c1.BlockchainOrder.Signature, c2.BlockchainOrder.Signature)
}

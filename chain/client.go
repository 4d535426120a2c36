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

// Package chain talks to the blockchain gateway: balance and liability
// reads, transaction broadcast, order hashing and typed-data signing.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/orionprotocol/orion-broker/tokens"
)

// TxStatus is the gateway-reported state of a broadcast transaction.
type TxStatus string

const (
	TxPending TxStatus = "PENDING"
	TxOk      TxStatus = "OK"
	TxFail    TxStatus = "FAIL"
	TxNone    TxStatus = "NONE"
)

// Terminal reports whether the status is sticky.
func (s TxStatus) Terminal() bool { return s == TxOk || s == TxFail }

// Transaction records one on-chain write issued by the broker.
type Transaction struct {
	TransactionHash string          `json:"transactionHash"`
	Method          string          `json:"method"`
	Asset           string          `json:"asset"`
	Amount          decimal.Decimal `json:"amount"`
	CreateTime      int64           `json:"createTime"` // ms since epoch
	Status          TxStatus        `json:"status"`
}

// Liability is an on-chain-reported debt of the broker to the settlement
// contract. OutstandingAmount is in human units.
type Liability struct {
	AssetName         string
	OutstandingAmount decimal.Decimal
	Timestamp         int64 // ms since epoch
}

// Write aborts and sentinel errors.
var (
	ErrGasPriceTooHigh  = errors.New("chain: network gas price above 300 gwei")
	ErrUnknownAsset     = errors.New("chain: asset not in token registry")
	ErrNonceUnavailable = errors.New("chain: gateway returned no nonce")
)

// Fixed gas limits per contract method.
const (
	gasLimitDepositETH   = 70_000
	gasLimitDepositERC20 = 150_000
	gasLimitWithdraw     = 150_000
	gasLimitApprove      = 70_000
	gasLimitLockStake    = 70_000
	gasLimitReleaseStake = 100_000
)

// maxGasPriceGwei caps the gas price accepted from the feed.
const maxGasPriceGwei = 300

// Client is the single-instance blockchain gateway client. It is stateless
// apart from its contract handles and safe for concurrent use.
type Client struct {
	*Signer

	gatewayURL string
	feedURL    string
	contract   common.Address
	registry   *tokens.Registry
	http       *http.Client
	log        log.Logger
}

// NewClient wires a gateway client around a signer.
func NewClient(signer *Signer, gatewayURL, feedURL string, contract common.Address, registry *tokens.Registry) *Client {
	return &Client{
		Signer:     signer,
		gatewayURL: gatewayURL,
		feedURL:    feedURL,
		contract:   contract,
		registry:   registry,
		http:       &http.Client{Timeout: 15 * time.Second},
		log:        log.New("module", "chain"),
	}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gatewayURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain: gateway %s: status %d", path, resp.StatusCode)
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	return dec.Decode(out)
}

// GetAllowance returns the broker's ERC-20 allowance for the settlement
// contract, in human units.
func (c *Client) GetAllowance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var raw json.Number
	path := fmt.Sprintf("/broker/getAllowance/%s/%s", c.Address().Hex(), asset)
	if err := c.get(ctx, path, &raw); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw.String())
}

// GetNonce fetches the broker's next account nonce from the gateway.
func (c *Client) GetNonce(ctx context.Context) (uint64, error) {
	var raw json.Number
	if err := c.get(ctx, "/broker/getNonce/"+c.Address().Hex(), &raw); err != nil {
		return 0, ErrNonceUnavailable
	}
	n, err := raw.Int64()
	if err != nil || n < 0 {
		return 0, ErrNonceUnavailable
	}
	return uint64(n), nil
}

// GetStake returns the broker's locked stake in human units.
func (c *Client) GetStake(ctx context.Context) (decimal.Decimal, error) {
	var raw json.Number
	if err := c.get(ctx, "/broker/getStake/"+c.Address().Hex(), &raw); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw.String())
}

// GetTransactionStatus asks the gateway for the state of a broadcast hash.
func (c *Client) GetTransactionStatus(ctx context.Context, hash string) (TxStatus, error) {
	var out struct {
		Status TxStatus `json:"status"`
	}
	if err := c.get(ctx, "/broker/getTransactionStatus/"+hash, &out); err != nil {
		return "", err
	}
	switch out.Status {
	case TxPending, TxOk, TxFail, TxNone:
		return out.Status, nil
	}
	return "", fmt.Errorf("chain: unknown transaction status %q", out.Status)
}

// GetLiabilities lists the broker's unresolved settlement debts. The gateway
// reports amounts in 1e8 base units; they are normalized to human units here.
func (c *Client) GetLiabilities(ctx context.Context) ([]Liability, error) {
	var raw []struct {
		AssetName         string      `json:"assetName"`
		OutstandingAmount json.Number `json:"outstandingAmount"`
		Timestamp         int64       `json:"timestamp"`
	}
	if err := c.get(ctx, "/broker/getLiabilities/"+c.Address().Hex(), &raw); err != nil {
		return nil, err
	}
	out := make([]Liability, 0, len(raw))
	for _, l := range raw {
		units, err := decimal.NewFromString(l.OutstandingAmount.String())
		if err != nil {
			return nil, fmt.Errorf("chain: bad liability amount %q: %v", l.OutstandingAmount, err)
		}
		out = append(out, Liability{
			AssetName:         l.AssetName,
			OutstandingAmount: FromBaseUnits(units),
			Timestamp:         l.Timestamp,
		})
	}
	return out, nil
}

func (c *Client) getBalanceMap(ctx context.Context, path string) (map[string]decimal.Decimal, error) {
	var raw map[string]json.Number
	if err := c.get(ctx, path, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for sym, v := range raw {
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return nil, fmt.Errorf("chain: bad balance for %s: %v", sym, err)
		}
		out[sym] = d
	}
	return out, nil
}

// GetContractBalance returns the broker's balances inside the settlement
// contract, in human units.
func (c *Client) GetContractBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	return c.getBalanceMap(ctx, "/broker/getContractBalance/"+c.Address().Hex())
}

// GetWalletBalance returns the broker wallet's on-chain balances in human
// units.
func (c *Client) GetWalletBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	return c.getBalanceMap(ctx, "/broker/getWalletBalance/"+c.Address().Hex())
}

// gasPrice reads the external gwei feed, takes the "fast" value divided by
// ten rounded up, and rejects anything above the 300 gwei cap.
func (c *Client) gasPrice(ctx context.Context) (*big.Int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var feed struct {
		Fast json.Number `json:"fast"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&feed); err != nil {
		return nil, err
	}
	fast, err := decimal.NewFromString(feed.Fast.String())
	if err != nil {
		return nil, fmt.Errorf("chain: bad gas feed value %q: %v", feed.Fast, err)
	}
	gwei := fast.Shift(-1).Ceil()
	if gwei.GreaterThan(decimal.NewFromInt(maxGasPriceGwei)) {
		return nil, ErrGasPriceTooHigh
	}
	return gwei.Shift(9).BigInt(), nil
}

// broadcast populates, signs and POSTs a legacy transaction, returning its
// pending Transaction record. It aborts before broadcast on gas or nonce
// failures.
func (c *Client) broadcast(ctx context.Context, to common.Address, value *big.Int, gasLimit uint64, data []byte, method, asset string, amount decimal.Decimal) (*Transaction, error) {
	gasPrice, err := c.gasPrice(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := c.GetNonce(ctx)
	if err != nil {
		return nil, err
	}
	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(c.chainID)), c.key)
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]string{"signedTxRaw": hexutil.Encode(raw)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL+"/broker/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chain: execute: status %d", resp.StatusCode)
	}
	c.log.Info("Transaction broadcast", "method", method, "asset", asset, "amount", amount, "hash", signed.Hash())
	return &Transaction{
		TransactionHash: signed.Hash().Hex(),
		Method:          method,
		Asset:           asset,
		Amount:          amount,
		CreateTime:      time.Now().UnixMilli(),
		Status:          TxPending,
	}, nil
}

// DepositETH moves native coin from the wallet into the settlement contract.
func (c *Client) DepositETH(ctx context.Context, amount decimal.Decimal) (*Transaction, error) {
	data, err := exchangeABI.Pack("deposit")
	if err != nil {
		return nil, err
	}
	value := amount.Shift(18).BigInt()
	return c.broadcast(ctx, c.contract, value, gasLimitDepositETH, data, "deposit", tokens.EthSymbol, amount)
}

// DepositERC20 moves an ERC-20 asset from the wallet into the settlement
// contract. The allowance must already cover the amount.
func (c *Client) DepositERC20(ctx context.Context, amount decimal.Decimal, asset string) (*Transaction, error) {
	addr, err := c.registry.Address(asset)
	if err != nil {
		return nil, ErrUnknownAsset
	}
	units, err := ToBaseUnits(amount)
	if err != nil {
		return nil, err
	}
	data, err := exchangeABI.Pack("depositAsset", addr, new(big.Int).SetUint64(units))
	if err != nil {
		return nil, err
	}
	return c.broadcast(ctx, c.contract, common.Big0, gasLimitDepositERC20, data, "depositAsset", asset, amount)
}

// Withdraw pulls an asset out of the settlement contract back to the wallet.
func (c *Client) Withdraw(ctx context.Context, amount decimal.Decimal, asset string) (*Transaction, error) {
	addr, err := c.registry.Address(asset)
	if err != nil {
		return nil, ErrUnknownAsset
	}
	units, err := ToBaseUnits(amount)
	if err != nil {
		return nil, err
	}
	data, err := exchangeABI.Pack("withdraw", addr, new(big.Int).SetUint64(units))
	if err != nil {
		return nil, err
	}
	return c.broadcast(ctx, c.contract, common.Big0, gasLimitWithdraw, data, "withdraw", asset, amount)
}

// ApproveERC20 grants the settlement contract an allowance on a token, in
// the token's own decimals.
func (c *Client) ApproveERC20(ctx context.Context, amount decimal.Decimal, asset string) (*Transaction, error) {
	addr, err := c.registry.Address(asset)
	if err != nil {
		return nil, ErrUnknownAsset
	}
	decimals, err := c.registry.Decimals(asset)
	if err != nil {
		return nil, ErrUnknownAsset
	}
	units := amount.Shift(decimals).BigInt()
	data, err := erc20ABI.Pack("approve", c.contract, units)
	if err != nil {
		return nil, err
	}
	return c.broadcast(ctx, addr, common.Big0, gasLimitApprove, data, "approve", asset, amount)
}

// LockStake locks ORN stake inside the settlement contract.
func (c *Client) LockStake(ctx context.Context, amount decimal.Decimal) (*Transaction, error) {
	units, err := ToBaseUnits(amount)
	if err != nil {
		return nil, err
	}
	data, err := exchangeABI.Pack("lockStake", units)
	if err != nil {
		return nil, err
	}
	return c.broadcast(ctx, c.contract, common.Big0, gasLimitLockStake, data, "lockStake", tokens.FeeSymbol, amount)
}

// ReleaseStake requests release of the locked stake.
func (c *Client) ReleaseStake(ctx context.Context) (*Transaction, error) {
	data, err := exchangeABI.Pack("requestReleaseStake")
	if err != nil {
		return nil, err
	}
	return c.broadcast(ctx, c.contract, common.Big0, gasLimitReleaseStake, data, "requestReleaseStake", tokens.FeeSymbol, decimal.Zero)
}

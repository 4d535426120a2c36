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

package chain

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"github.com/orionprotocol/orion-broker/exchange"
	"github.com/orionprotocol/orion-broker/tokens"
)

const (
	// DefaultExpiration is added to the sub-order timestamp to produce the
	// signed order expiration, in milliseconds.
	DefaultExpiration = 29 * 24 * 60 * 60 * 1000

	// orderTag is the domain separator prepended to the canonical order
	// bytes before hashing.
	orderTag = 0x03

	// baseUnitShift scales human amounts into the 1e8 integer representation
	// used by on-chain order fields.
	baseUnitShift = 8
)

// domainSalt is fixed by the settlement contract's EIP-712 domain.
const domainSalt = "0xf2d857f4a3edcb9b78b4d503bfe733db1e3f6cdc2b7971ee739626c97e86a557"

// BlockchainOrder is the signed settlement payload handed to the aggregator
// for every filled or canceled sub-order.
type BlockchainOrder struct {
	ID               string `json:"id"` // keccak-256 of the canonical order bytes
	SenderAddress    string `json:"senderAddress"`
	MatcherAddress   string `json:"matcherAddress"`
	BaseAsset        string `json:"baseAsset"`
	QuoteAsset       string `json:"quoteAsset"`
	MatcherFeeAsset  string `json:"matcherFeeAsset"`
	Amount           uint64 `json:"amount"`
	Price            uint64 `json:"price"`
	MatcherFee       uint64 `json:"matcherFee"`
	Nonce            uint64 `json:"nonce"`
	Expiration       uint64 `json:"expiration"`
	BuySide          uint8  `json:"buySide"`
	Signature        string `json:"signature"`
}

// HashOrder returns the keccak-256 digest of the canonical order encoding:
// the 0x03 tag, the five 20-byte addresses, the five 8-byte big-endian
// unsigned integers and the side byte, concatenated in order.
func HashOrder(o *BlockchainOrder) common.Hash {
	var buf bytes.Buffer
	buf.WriteByte(orderTag)
	buf.Write(common.HexToAddress(o.SenderAddress).Bytes())
	buf.Write(common.HexToAddress(o.MatcherAddress).Bytes())
	buf.Write(common.HexToAddress(o.BaseAsset).Bytes())
	buf.Write(common.HexToAddress(o.QuoteAsset).Bytes())
	buf.Write(common.HexToAddress(o.MatcherFeeAsset).Bytes())
	for _, v := range []uint64{o.Amount, o.Price, o.MatcherFee, o.Nonce, o.Expiration} {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}
	buf.WriteByte(o.BuySide)
	return crypto.Keccak256Hash(buf.Bytes())
}

// orderTypes is the EIP-712 type set for the settlement Order struct.
var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "salt", Type: "bytes32"},
	},
	"Order": {
		{Name: "senderAddress", Type: "address"},
		{Name: "matcherAddress", Type: "address"},
		{Name: "baseAsset", Type: "address"},
		{Name: "quoteAsset", Type: "address"},
		{Name: "matcherFeeAsset", Type: "address"},
		{Name: "amount", Type: "uint64"},
		{Name: "price", Type: "uint64"},
		{Name: "matcherFee", Type: "uint64"},
		{Name: "nonce", Type: "uint64"},
		{Name: "expiration", Type: "uint64"},
		{Name: "buySide", Type: "uint8"},
	},
}

// Signer turns terminal trades into signed settlement orders and
// authenticates the broker to the hub. Signing is a pure function of its
// inputs; identical inputs yield byte-identical output.
type Signer struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	matcher  common.Address
	chainID  int64
	registry *tokens.Registry
}

// NewSigner derives the broker address from the key.
func NewSigner(key *ecdsa.PrivateKey, matcher common.Address, chainID int64, registry *tokens.Registry) *Signer {
	return &Signer{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		matcher:  matcher,
		chainID:  chainID,
		registry: registry,
	}
}

// Address returns the broker's on-chain address.
func (s *Signer) Address() common.Address { return s.address }

// SignTrade builds and signs the settlement order for a sub-order and its
// terminal trade. The nonce is the sub-order creation timestamp and the
// matcher fee is zero under the current protocol.
func (s *Signer) SignTrade(sub exchange.SubOrder, trade exchange.Trade) (*BlockchainOrder, error) {
	base, quote, err := splitSymbol(sub.Symbol)
	if err != nil {
		return nil, err
	}
	baseAddr, err := s.registry.Address(base)
	if err != nil {
		return nil, ErrUnknownAsset
	}
	quoteAddr, err := s.registry.Address(quote)
	if err != nil {
		return nil, ErrUnknownAsset
	}
	feeAddr, err := s.registry.Address(tokens.FeeSymbol)
	if err != nil {
		return nil, ErrUnknownAsset
	}
	amount, err := ToBaseUnits(trade.Amount)
	if err != nil {
		return nil, err
	}
	price, err := ToBaseUnits(trade.Price)
	if err != nil {
		return nil, err
	}
	o := &BlockchainOrder{
		SenderAddress:   s.address.Hex(),
		MatcherAddress:  s.matcher.Hex(),
		BaseAsset:       baseAddr.Hex(),
		QuoteAsset:      quoteAddr.Hex(),
		MatcherFeeAsset: feeAddr.Hex(),
		Amount:          amount,
		Price:           price,
		MatcherFee:      0,
		Nonce:           uint64(sub.Timestamp),
		Expiration:      uint64(sub.Timestamp) + DefaultExpiration,
	}
	if sub.Side == exchange.Buy {
		o.BuySide = 1
	}
	o.ID = HashOrder(o).Hex()

	sig, err := s.signTypedData(o)
	if err != nil {
		return nil, err
	}
	o.Signature = sig
	return o, nil
}

func (s *Signer) signTypedData(o *BlockchainOrder) (string, error) {
	td := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:    "Orion Exchange",
			Version: "1",
			ChainId: math.NewHexOrDecimal256(s.chainID),
			Salt:    domainSalt,
		},
		Message: apitypes.TypedDataMessage{
			"senderAddress":   o.SenderAddress,
			"matcherAddress":  o.MatcherAddress,
			"baseAsset":       o.BaseAsset,
			"quoteAsset":      o.QuoteAsset,
			"matcherFeeAsset": o.MatcherFeeAsset,
			"amount":          math.NewHexOrDecimal256(int64(o.Amount)),
			"price":           math.NewHexOrDecimal256(int64(o.Price)),
			"matcherFee":      math.NewHexOrDecimal256(int64(o.MatcherFee)),
			"nonce":           math.NewHexOrDecimal256(int64(o.Nonce)),
			"expiration":      math.NewHexOrDecimal256(int64(o.Expiration)),
			"buySide":         math.NewHexOrDecimal256(int64(o.BuySide)),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return "", fmt.Errorf("chain: typed data hash: %w", err)
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// Sign produces the EIP-191 personal-message signature of a payload, used to
// authenticate the broker to the hub.
func (s *Signer) Sign(payload string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(payload)), s.key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// ToBaseUnits converts a human decimal into the 1e8 integer representation
// used by signed order fields.
func ToBaseUnits(d decimal.Decimal) (uint64, error) {
	v := d.Shift(baseUnitShift).Round(0)
	bi := v.BigInt()
	if bi.Sign() < 0 || !bi.IsUint64() {
		return 0, fmt.Errorf("chain: amount %s out of range for base units", d)
	}
	return bi.Uint64(), nil
}

// FromBaseUnits converts a 1e8 base-unit integer back into a human decimal.
func FromBaseUnits(v decimal.Decimal) decimal.Decimal {
	return v.Shift(-baseUnitShift)
}

func splitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("chain: malformed symbol %q", symbol)
	}
	return parts[0], parts[1], nil
}

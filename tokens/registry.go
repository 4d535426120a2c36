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

// Package tokens holds the process-wide registry mapping exchange currency
// symbols to on-chain asset addresses. The registry is initialized once at
// startup and shared by the chain client and the exchange adapters.
package tokens

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// EthSymbol is the native coin. Its asset address on the settlement contract
// is the zero address.
const EthSymbol = "ETH"

// FeeSymbol is the asset all signed orders denominate their matcher fee in.
const FeeSymbol = "ORN"

// Token describes a single known asset.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// Registry is an immutable symbol -> token lookup. It is safe for concurrent
// use without locking because it is never mutated after construction.
type Registry struct {
	bySymbol map[string]Token
	symbols  []string
}

// NewRegistry builds a registry from the configured token list. ETH is always
// present, mapped to the zero address with 18 decimals.
func NewRegistry(list []Token) *Registry {
	r := &Registry{bySymbol: make(map[string]Token)}
	r.add(Token{Symbol: EthSymbol, Address: common.Address{}, Decimals: 18})
	for _, t := range list {
		r.add(t)
	}
	return r
}

func (r *Registry) add(t Token) {
	if _, ok := r.bySymbol[t.Symbol]; ok {
		return
	}
	r.bySymbol[t.Symbol] = t
	r.symbols = append(r.symbols, t.Symbol)
}

// Address returns the on-chain address for a symbol.
func (r *Registry) Address(symbol string) (common.Address, error) {
	t, ok := r.bySymbol[symbol]
	if !ok {
		return common.Address{}, fmt.Errorf("tokens: unknown asset %q", symbol)
	}
	return t.Address, nil
}

// Decimals returns the ERC-20 decimals for a symbol.
func (r *Registry) Decimals(symbol string) (int32, error) {
	t, ok := r.bySymbol[symbol]
	if !ok {
		return 0, fmt.Errorf("tokens: unknown asset %q", symbol)
	}
	return t.Decimals, nil
}

// Known reports whether the symbol maps to a chain-recognized asset. Exchange
// adapters use it to filter balance reports down to settleable currencies.
func (r *Registry) Known(symbol string) bool {
	_, ok := r.bySymbol[symbol]
	return ok
}

// Symbols returns all registered symbols in registration order.
func (r *Registry) Symbols() []string {
	out := make([]string, len(r.symbols))
	copy(out, r.symbols)
	return out
}

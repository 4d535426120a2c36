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

package tokens

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEthAlwaysPresent(t *testing.T) {
	r := NewRegistry(nil)
	addr, err := r.Address(EthSymbol)
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, addr)
	dec, err := r.Decimals(EthSymbol)
	require.NoError(t, err)
	assert.Equal(t, int32(18), dec)
}

func TestRegistryLookups(t *testing.T) {
	usdt := common.HexToAddress("0xdac17f958d2ee523a2206206994597c13d831ec7")
	r := NewRegistry([]Token{{Symbol: "USDT", Address: usdt, Decimals: 6}})

	addr, err := r.Address("USDT")
	require.NoError(t, err)
	assert.Equal(t, usdt, addr)
	assert.True(t, r.Known("USDT"))
	assert.False(t, r.Known("DOGE"))
	_, err = r.Address("DOGE")
	assert.Error(t, err)

	assert.Equal(t, []string{EthSymbol, "USDT"}, r.Symbols())
}

func TestRegistryFirstDeclarationWins(t *testing.T) {
	a := common.HexToAddress("0x0000000000000000000000000000000000000001")
	b := common.HexToAddress("0x0000000000000000000000000000000000000002")
	r := NewRegistry([]Token{
		{Symbol: "ORN", Address: a, Decimals: 8},
		{Symbol: "ORN", Address: b, Decimals: 8},
	})
	addr, err := r.Address("ORN")
	require.NoError(t, err)
	assert.Equal(t, a, addr)
}

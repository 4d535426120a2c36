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

// Package config loads the broker TOML configuration file.
package config

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Config is the top-level broker configuration.
type Config struct {
	// DataDir is the directory for the leveldb store.
	DataDir string `toml:"datadir"`

	// Production selects chain id 1; any other value selects chain id 3.
	Production bool `toml:"production"`

	// PrivateKey is the broker's hex-encoded secp256k1 key. It signs the hub
	// handshake, settlement orders and on-chain transactions.
	PrivateKey string `toml:"private_key"`

	Hub      HubConfig              `toml:"hub"`
	Gateway  GatewayConfig          `toml:"gateway"`
	Broker   BrokerConfig           `toml:"broker"`
	REST     RESTConfig             `toml:"rest"`
	Emulator EmulatorConfig         `toml:"emulator"`
	Venues   map[string]VenueConfig `toml:"venues"`
	Tokens   []TokenConfig          `toml:"tokens"`
}

// HubConfig describes the aggregator connection.
type HubConfig struct {
	URL string `toml:"url"`
}

// GatewayConfig describes the blockchain gateway and gas price feed.
type GatewayConfig struct {
	URL              string `toml:"url"`
	GasPriceFeedURL  string `toml:"gas_price_feed_url"`
	MatcherAddress   string `toml:"matcher_address"`
	ExchangeContract string `toml:"exchange_contract"`
}

// BrokerConfig tunes the reconciler.
type BrokerConfig struct {
	// DuePeriodSeconds is the grace period before an outstanding liability
	// is discharged.
	DuePeriodSeconds int64 `toml:"due_period_seconds"`
}

// RESTConfig describes the operator HTTP listener.
type RESTConfig struct {
	Addr string `toml:"addr"`
}

// EmulatorConfig enables the built-in emulated venue, used for dry runs.
type EmulatorConfig struct {
	Enabled  bool              `toml:"enabled"`
	Balances map[string]string `toml:"balances"`
}

// VenueConfig carries per-exchange credentials.
type VenueConfig struct {
	Key    string `toml:"key"`
	Secret string `toml:"secret"`
}

// TokenConfig declares one chain-recognized asset.
type TokenConfig struct {
	Symbol   string `toml:"symbol"`
	Address  string `toml:"address"`
	Decimals int32  `toml:"decimals"`
}

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir: "brokerdata",
		Broker:  BrokerConfig{DuePeriodSeconds: 4 * 24 * 60 * 60},
		REST:    RESTConfig{Addr: "127.0.0.1:4012"},
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PrivateKey == "" {
		return errors.New("config: private_key is required")
	}
	if c.Hub.URL == "" {
		return errors.New("config: hub.url is required")
	}
	if c.Gateway.URL == "" {
		return errors.New("config: gateway.url is required")
	}
	for _, t := range c.Tokens {
		if t.Symbol != "ETH" && !common.IsHexAddress(t.Address) {
			return fmt.Errorf("config: token %s has invalid address %q", t.Symbol, t.Address)
		}
	}
	if c.Gateway.MatcherAddress != "" && !common.IsHexAddress(c.Gateway.MatcherAddress) {
		return fmt.Errorf("config: invalid matcher address %q", c.Gateway.MatcherAddress)
	}
	return nil
}

// ChainID returns the settlement chain id derived from the Production flag.
func (c *Config) ChainID() int64 {
	if c.Production {
		return 1
	}
	return 3
}

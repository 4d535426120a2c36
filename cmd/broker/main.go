// Copyright 2026 The orion-broker Authors
// This file is part of orion-broker.
//
// orion-broker is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// orion-broker is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with orion-broker. If not, see <http://www.gnu.org/licenses/>.

// broker is the Orion broker agent: it accepts sub-orders from the
// aggregator, places them on exchanges, signs the fills for on-chain
// settlement and reconciles settlement liabilities.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/orionprotocol/orion-broker/broker"
	"github.com/orionprotocol/orion-broker/config"
	"github.com/orionprotocol/orion-broker/exchange"
	"github.com/orionprotocol/orion-broker/rest"
	"github.com/orionprotocol/orion-broker/store"
	"github.com/orionprotocol/orion-broker/tokens"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "Path to the TOML configuration file",
		Value: "broker.toml",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	emulatorFlag = &cli.BoolFlag{
		Name:  "emulator",
		Usage: "Force the emulated venue regardless of configuration",
	}
)

func main() {
	app := &cli.App{
		Name:   "broker",
		Usage:  "Orion broker agent",
		Flags:  []cli.Flag{configFlag, verbosityFlag, emulatorFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Fatal:", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)), false)
	log.SetDefault(log.NewLogger(handler))

	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}

	list := make([]tokens.Token, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		list = append(list, tokens.Token{
			Symbol:   t.Symbol,
			Address:  common.HexToAddress(t.Address),
			Decimals: t.Decimals,
		})
	}
	registry := tokens.NewRegistry(list)

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	venues, err := buildVenues(cfg, ctx.Bool(emulatorFlag.Name))
	if err != nil {
		return err
	}

	sup, err := broker.NewSupervisor(cfg, st, venues, registry)
	if err != nil {
		return err
	}
	api := rest.NewServer(st, sup.Reconciler().LastBalances)
	sup.SetUpdateCallback(api.PushSubOrder)
	if err := api.Start(cfg.REST.Addr); err != nil {
		return err
	}
	defer api.Stop()

	if err := sup.Start(); err != nil {
		return err
	}
	defer sup.Stop()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	log.Info("Shutting down", "signal", sig)
	return nil
}

func buildVenues(cfg *config.Config, forceEmulator bool) ([]exchange.Exchange, error) {
	if !cfg.Emulator.Enabled && !forceEmulator {
		// Real venue adapters plug in here; until credentials are wired the
		// emulator is the only built-in.
		return nil, fmt.Errorf("no venues configured: enable the emulator or add venue adapters")
	}
	balances := make(map[string]decimal.Decimal, len(cfg.Emulator.Balances))
	for cur, v := range cfg.Emulator.Balances {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("bad emulator balance %s=%q: %v", cur, v, err)
		}
		balances[cur] = d
	}
	return []exchange.Exchange{exchange.NewEmulator("emulator", balances)}, nil
}

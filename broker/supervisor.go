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
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/orionprotocol/orion-broker/chain"
	"github.com/orionprotocol/orion-broker/config"
	"github.com/orionprotocol/orion-broker/exchange"
	"github.com/orionprotocol/orion-broker/hub"
	"github.com/orionprotocol/orion-broker/store"
	"github.com/orionprotocol/orion-broker/tokens"
)

// Supervisor wires the engine, the reconciler and the hub transport, and
// owns the lifecycle of the background loops. It embeds the engine so the
// transport sees the full inbound handler set, and adds the reconnect
// handling on top.
type Supervisor struct {
	*Broker

	cfg        *config.Config
	registry   *tokens.Registry
	socket     *hub.Socket
	reconciler *Reconciler
	log        log.Logger
}

// NewSupervisor constructs the full wiring: socket, engine, reconciler. The
// engine is built first and attached to the transport afterwards, breaking
// the broker/hub reference cycle.
func NewSupervisor(cfg *config.Config, st *store.Store, venues []exchange.Exchange, registry *tokens.Registry) (*Supervisor, error) {
	socket := hub.NewSocket(cfg.Hub.URL)
	b := New(st, venues, nil, socket)
	s := &Supervisor{
		Broker:   b,
		cfg:      cfg,
		registry: registry,
		socket:   socket,
		log:      log.New("module", "supervisor"),
	}
	s.reconciler = NewReconciler(b, time.Duration(cfg.Broker.DuePeriodSeconds)*time.Second)
	socket.SetHandlers(s)
	return s, nil
}

// Reconciler exposes the reconciler for the operator API.
func (s *Supervisor) Reconciler() *Reconciler { return s.reconciler }

// Start dials the hub and performs the initial ConnectToOrion.
func (s *Supervisor) Start() error {
	if err := s.socket.Start(); err != nil {
		return err
	}
	return s.ConnectToOrion()
}

// Stop halts the loops and closes the transport. In-flight store writes are
// already durable.
func (s *Supervisor) Stop() {
	s.reconciler.Stop()
	s.socket.Close()
}

// ConnectToOrion cancels any running loop timers, rebuilds the chain client,
// authenticates to the hub and registers all five loops.
func (s *Supervisor) ConnectToOrion() error {
	s.reconciler.Stop()

	client, err := s.buildChainClient()
	if err != nil {
		return err
	}
	s.SetChainClient(client)

	if err := s.connectToAggregator(); err != nil {
		return err
	}
	s.reconciler.Start()
	s.log.Info("Broker connected", "address", client.Address(), "chainId", s.cfg.ChainID())
	return nil
}

// OnReconnect reestablishes hub authentication after a transport drop. Loop
// timers survive the drop and are not restarted.
func (s *Supervisor) OnReconnect() {
	if err := s.connectToAggregator(); err != nil {
		s.log.Error("Reconnect handshake failed", "err", err)
	}
}

// connectToAggregator signs the current time as a personal message and
// presents it to the hub.
func (s *Supervisor) connectToAggregator() error {
	now := time.Now().UnixMilli()
	sig, err := s.chain.Sign(strconv.FormatInt(now, 10))
	if err != nil {
		return err
	}
	if err := s.socket.Connect(s.chain.Address().Hex(), now, sig); err != nil {
		return err
	}
	return s.socket.Register(map[string]interface{}{
		"address": s.chain.Address().Hex(),
		"venues":  s.venueOrder,
	})
}

func (s *Supervisor) buildChainClient() (*chain.Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(s.cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, err
	}
	signer := chain.NewSigner(key, common.HexToAddress(s.cfg.Gateway.MatcherAddress), s.cfg.ChainID(), s.registry)
	return chain.NewClient(
		signer,
		s.cfg.Gateway.URL,
		s.cfg.Gateway.GasPriceFeedURL,
		common.HexToAddress(s.cfg.Gateway.ExchangeContract),
		s.registry,
	), nil
}

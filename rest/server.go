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

// Package rest serves the operator dashboard: order listings, balances and
// a websocket push of sub-order state changes.
package rest

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	"github.com/orionprotocol/orion-broker/exchange"
	"github.com/orionprotocol/orion-broker/store"
)

// BalanceSource yields the last polled exchange balance snapshot.
type BalanceSource func() map[string]map[string]decimal.Decimal

// Server is the operator HTTP listener.
type Server struct {
	store    *store.Store
	balances BalanceSource
	log      log.Logger

	upgrader websocket.Upgrader
	clientMu sync.Mutex
	clients  map[*websocket.Conn]struct{}

	srv *http.Server
}

// NewServer builds the operator surface over the store and the balance
// snapshot.
func NewServer(st *store.Store, balances BalanceSource) *Server {
	return &Server{
		store:    st,
		balances: balances,
		log:      log.New("module", "rest"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]struct{}),
	}
}

// Start serves on addr until Stop.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/openorders", s.handleOpenOrders)
	mux.HandleFunc("/api/orderhistory", s.handleOrderHistory)
	mux.HandleFunc("/api/balance", s.handleBalance)
	mux.HandleFunc("/ws", s.handleWS)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: cors.Default().Handler(mux)}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("Operator API stopped", "err", err)
		}
	}()
	s.log.Info("Operator API listening", "addr", ln.Addr())
	return nil
}

// Stop closes the listener and all push connections.
func (s *Server) Stop() {
	if s.srv != nil {
		s.srv.Close()
	}
	s.clientMu.Lock()
	for c := range s.clients {
		c.Close()
	}
	s.clients = make(map[*websocket.Conn]struct{})
	s.clientMu.Unlock()
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Response write failed", "err", err)
	}
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.GetOpenSubOrders()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, orders)
}

func (s *Server) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.GetAllSubOrders()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, orders)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]map[string]string)
	for venue, balances := range s.balances() {
		strs := make(map[string]string, len(balances))
		for cur, amount := range balances {
			strs[cur] = amount.String()
		}
		out[venue] = strs
	}
	s.writeJSON(w, out)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.clientMu.Lock()
	s.clients[conn] = struct{}{}
	s.clientMu.Unlock()
	// Reader drains control frames and reaps the client on close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.clientMu.Lock()
				delete(s.clients, conn)
				s.clientMu.Unlock()
				conn.Close()
				return
			}
		}
	}()
}

// PushSubOrder broadcasts a sub-order state change to all connected
// dashboards. It is installed as the engine's UpdateCallback.
func (s *Server) PushSubOrder(sub exchange.SubOrder) {
	blob, err := json.Marshal(sub)
	if err != nil {
		return
	}
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	for c := range s.clients {
		if err := c.WriteMessage(websocket.TextMessage, blob); err != nil {
			delete(s.clients, c)
			c.Close()
		}
	}
}

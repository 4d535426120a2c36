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

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout     = 10 * time.Second
	reconnectBackoff = 5 * time.Second
	maxBackoff       = time.Minute
)

// Message type tags on the websocket envelope.
const (
	msgConnect        = "connect"
	msgRegister       = "register"
	msgBalances       = "balances"
	msgSubOrderStatus = "sub_order_status"
	msgCreate         = "create_sub_order"
	msgCancel         = "cancel_sub_order"
	msgCheck          = "check_sub_order"
	msgStatusAccepted = "sub_order_status_accepted"
)

// Socket is a websocket Gateway. Inbound messages are dispatched to the
// Handlers installed before Start; create/cancel/check requests are answered
// with a sub_order_status message. On connection loss the socket redials
// with backoff and fires OnReconnect so the supervisor can re-authenticate.
type Socket struct {
	url      string
	handlers Handlers
	log      log.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	lastBalances string

	quit chan struct{}
	once sync.Once
}

// NewSocket builds a socket for the given hub URL. Handlers must be attached
// with SetHandlers before Start.
func NewSocket(url string) *Socket {
	return &Socket{
		url:  url,
		log:  log.New("module", "hub"),
		quit: make(chan struct{}),
	}
}

// SetHandlers attaches the broker's inbound handler set.
func (s *Socket) SetHandlers(h Handlers) { s.handlers = h }

// Start dials the hub and begins the read loop.
func (s *Socket) Start() error {
	conn, err := s.dial()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	go s.readLoop(conn)
	return nil
}

// Close tears the socket down for good; no reconnect is attempted.
func (s *Socket) Close() {
	s.once.Do(func() { close(s.quit) })
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

func (s *Socket) dial() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	return conn, err
}

func (s *Socket) send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("hub: not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

// Connect implements Gateway.
func (s *Socket) Connect(address string, tm int64, signature string) error {
	return s.send(map[string]interface{}{
		"t":         msgConnect,
		"address":   address,
		"time":      strconv.FormatInt(tm, 10),
		"signature": signature,
	})
}

// SendSubOrderStatus implements Gateway.
func (s *Socket) SendSubOrderStatus(st SubOrderStatus) error {
	return s.send(struct {
		T string `json:"t"`
		SubOrderStatus
	}{T: msgSubOrderStatus, SubOrderStatus: st})
}

// SendBalances implements Gateway. The payload is remembered for duplicate
// suppression only after a successful write.
func (s *Socket) SendBalances(balances map[string]map[string]string) error {
	blob, err := json.Marshal(balances)
	if err != nil {
		return err
	}
	if err := s.send(map[string]interface{}{"t": msgBalances, "balances": balances}); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastBalances = string(blob)
	s.mu.Unlock()
	return nil
}

// Register implements Gateway.
func (s *Socket) Register(meta map[string]interface{}) error {
	payload := map[string]interface{}{"t": msgRegister}
	for k, v := range meta {
		payload[k] = v
	}
	return s.send(payload)
}

// LastBalancesJSON implements Gateway.
func (s *Socket) LastBalancesJSON() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBalances
}

type envelope struct {
	T      string          `json:"t"`
	ID     uint64          `json:"id"`
	Status json.RawMessage `json:"status"`
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, blob, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			s.log.Warn("Hub connection lost", "err", err)
			s.reconnect()
			return
		}
		s.dispatch(blob)
	}
}

func (s *Socket) reconnect() {
	backoff := reconnectBackoff
	for {
		select {
		case <-s.quit:
			return
		case <-time.After(backoff):
		}
		conn, err := s.dial()
		if err != nil {
			s.log.Warn("Hub redial failed", "err", err)
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		go s.readLoop(conn)
		s.log.Info("Hub connection reestablished")
		if s.handlers != nil {
			s.handlers.OnReconnect()
		}
		return
	}
}

func (s *Socket) dispatch(blob []byte) {
	if s.handlers == nil {
		return
	}
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		s.log.Warn("Malformed hub message", "err", err)
		return
	}
	ctx := context.Background()
	switch env.T {
	case msgCreate:
		var req CreateSubOrder
		if err := json.Unmarshal(blob, &req); err != nil {
			s.log.Warn("Malformed create_sub_order", "err", err)
			return
		}
		st, err := s.handlers.OnCreateSubOrder(ctx, req)
		if err != nil {
			s.log.Error("create_sub_order failed", "id", req.ID, "err", err)
			return
		}
		s.replyStatus(st)
	case msgCancel:
		st, err := s.handlers.OnCancelSubOrder(ctx, env.ID)
		if err != nil {
			s.log.Error("cancel_sub_order failed", "id", env.ID, "err", err)
			return
		}
		if st != nil {
			s.replyStatus(*st)
		}
	case msgCheck:
		st, err := s.handlers.OnCheckSubOrder(ctx, env.ID)
		if err != nil {
			s.log.Error("check_sub_order failed", "id", env.ID, "err", err)
			return
		}
		s.replyStatus(st)
	case msgStatusAccepted:
		var ack StatusAck
		if err := json.Unmarshal(blob, &ack); err != nil {
			s.log.Warn("Malformed sub_order_status_accepted", "err", err)
			return
		}
		if err := s.handlers.OnSubOrderStatusAccepted(ctx, ack); err != nil {
			s.log.Error("sub_order_status_accepted failed", "id", ack.ID, "err", err)
		}
	default:
		s.log.Debug("Ignoring hub message", "type", env.T)
	}
}

func (s *Socket) replyStatus(st SubOrderStatus) {
	if err := s.SendSubOrderStatus(st); err != nil {
		s.log.Warn("Status reply failed", "id", st.ID, "err", err)
	}
}

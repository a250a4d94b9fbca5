// Package gatewaytest provides an in-process messaging gateway for tests:
// it accepts per-bot push connections, lets tests deliver frames to an
// arbitrary subset of bots, and can kill connections to simulate failures.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	conns    map[string]*websocket.Conn // bot address -> latest connection
	opens    map[string]int             // bot address -> accepted connection count
	uuids    map[string]string          // bot address -> directory uuid
	received map[string][]any           // bot address -> frames the bot sent
}

func New() *Server {
	s := &Server{
		conns:    make(map[string]*websocket.Conn),
		opens:    make(map[string]int),
		uuids:    make(map[string]string),
		received: make(map[string][]any),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/bots/", s.handleWS)
	mux.HandleFunc("/api/directory/", s.handleDirectory)
	s.srv = httptest.NewServer(mux)
	return s
}

func (s *Server) URL() string { return s.srv.URL }

func (s *Server) Close() {
	s.mu.Lock()
	for bot, conn := range s.conns {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(s.conns, bot)
	}
	s.mu.Unlock()
	s.srv.Close()
}

// SetUUID configures the directory answer for an address. Addresses without
// an entry get a 404, exercising the degraded address-only matching path.
func (s *Server) SetUUID(bot, uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uuids[bot] = uuid
}

// Push delivers one frame to a single bot's connection.
func (s *Server) Push(bot string, v any) error {
	s.mu.Lock()
	conn := s.conns[bot]
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("bot %s not connected", bot)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// PushRaw delivers a raw text frame, bypassing JSON marshaling, for
// malformed-payload tests.
func (s *Server) PushRaw(bot string, data []byte) error {
	s.mu.Lock()
	conn := s.conns[bot]
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("bot %s not connected", bot)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// Drop kills a bot's connection without a close handshake, simulating an
// abrupt transport failure.
func (s *Server) Drop(bot string) {
	s.mu.Lock()
	conn := s.conns[bot]
	delete(s.conns, bot)
	s.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusInternalError, "dropped by test")
	}
}

// Connected reports whether a bot currently holds a connection.
func (s *Server) Connected(bot string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[bot] != nil
}

// OpenCount returns how many connections the gateway has accepted for a
// bot over its lifetime, for asserting reconnect behavior.
func (s *Server) OpenCount(bot string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[bot]
}

// Received returns every frame the bot's client has sent to the gateway,
// decoded from JSON, in arrival order.
func (s *Server) Received(bot string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.received[bot]))
	copy(out, s.received[bot])
	return out
}

// WaitReceived blocks until the gateway has recorded at least n frames
// from the bot.
func (s *Server) WaitReceived(bot string, n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.Received(bot)) >= n {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("bot %s sent %d frame(s) < %d after %v", bot, len(s.Received(bot)), n, timeout)
}

// WaitConnected blocks until the bot holds a connection or the timeout
// elapses.
func (s *Server) WaitConnected(bot string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Connected(bot) {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("bot %s not connected after %v", bot, timeout)
}

// WaitOpenCount blocks until the gateway has accepted at least n
// connections for the bot.
func (s *Server) WaitOpenCount(bot string, n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.OpenCount(bot) >= n {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("bot %s open count %d < %d after %v", bot, s.OpenCount(bot), n, timeout)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	bot := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/bots/"), "/")
	if bot == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	if prev := s.conns[bot]; prev != nil {
		prev.Close(websocket.StatusGoingAway, "superseded")
	}
	s.conns[bot] = conn
	s.opens[bot]++
	s.mu.Unlock()

	// Record inbound frames until the client goes away.
	ctx := r.Context()
	for {
		var v any
		if err := wsjson.Read(ctx, conn, &v); err != nil {
			break
		}
		s.mu.Lock()
		s.received[bot] = append(s.received[bot], v)
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.conns[bot] == conn {
		delete(s.conns, bot)
	}
	s.mu.Unlock()
}

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	addr := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/directory/"), "/")
	s.mu.Lock()
	uuid, ok := s.uuids[addr]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"address": addr, "uuid": uuid})
}

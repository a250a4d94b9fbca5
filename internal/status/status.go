// Package status serves a read-only operational snapshot over local HTTP.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mistakeknot/flotilla/internal/supervisor"
)

// ConnectionSource reports per-identity connection state.
type ConnectionSource interface {
	Status() []supervisor.IdentityStatus
}

// QueueSource reports pending replay depth per identity.
type QueueSource interface {
	Depths() map[string]int
}

// TrackSource reports how many messages are currently tracked.
type TrackSource interface {
	Len() int
}

type Config struct {
	Addr       string
	SocketPath string
	Conns      ConnectionSource
	Queues     QueueSource
	Tracker    TrackSource
}

type Snapshot struct {
	Time        time.Time                   `json:"time"`
	Identities  []supervisor.IdentityStatus `json:"identities"`
	ReplayDepth map[string]int              `json:"replay_depth"`
	Tracked     int                         `json:"tracked"`
}

type Server struct {
	cfg    Config
	http   *http.Server
	unix   *http.Server
	unixLn net.Listener
}

func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr required")
	}
	h := Handler(cfg)
	s := &Server{cfg: cfg, http: &http.Server{Addr: cfg.Addr, Handler: h}}

	if cfg.SocketPath != "" {
		// Remove stale socket file from previous run
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		ln, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			return nil, fmt.Errorf("unix listen: %w", err)
		}
		if err := os.Chmod(cfg.SocketPath, 0660); err != nil {
			ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		s.unixLn = ln
		s.unix = &http.Server{Handler: h}
	}

	return s, nil
}

// Handler builds the status mux. Exposed so tests can drive it with
// httptest without binding a port.
func Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap := Snapshot{Time: time.Now().UTC()}
		if cfg.Conns != nil {
			snap.Identities = cfg.Conns.Status()
		}
		if cfg.Queues != nil {
			snap.ReplayDepth = cfg.Queues.Depths()
		}
		if cfg.Tracker != nil {
			snap.Tracked = cfg.Tracker.Len()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func (s *Server) Start() error {
	if s.unixLn != nil {
		go s.unix.Serve(s.unixLn)
	}
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error

	if s.unix != nil {
		if err := s.unix.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.cfg.SocketPath != "" {
		os.Remove(s.cfg.SocketPath)
	}

	if err := s.http.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

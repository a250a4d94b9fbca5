// Package supervisor keeps exactly one live gateway connection per
// configured bot identity, self-healing after failures with bounded
// exponential backoff, and feeds every inbound message through
// classification, consistency tracking, and dispatch.
package supervisor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mistakeknot/flotilla/internal/core"
	"github.com/mistakeknot/flotilla/internal/gateway"
	"github.com/mistakeknot/flotilla/internal/replay"
	"github.com/mistakeknot/flotilla/internal/track"
)

const (
	dialTimeout = 15 * time.Second

	closeGoingAway = 1001
)

// Dispatcher is the per-message business logic invoked once a message is
// accepted for processing. firstReceiver is true only for the identity
// that first created the message's tracking record.
type Dispatcher interface {
	Process(ctx context.Context, env core.Envelope, bot string, firstReceiver bool) error
}

// Resolver looks up an identity's stable directory UUID.
type Resolver interface {
	Resolve(ctx context.Context, address string) (string, error)
}

// Handle is the closable side of one live connection.
type Handle interface {
	Close(code int, reason string) error
}

// DialFunc opens a connection; injectable for tests.
type DialFunc func(ctx context.Context, baseURL, bot string, h gateway.Handler) (Handle, error)

type Config struct {
	BaseURL         string
	BackoffBase     time.Duration // 1s canonical
	BackoffCap      time.Duration // 30s canonical
	ReconnectWindow time.Duration // 5m canonical; elapsed-time retry budget
}

// connState is the per-identity connection record, mutated only under the
// supervisor's lock. connected==true implies a non-nil handle.
type connState struct {
	handle        Handle
	gen           uint64 // increments per dial attempt; stale-handle events are ignored
	connected     bool
	connecting    bool
	pendingRetry  bool // a backoff timer is scheduled
	lastMessageAt time.Time
	retryCount    int
	firstRetryAt  time.Time // zero until the first retry of a cycle
}

type Supervisor struct {
	cfg        Config
	fleet      *core.Fleet
	queues     *replay.Queues
	tracker    *track.Tracker
	dispatcher Dispatcher
	resolver   Resolver

	mu     sync.Mutex
	states map[string]*connState
	closed bool

	dial     DialFunc
	nowFunc  func() time.Time
	schedule func(time.Duration, func())
}

func New(cfg Config, fleet *core.Fleet, queues *replay.Queues, tracker *track.Tracker, dispatcher Dispatcher, resolver Resolver) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		fleet:      fleet,
		queues:     queues,
		tracker:    tracker,
		dispatcher: dispatcher,
		resolver:   resolver,
		states:     make(map[string]*connState),
		dial: func(ctx context.Context, baseURL, bot string, h gateway.Handler) (Handle, error) {
			return gateway.Dial(ctx, baseURL, bot, h)
		},
		nowFunc:  time.Now,
		schedule: func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// state returns the identity's record, creating it on first use. Caller
// holds s.mu.
func (s *Supervisor) state(bot string) *connState {
	st, ok := s.states[bot]
	if !ok {
		st = &connState{}
		s.states[bot] = st
	}
	return st
}

// Start opens a connection for every configured identity, concurrently.
func (s *Supervisor) Start(ctx context.Context) {
	for _, addr := range s.fleet.Addresses() {
		go s.Open(ctx, addr)
	}
}

// Open establishes a new connection for the identity. A successful open
// supersedes and closes any previous handle; a failed dial enters the
// normal backoff path.
func (s *Supervisor) Open(ctx context.Context, bot string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	st := s.state(bot)
	if st.connecting {
		s.mu.Unlock()
		return
	}
	st.connecting = true
	st.gen++
	gen := st.gen
	s.mu.Unlock()

	s.resolveUUID(ctx, bot)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	h, err := s.dial(dialCtx, s.cfg.BaseURL, bot, &connEvents{s: s, bot: bot, gen: gen})
	cancel()
	if err != nil {
		log.Printf("supervisor: %s open failed: %v", bot, err)
		s.mu.Lock()
		st.connecting = false
		st.connected = false
		delay, scheduled := s.scheduleRetryLocked(st)
		s.mu.Unlock()
		if scheduled {
			s.schedule(delay, func() { s.Reconnect(bot) })
		}
		return
	}
	s.onOpen(bot, gen, h)
}

// onOpen records the successful open: connected, fresh health timestamp,
// zeroed retry counters, then a best-effort replay flush through the
// normal ingestion path.
func (s *Supervisor) onOpen(bot string, gen uint64, h Handle) {
	s.mu.Lock()
	st := s.state(bot)
	if s.closed || st.gen != gen {
		s.mu.Unlock()
		h.Close(closeGoingAway, "superseded")
		return
	}
	stale := st.handle
	st.handle = h
	st.connected = true
	st.connecting = false
	st.lastMessageAt = s.nowFunc()
	st.retryCount = 0
	st.firstRetryAt = time.Time{}
	s.mu.Unlock()

	if stale != nil {
		stale.Close(closeGoingAway, "superseded")
	}
	log.Printf("supervisor: %s connected", bot)

	for _, env := range s.queues.DrainAll(bot) {
		log.Printf("supervisor: %s replaying %s", bot, env.Key())
		s.ingest(context.Background(), bot, env)
	}
}

// handleMessage refreshes the identity's health timestamp and forwards
// the payload to ingestion.
func (s *Supervisor) handleMessage(bot string, env core.Envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state(bot).lastMessageAt = s.nowFunc()
	s.mu.Unlock()

	s.ingest(context.Background(), bot, env)
}

// ingest classifies and processes one payload. Bot-authored messages never
// participate in tracking; tracking a bot's own replies would be
// meaningless.
func (s *Supervisor) ingest(ctx context.Context, bot string, env core.Envelope) {
	if s.fleet.IsBot(env.Sender, env.SenderUUID) {
		return
	}
	first := s.tracker.Observe(bot, env)
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Process(ctx, env, bot, first); err != nil {
		log.Printf("supervisor: %s dispatch %s: %v", bot, env.Key(), err)
	}
}

// handleError marks the connection unhealthy. Reconnection is triggered
// only from the close event to avoid double-scheduling; the transport
// emits both.
func (s *Supervisor) handleError(bot string, gen uint64, err error) {
	s.mu.Lock()
	st := s.state(bot)
	if s.closed || st.gen != gen {
		s.mu.Unlock()
		return
	}
	st.connected = false
	s.mu.Unlock()
	log.Printf("supervisor: %s connection error: %v", bot, err)
}

// handleClose marks the identity disconnected and schedules a reconnect
// after exponential backoff.
func (s *Supervisor) handleClose(bot string, gen uint64, code int, reason string) {
	s.mu.Lock()
	st := s.state(bot)
	if s.closed || st.gen != gen {
		s.mu.Unlock()
		return
	}
	st.connected = false
	st.connecting = false
	st.handle = nil
	delay, scheduled := s.scheduleRetryLocked(st)
	s.mu.Unlock()

	log.Printf("supervisor: %s closed (code %d): %s", bot, code, reason)
	if scheduled {
		s.schedule(delay, func() { s.Reconnect(bot) })
	}
}

// scheduleRetryLocked computes the backoff delay for the current retry
// count and claims the pending-retry slot. Caller holds s.mu.
func (s *Supervisor) scheduleRetryLocked(st *connState) (time.Duration, bool) {
	if st.pendingRetry {
		return 0, false
	}
	st.pendingRetry = true
	return backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffCap, st.retryCount), true
}

// Reconnect attempts to re-establish the identity's connection. No-op when
// already connected or mid-dial. When the elapsed-time budget since the
// cycle's first retry is exhausted, the cycle is abandoned and counters
// reset so a later ForceReconnect gets a fresh budget.
func (s *Supervisor) Reconnect(bot string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	st := s.state(bot)
	st.pendingRetry = false
	if st.connected || st.connecting {
		s.mu.Unlock()
		return
	}
	if st.firstRetryAt.IsZero() {
		st.firstRetryAt = s.nowFunc()
	}
	if s.nowFunc().Sub(st.firstRetryAt) > s.cfg.ReconnectWindow {
		st.retryCount = 0
		st.firstRetryAt = time.Time{}
		s.mu.Unlock()
		log.Printf("supervisor: %s reconnection window exhausted, stopping retries until forced", bot)
		return
	}
	st.retryCount++
	stale := st.handle
	st.handle = nil
	s.mu.Unlock()

	if stale != nil {
		stale.Close(closeGoingAway, "stale handle")
	}
	s.Open(context.Background(), bot)
}

// ForceReconnect proactively cycles a connection suspected of silently
// dropping messages. For a live connection it closes the handle and lets
// the normal close -> backoff -> open path run; for a dead one it kicks a
// fresh retry cycle unless one is already pending or in flight.
func (s *Supervisor) ForceReconnect(bot string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	st := s.state(bot)
	if st.connected {
		st.connected = false
		h := st.handle
		s.mu.Unlock()
		log.Printf("supervisor: %s forced reconnect", bot)
		if h != nil {
			h.Close(closeGoingAway, "forced reconnect")
		}
		return
	}
	// st.handle != nil means a forced close already happened and its close
	// event is still in flight; that event will schedule the retry.
	if st.connecting || st.pendingRetry || st.handle != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	log.Printf("supervisor: %s forced reconnect of idle identity", bot)
	go s.Reconnect(bot)
}

// resolveUUID performs the lazy directory lookup, caching only on success.
// Failure degrades mention matching to address-only comparison.
func (s *Supervisor) resolveUUID(ctx context.Context, bot string) {
	if s.resolver == nil {
		return
	}
	b, ok := s.fleet.Lookup(bot)
	if !ok || b.UUID != "" {
		return
	}
	id, err := s.resolver.Resolve(ctx, bot)
	if err != nil {
		log.Printf("supervisor: %s directory lookup failed: %v", bot, err)
		return
	}
	s.fleet.SetUUID(bot, id)
}

// StaleSince returns every identity that claims to be connected but has
// received nothing since the cutoff.
func (s *Supervisor) StaleSince(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, addr := range s.fleet.Addresses() {
		st, ok := s.states[addr]
		if !ok {
			continue
		}
		if st.connected && st.lastMessageAt.Before(cutoff) {
			out = append(out, addr)
		}
	}
	return out
}

// IdentityStatus is one identity's connection snapshot.
type IdentityStatus struct {
	Address       string    `json:"address"`
	Name          string    `json:"name"`
	Connected     bool      `json:"connected"`
	LastMessageAt time.Time `json:"last_message_at"`
	RetryCount    int       `json:"retry_count"`
}

// Status reports the fleet's connection state in config order.
func (s *Supervisor) Status() []IdentityStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	bots := s.fleet.Identities()
	out := make([]IdentityStatus, 0, len(bots))
	for _, b := range bots {
		is := IdentityStatus{Address: b.Address, Name: b.Name}
		if st, ok := s.states[b.Address]; ok {
			is.Connected = st.connected
			is.LastMessageAt = st.lastMessageAt
			is.RetryCount = st.retryCount
		}
		out = append(out, is)
	}
	return out
}

// Close shuts the supervisor down: every open handle is closed
// best-effort, and all later lifecycle events and timers become no-ops.
// Nothing waits for in-flight reconnect timers.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var handles []Handle
	for _, st := range s.states {
		if st.handle != nil {
			handles = append(handles, st.handle)
			st.handle = nil
		}
		st.connected = false
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Close(closeGoingAway, "shutdown")
	}
}

// backoffDelay is min(base * 2^retry, limit).
func backoffDelay(base, limit time.Duration, retry int) time.Duration {
	if retry > 30 {
		return limit
	}
	d := base << uint(retry)
	if d <= 0 || d > limit {
		return limit
	}
	return d
}

// connEvents routes one connection's lifecycle events into the supervisor,
// tagged with the dial generation so events from superseded handles are
// ignored.
type connEvents struct {
	s   *Supervisor
	bot string
	gen uint64
}

func (e *connEvents) HandleMessage(bot string, env gateway.Envelope) {
	e.s.handleMessage(e.bot, env)
}

func (e *connEvents) HandleError(bot string, err error) {
	e.s.handleError(e.bot, e.gen, err)
}

func (e *connEvents) HandleClose(bot string, code int, reason string) {
	e.s.handleClose(e.bot, e.gen, code, reason)
}

package track

import (
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/flotilla/internal/core"
	"github.com/mistakeknot/flotilla/internal/replay"
)

const (
	uuidB2 = "11111111-2222-4333-8444-555555555555"
)

type fakeReconnector struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeReconnector) ForceReconnect(bot string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, bot)
}

func (f *fakeReconnector) callsFor(bot string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == bot {
			n++
		}
	}
	return n
}

// manualClock collects scheduled reconciliations so tests fire them
// deterministically.
type manualClock struct {
	mu      sync.Mutex
	pending []func()
}

func (m *manualClock) schedule(_ time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, fn)
}

func (m *manualClock) fireAll() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (m *manualClock) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func newTestTracker() (*Tracker, *replay.Queues, *fakeReconnector, *manualClock) {
	fleet := core.NewFleet([]core.BotIdentity{
		{Address: "B1"}, {Address: "B2"}, {Address: "B3"},
	})
	fleet.SetUUID("B2", uuidB2)
	queues := replay.NewQueues()
	clock := &manualClock{}
	tr := New(fleet, queues, 3*time.Second)
	tr.schedule = clock.schedule
	recon := &fakeReconnector{}
	tr.SetReconnector(recon)
	return tr, queues, recon, clock
}

func TestAddressedMissingIdentityReconnectedOnce(t *testing.T) {
	tr, queues, recon, clock := newTestTracker()

	env := core.Envelope{
		Sender:    "+100",
		Timestamp: 1700000000,
		Text:      "hey @B2",
		Mentions:  []string{uuidB2},
	}

	if first := tr.Observe("B1", env); !first {
		t.Fatal("B1 should be first receiver")
	}
	if first := tr.Observe("B3", env); first {
		t.Fatal("B3 should not be first receiver")
	}

	clock.fireAll()

	if got := recon.callsFor("B2"); got != 1 {
		t.Fatalf("expected exactly one forced reconnect for B2, got %d", got)
	}
	if got := recon.callsFor("B1") + recon.callsFor("B3"); got != 0 {
		t.Fatalf("unaddressed identities must not be reconnected, got %d calls", got)
	}
	drained := queues.DrainAll("B2")
	if len(drained) != 1 {
		t.Fatalf("expected one replay entry for B2, got %d", len(drained))
	}
	if drained[0].Key() != "+100:1700000000" {
		t.Fatalf("wrong payload queued: %s", drained[0].Key())
	}
	if queues.Len("B1") != 0 || queues.Len("B3") != 0 {
		t.Fatal("no replay entries expected for B1/B3")
	}
}

func TestUnaddressedMissTriggersNothing(t *testing.T) {
	tr, queues, recon, clock := newTestTracker()

	env := core.Envelope{Sender: "+100", Timestamp: 1, Text: "broadcast to no one"}
	tr.Observe("B1", env)

	clock.fireAll()

	recon.mu.Lock()
	calls := len(recon.calls)
	recon.mu.Unlock()
	if calls != 0 {
		t.Fatalf("message addressed to no one must trigger zero reconnects, got %d", calls)
	}
	for _, bot := range []string{"B1", "B2", "B3"} {
		if queues.Len(bot) != 0 {
			t.Fatalf("unexpected replay entry for %s", bot)
		}
	}
}

func TestFullDeliveryIsLogOnly(t *testing.T) {
	tr, _, recon, clock := newTestTracker()

	env := core.Envelope{Sender: "+100", Timestamp: 2, Mentions: []string{uuidB2}}
	for _, bot := range []string{"B1", "B2", "B3"} {
		tr.Observe(bot, env)
	}

	clock.fireAll()

	recon.mu.Lock()
	defer recon.mu.Unlock()
	if len(recon.calls) != 0 {
		t.Fatalf("full delivery must not reconnect anyone, got %v", recon.calls)
	}
}

func TestConcurrentFirstSightingsScheduleOnce(t *testing.T) {
	tr, _, _, clock := newTestTracker()

	env := core.Envelope{Sender: "+100", Timestamp: 3}
	var wg sync.WaitGroup
	firsts := make(chan bool, 3)
	for _, bot := range []string{"B1", "B2", "B3"} {
		wg.Add(1)
		go func(bot string) {
			defer wg.Done()
			firsts <- tr.Observe(bot, env)
		}(bot)
	}
	wg.Wait()
	close(firsts)

	firstCount := 0
	for f := range firsts {
		if f {
			firstCount++
		}
	}
	if firstCount != 1 {
		t.Fatalf("expected exactly one first receiver, got %d", firstCount)
	}
	if clock.count() != 1 {
		t.Fatalf("expected exactly one scheduled reconciliation, got %d", clock.count())
	}
}

func TestReconcileAfterExpiryIsNoop(t *testing.T) {
	tr, queues, recon, clock := newTestTracker()

	env := core.Envelope{Sender: "+100", Timestamp: 4, Mentions: []string{uuidB2}}
	tr.Observe("B1", env)

	if removed := tr.ExpireBefore(time.Now().Add(time.Hour)); removed != 1 {
		t.Fatalf("expected one expired record, got %d", removed)
	}
	if tr.Len() != 0 {
		t.Fatalf("tracker not empty after expiry: %d", tr.Len())
	}

	clock.fireAll() // fires against swept state

	recon.mu.Lock()
	defer recon.mu.Unlock()
	if len(recon.calls) != 0 {
		t.Fatalf("reconciliation of swept record must be a no-op, got %v", recon.calls)
	}
	if queues.Len("B2") != 0 {
		t.Fatal("no replay entry expected after sweep")
	}
}

func TestQuoteAuthorCountsAsAddressed(t *testing.T) {
	tr, queues, recon, clock := newTestTracker()

	env := core.Envelope{Sender: "+100", Timestamp: 5, QuoteAuthor: uuidB2}
	tr.Observe("B1", env)
	tr.Observe("B3", env)

	clock.fireAll()

	if got := recon.callsFor("B2"); got != 1 {
		t.Fatalf("quoted identity must be reconnected once, got %d", got)
	}
	if queues.Len("B2") != 1 {
		t.Fatalf("quoted identity must get a replay entry, got %d", queues.Len("B2"))
	}
}

func TestExpireBeforeRespectsCutoff(t *testing.T) {
	tr, _, _, _ := newTestTracker()

	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	tr.nowFunc = func() time.Time { return base }
	tr.Observe("B1", core.Envelope{Sender: "+100", Timestamp: 6})
	tr.nowFunc = func() time.Time { return base.Add(10 * time.Minute) }
	tr.Observe("B1", core.Envelope{Sender: "+100", Timestamp: 7})

	removed := tr.ExpireBefore(base.Add(5 * time.Minute))
	if removed != 1 {
		t.Fatalf("expected one expired record, got %d", removed)
	}
	if tr.Len() != 1 {
		t.Fatalf("young record should survive, len=%d", tr.Len())
	}
}

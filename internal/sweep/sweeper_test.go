package sweep

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeTracker struct {
	mu      sync.Mutex
	cutoffs []time.Time
	expired int
}

func (f *fakeTracker) ExpireBefore(cutoff time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.expired
}

type fakeFleet struct {
	mu         sync.Mutex
	stale      []string
	reconnects []string
}

func (f *fakeFleet) StaleSince(cutoff time.Time) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stale...)
}

func (f *fakeFleet) ForceReconnect(bot string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects = append(f.reconnects, bot)
	// Mimic the supervisor: once forced, the identity is no longer
	// "connected", so it drops out of the stale set.
	kept := f.stale[:0]
	for _, s := range f.stale {
		if s != bot {
			kept = append(kept, s)
		}
	}
	f.stale = kept
}

func TestSweepExpiresWithRetentionCutoff(t *testing.T) {
	tr := &fakeTracker{expired: 3}
	fl := &fakeFleet{}
	sw := New(tr, fl, 30*time.Second, 5*time.Minute, 5*time.Minute)
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	sw.nowFunc = func() time.Time { return base }

	sw.RunSweep()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.cutoffs) != 1 {
		t.Fatalf("expected one GC pass, got %d", len(tr.cutoffs))
	}
	want := base.Add(-5 * time.Minute)
	if !tr.cutoffs[0].Equal(want) {
		t.Fatalf("GC cutoff %v, want %v", tr.cutoffs[0], want)
	}
}

func TestSweepForcesReconnectOfStaleConnections(t *testing.T) {
	tr := &fakeTracker{}
	fl := &fakeFleet{stale: []string{"+100"}}
	sw := New(tr, fl, 30*time.Second, 5*time.Minute, 5*time.Minute)

	sw.RunSweep()

	fl.mu.Lock()
	reconnects := len(fl.reconnects)
	fl.mu.Unlock()
	if reconnects != 1 {
		t.Fatalf("expected one forced reconnect, got %d", reconnects)
	}

	// A second sweep before the reconnect completes must not fire again:
	// the identity is no longer connected, so it is no longer stale.
	sw.RunSweep()
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if len(fl.reconnects) != 1 {
		t.Fatalf("second sweep must not re-fire, got %d reconnects", len(fl.reconnects))
	}
}

func TestStartStop(t *testing.T) {
	tr := &fakeTracker{}
	fl := &fakeFleet{}
	sw := New(tr, fl, 5*time.Millisecond, 5*time.Minute, 5*time.Minute)

	sw.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	sw.Stop() // must not hang

	tr.mu.Lock()
	passes := len(tr.cutoffs)
	tr.mu.Unlock()
	if passes == 0 {
		t.Fatal("expected at least one sweep pass")
	}
}

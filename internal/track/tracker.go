// Package track detects partial delivery: it records which bot identities
// observed each inbound user message and, after a grace period, forces the
// addressed identities that missed it to reconnect and replay it.
package track

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mistakeknot/flotilla/internal/core"
	"github.com/mistakeknot/flotilla/internal/replay"
)

// Reconnector cycles a suspect connection. Implemented by the supervisor.
type Reconnector interface {
	ForceReconnect(bot string)
}

// trackedMessage is the bookkeeping record for one inbound user message.
type trackedMessage struct {
	key         string
	createdAt   time.Time
	payload     core.Envelope
	receivedBy  map[string]struct{}
	addressedTo map[string]struct{}
	reconciled  bool // one-shot: at most one reconciliation per message
}

// Tracker owns the messageKey -> trackedMessage map. All tracking state is
// in-memory and rebuilt from scratch on restart.
type Tracker struct {
	mu       sync.Mutex
	fleet    *core.Fleet
	queues   *replay.Queues
	delay    time.Duration
	recon    Reconnector
	messages map[string]*trackedMessage

	nowFunc  func() time.Time
	schedule func(time.Duration, func())
}

func New(fleet *core.Fleet, queues *replay.Queues, delay time.Duration) *Tracker {
	return &Tracker{
		fleet:    fleet,
		queues:   queues,
		delay:    delay,
		messages: make(map[string]*trackedMessage),
		nowFunc:  time.Now,
		schedule: func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// SetReconnector wires the supervisor in after construction; the two
// components reference each other.
func (t *Tracker) SetReconnector(r Reconnector) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recon = r
}

// Observe records that the given identity saw the message. The first
// sighting creates the record, resolves the addressed set from mentions and
// the quoted author, and schedules the single delayed reconciliation.
// Returns whether this identity was the first receiver.
func (t *Tracker) Observe(bot string, env core.Envelope) bool {
	key := env.Key()

	t.mu.Lock()
	rec, ok := t.messages[key]
	if ok {
		rec.receivedBy[bot] = struct{}{}
		t.mu.Unlock()
		return false
	}

	rec = &trackedMessage{
		key:         key,
		createdAt:   t.nowFunc(),
		payload:     env,
		receivedBy:  map[string]struct{}{bot: {}},
		addressedTo: t.resolveAddressed(env),
	}
	t.messages[key] = rec
	// Creation and scheduling happen under one lock acquisition, so two
	// near-simultaneous first sightings cannot double-schedule.
	t.schedule(t.delay, func() { t.reconcile(key) })
	t.mu.Unlock()
	return true
}

// resolveAddressed maps mention and quote-author UUIDs to bot addresses.
// UUIDs that never resolved through the directory simply don't match.
func (t *Tracker) resolveAddressed(env core.Envelope) map[string]struct{} {
	out := make(map[string]struct{})
	for _, id := range env.Mentions {
		if addr, ok := t.fleet.AddressByUUID(id); ok {
			out[addr] = struct{}{}
		}
	}
	if env.QuoteAuthor != "" {
		if addr, ok := t.fleet.AddressByUUID(env.QuoteAuthor); ok {
			out[addr] = struct{}{}
		}
	}
	return out
}

// reconcile compares receivedBy against the full fleet. Addressed missing
// identities get their replay enqueued and a forced reconnect; unaddressed
// missing identities are reported only — they carried no obligation to
// respond, and cycling a live connection is expensive.
func (t *Tracker) reconcile(key string) {
	t.mu.Lock()
	rec, ok := t.messages[key]
	if !ok || rec.reconciled {
		// Already swept or already reconciled; timers must be harmless
		// against cleaned-up state.
		t.mu.Unlock()
		return
	}
	rec.reconciled = true

	var addressedMissing, unaddressedMissing []string
	for _, addr := range t.fleet.Addresses() {
		if _, saw := rec.receivedBy[addr]; saw {
			continue
		}
		if _, addressed := rec.addressedTo[addr]; addressed {
			addressedMissing = append(addressedMissing, addr)
		} else {
			unaddressedMissing = append(unaddressedMissing, addr)
		}
	}
	sort.Strings(addressedMissing)
	sort.Strings(unaddressedMissing)

	if len(addressedMissing) == 0 && len(unaddressedMissing) == 0 {
		t.mu.Unlock()
		log.Printf("tracker: %s delivered to all identities", key)
		return
	}

	// Enqueue before forcing the reconnect: the reconnect's open handler
	// drains the queue, so the entry must already be there.
	for _, addr := range addressedMissing {
		t.queues.Enqueue(addr, rec.payload)
	}
	recon := t.recon
	t.mu.Unlock()

	if len(unaddressedMissing) > 0 {
		log.Printf("tracker: %s missed by unaddressed %v (no action)", key, unaddressedMissing)
	}
	for _, addr := range addressedMissing {
		log.Printf("tracker: %s missed by addressed %s, forcing reconnect", key, addr)
		if recon != nil {
			recon.ForceReconnect(addr)
		}
	}
}

// ExpireBefore drops every record created before the cutoff, regardless of
// reconciliation status, bounding memory. Returns how many were removed.
func (t *Tracker) ExpireBefore(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, rec := range t.messages {
		if rec.createdAt.Before(cutoff) {
			delete(t.messages, key)
			removed++
		}
	}
	return removed
}

// Len reports how many messages are currently tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

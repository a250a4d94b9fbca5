// Package replay buffers messages that must be re-processed by an identity
// once its connection is confirmed healthy again.
package replay

import (
	"sync"

	"github.com/mistakeknot/flotilla/internal/core"
)

// Queues holds one FIFO replay buffer per bot identity. Entries are not
// deduplicated: the same message may be queued twice when reconciliation
// re-fires with an overlapping gap, which is fine under at-least-once
// semantics. Nothing is persisted; a restart loses all queued replays.
type Queues struct {
	mu    sync.Mutex
	byBot map[string][]core.Envelope
}

func NewQueues() *Queues {
	return &Queues{byBot: make(map[string][]core.Envelope)}
}

// Enqueue appends a payload to the identity's buffer.
func (q *Queues) Enqueue(bot string, env core.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byBot[bot] = append(q.byBot[bot], env)
}

// DrainAll atomically snapshots and empties the identity's buffer,
// returning the snapshot in enqueue order. A concurrent Enqueue lands
// either in the returned batch or in the next one, never nowhere.
func (q *Queues) DrainAll(bot string) []core.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.byBot[bot]
	if len(entries) == 0 {
		return nil
	}
	delete(q.byBot, bot)
	return entries
}

// Len reports the identity's current buffer depth.
func (q *Queues) Len(bot string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byBot[bot])
}

// Depths returns the buffer depth for every identity with pending entries.
func (q *Queues) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.byBot))
	for bot, entries := range q.byBot {
		out[bot] = len(entries)
	}
	return out
}

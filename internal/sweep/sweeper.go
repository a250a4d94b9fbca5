// Package sweep runs the periodic health sweep: it expires stale tracking
// records and cycles connections that claim to be open but have received
// nothing for too long.
package sweep

import (
	"context"
	"log"
	"time"
)

// Tracker is the tracking-GC side of the sweep.
type Tracker interface {
	ExpireBefore(cutoff time.Time) int
}

// Fleet is the stale-connection side of the sweep.
type Fleet interface {
	StaleSince(cutoff time.Time) []string
	ForceReconnect(bot string)
}

// Sweeper runs a background goroutine that periodically expires old
// tracking records and detects silently-dead connections (no close/error
// event fired, common with push transports behind idle-timing proxies).
type Sweeper struct {
	tracker    Tracker
	fleet      Fleet
	interval   time.Duration
	retention  time.Duration // tracked-message lifetime
	staleAfter time.Duration // silence tolerated on an open connection
	cancel     context.CancelFunc
	done       chan struct{}

	nowFunc func() time.Time
}

// New creates a Sweeper. Call Start() to begin sweeping.
func New(tracker Tracker, fleet Fleet, interval, retention, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		tracker:    tracker,
		fleet:      fleet,
		interval:   interval,
		retention:  retention,
		staleAfter: staleAfter,
		done:       make(chan struct{}),
		nowFunc:    time.Now,
	}
}

// Start launches the background sweep goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.RunSweep()
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	<-sw.done
}

// RunSweep performs one sweep pass. Exported so tests (and operators via
// the status surface) can trigger it deterministically.
func (sw *Sweeper) RunSweep() {
	now := sw.nowFunc()

	if expired := sw.tracker.ExpireBefore(now.Add(-sw.retention)); expired > 0 {
		log.Printf("sweeper: expired %d tracked message(s)", expired)
	}

	stale := sw.fleet.StaleSince(now.Add(-sw.staleAfter))
	for _, bot := range stale {
		log.Printf("sweeper: %s silent for over %v on an open connection, forcing reconnect", bot, sw.staleAfter)
		sw.fleet.ForceReconnect(bot)
	}
}

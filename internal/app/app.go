// Package app assembles the full fleet runtime from a loaded config:
// fleet, directory client, replay queues, consistency tracker, connection
// supervisor, health sweeper, history store, and the status server.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/mistakeknot/flotilla/internal/config"
	"github.com/mistakeknot/flotilla/internal/core"
	"github.com/mistakeknot/flotilla/internal/directory"
	"github.com/mistakeknot/flotilla/internal/dispatch"
	"github.com/mistakeknot/flotilla/internal/names"
	"github.com/mistakeknot/flotilla/internal/replay"
	"github.com/mistakeknot/flotilla/internal/status"
	"github.com/mistakeknot/flotilla/internal/storage"
	"github.com/mistakeknot/flotilla/internal/storage/sqlite"
	"github.com/mistakeknot/flotilla/internal/supervisor"
	"github.com/mistakeknot/flotilla/internal/sweep"
	"github.com/mistakeknot/flotilla/internal/track"
)

const shutdownTimeout = 5 * time.Second

// App owns every long-lived component and their start/stop order.
type App struct {
	cfg     config.Config
	fleet   *core.Fleet
	queues  *replay.Queues
	tracker *track.Tracker
	sup     *supervisor.Supervisor
	sweeper *sweep.Sweeper
	history storage.History
	status  *status.Server

	mu      sync.Mutex
	started bool
}

// New wires the runtime from a validated config. Nothing starts running
// until Start is called.
func New(cfg config.Config) (*App, error) {
	bots := make([]core.BotIdentity, 0, len(cfg.Bots))
	for _, b := range cfg.Bots {
		name := b.Name
		if name == "" {
			name = names.ForAddress(b.Address)
		}
		bots = append(bots, core.BotIdentity{Address: b.Address, Name: name})
	}
	fleet := core.NewFleet(bots)

	var history storage.History
	if cfg.HistoryDB != "" {
		store, err := sqlite.New(cfg.HistoryDB)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
		history = store
	}

	queues := replay.NewQueues()
	tracker := track.New(fleet, queues, cfg.Timings.ReconcileDelay.Std())
	resolver := directory.New(cfg.DirectoryURL)
	dispatcher := dispatch.NewRecorder(history)

	sup := supervisor.New(supervisor.Config{
		BaseURL:         cfg.GatewayURL,
		BackoffBase:     cfg.Timings.BackoffBase.Std(),
		BackoffCap:      cfg.Timings.BackoffCap.Std(),
		ReconnectWindow: cfg.Timings.ReconnectWindow.Std(),
	}, fleet, queues, tracker, dispatcher, resolver)
	tracker.SetReconnector(sup)

	sweeper := sweep.New(tracker, sup,
		cfg.Timings.SweepInterval.Std(),
		cfg.Timings.TrackingRetention.Std(),
		cfg.Timings.StaleAfter.Std())

	a := &App{
		cfg:     cfg,
		fleet:   fleet,
		queues:  queues,
		tracker: tracker,
		sup:     sup,
		sweeper: sweeper,
		history: history,
	}

	if cfg.StatusAddr != "" {
		srv, err := status.New(status.Config{
			Addr:       cfg.StatusAddr,
			SocketPath: cfg.StatusSocket,
			Conns:      sup,
			Queues:     queues,
			Tracker:    tracker,
		})
		if err != nil {
			if history != nil {
				history.Close()
			}
			return nil, fmt.Errorf("status server: %w", err)
		}
		a.status = srv
	}

	return a, nil
}

// Start brings every component up. Safe to call once.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	a.sup.Start(ctx)
	a.sweeper.Start(ctx)

	if a.status != nil {
		go func() {
			if err := a.status.Start(); err != nil && err != http.ErrServerClosed {
				log.Printf("app: status server: %v", err)
			}
		}()
	}

	log.Printf("app: supervising %d identities against %s", len(a.fleet.Addresses()), a.cfg.GatewayURL)
	return nil
}

// Stop shuts everything down in reverse dependency order.
func (a *App) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	a.mu.Unlock()

	a.sweeper.Stop()

	if a.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.status.Shutdown(ctx); err != nil {
			log.Printf("app: status shutdown: %v", err)
		}
		cancel()
	}

	a.sup.Close()

	if a.history != nil {
		if err := a.history.Close(); err != nil {
			log.Printf("app: close history: %v", err)
		}
	}
}

// Supervisor exposes the connection supervisor for inspection.
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Tracker exposes the consistency tracker for inspection.
func (a *App) Tracker() *track.Tracker { return a.tracker }

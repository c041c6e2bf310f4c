// Package workspace assembles one replica of a workspace: local store, bus, apply services,
// outbox, commands, radar, live queries and the sync socket.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/client"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/apply"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/backoff"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/commands"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/counters"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/cursors"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/localdb"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/outbox"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/query"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/radar"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/socket"
	"github.com/MarcoPoloResearchLab/nebula/internal/config"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrDestroyed is returned by Init after Destroy.
var ErrDestroyed = errors.New("workspace: destroyed")

// Config wires a workspace runtime.
type Config struct {
	Agent      config.AgentConfig
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Workspace owns every client component of one replica.
type Workspace struct {
	logger *zap.Logger

	db       *gorm.DB
	bus      *events.Bus
	cursors  *cursors.Store
	applier  *apply.Service
	api      *client.APIClient
	outbox   *outbox.Outbox
	commands *commands.Service
	radar    *radar.Radar
	engine   *query.Engine
	socket   *socket.Socket

	mu        sync.Mutex
	running   bool
	destroyed bool
	cancel    context.CancelFunc
	workers   sync.WaitGroup
}

// New opens the replica stores and constructs every component. Nothing runs until Init.
func New(cfg Config) (*Workspace, error) {
	agent := cfg.Agent
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("workspace_id", agent.WorkspaceID), zap.String("user_id", agent.UserID))
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	db, err := localdb.Open(agent.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("workspace: open replica: %w", err)
	}
	workspace := &Workspace{logger: logger, db: db}
	if err := workspace.build(cfg, clock); err != nil {
		workspace.release()
		return nil, err
	}
	return workspace, nil
}

func (w *Workspace) build(cfg Config, clock func() time.Time) error {
	agent := cfg.Agent

	cursorStore, err := openCursors(agent.CursorsPath)
	if err != nil {
		return err
	}
	w.cursors = cursorStore

	bus, err := events.NewBus()
	if err != nil {
		return err
	}
	w.bus = bus

	reconciler := counters.NewReconciler(agent.UserID, clock)
	w.applier, err = apply.NewService(apply.Config{
		Database: w.db,
		Bus:      bus,
		UserID:   agent.UserID,
		Counters: reconciler,
		Logger:   w.logger,
	})
	if err != nil {
		return err
	}

	w.api, err = client.NewAPIClient(client.APIClientConfig{
		BaseURL:    agent.ServerURL,
		Token:      agent.Token,
		HTTPClient: cfg.HTTPClient,
		Backoff: backoff.New(backoff.Config{
			BaseDelay: agent.BackoffBaseDelay,
			MaxDelay:  agent.BackoffMaxDelay,
			Clock:     clock,
		}),
		Logger: w.logger,
	})
	if err != nil {
		return err
	}

	w.outbox, err = outbox.New(outbox.Config{
		Database:     w.db,
		Bus:          bus,
		Sender:       w.api,
		Backoff:      w.api.Backoff(),
		BatchSize:    agent.OutboxBatchSize,
		MaxRetries:   agent.OutboxMaxRetries,
		PollInterval: agent.OutboxPollInterval,
		Clock:        clock,
		Logger:       w.logger,
	})
	if err != nil {
		return err
	}

	w.commands, err = commands.NewService(commands.Config{
		Database:            w.db,
		Bus:                 bus,
		Outbox:              w.outbox,
		UserID:              agent.UserID,
		Counters:            reconciler,
		InteractionDebounce: agent.InteractionDebounce,
		Clock:               clock,
		Logger:              w.logger,
	})
	if err != nil {
		return err
	}

	w.radar, err = radar.New(radar.Config{Bus: bus, Loader: localdb.NewCounterStore(w.db), Logger: w.logger})
	if err != nil {
		return err
	}
	w.engine, err = query.NewEngine(query.Config{Bus: bus, Logger: w.logger})
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", w.api.AuthorizationHeader())
	w.socket, err = socket.New(socket.Config{
		URL:     w.api.SyncURL(),
		Header:  header,
		Dialer:  cfg.Dialer,
		Applier: w.applier,
		Cursors: cursorStore,
		Roots:   localdb.NewCollaborationStore(w.db),
		Bus:     bus,
		Backoff: backoff.New(backoff.Config{
			BaseDelay: agent.ReconnectBaseDelay,
			MaxDelay:  agent.BackoffMaxDelay,
			Clock:     clock,
		}),
		Logger: w.logger,
	})
	return err
}

func openCursors(path string) (*cursors.Store, error) {
	if strings.TrimSpace(path) == "" {
		return cursors.OpenInMemory()
	}
	return cursors.Open(path)
}

// Init seeds the radar, starts live queries and launches the outbox and socket loops.
// Calling Init on a running workspace is a no-op.
func (w *Workspace) Init(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.destroyed {
		return ErrDestroyed
	}
	if w.running {
		return nil
	}
	if err := w.radar.Init(ctx); err != nil {
		return fmt.Errorf("workspace: init radar: %w", err)
	}
	if err := w.engine.Init(ctx); err != nil {
		return fmt.Errorf("workspace: init queries: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.running = true
	w.launch(runCtx, "outbox", w.outbox.Run)
	w.launch(runCtx, "socket", w.socket.Run)
	w.outbox.TriggerSync()
	w.logger.Info("workspace started")
	return nil
}

func (w *Workspace) launch(ctx context.Context, name string, run func(context.Context) error) {
	w.workers.Add(1)
	go func() {
		defer w.workers.Done()
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("workspace loop stopped", zap.String("loop", name), zap.Error(err))
		}
	}()
}

// Destroy stops the loops and releases the stores. It is safe to call more than once.
func (w *Workspace) Destroy() {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return
	}
	w.destroyed = true
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.workers.Wait()
	if w.engine != nil {
		w.engine.Destroy()
	}
	if w.radar != nil {
		w.radar.Destroy()
	}
	w.release()
	w.logger.Info("workspace stopped")
}

func (w *Workspace) release() {
	if w.cursors != nil {
		if err := w.cursors.Close(); err != nil {
			w.logger.Warn("failed to close cursor store", zap.Error(err))
		}
	}
	if sqlDB, err := w.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			w.logger.Warn("failed to close replica", zap.Error(err))
		}
	}
}

// Commands returns the local command service.
func (w *Workspace) Commands() *commands.Service { return w.commands }

// Queries returns the live query engine.
func (w *Workspace) Queries() *query.Engine { return w.engine }

// Radar returns the unread projection.
func (w *Workspace) Radar() *radar.Radar { return w.radar }

// Bus returns the local event bus.
func (w *Workspace) Bus() *events.Bus { return w.bus }

// Database returns the replica store.
func (w *Workspace) Database() *gorm.DB { return w.db }

// Outbox returns the pending mutation queue.
func (w *Workspace) Outbox() *outbox.Outbox { return w.outbox }

// Connected reports whether the sync socket has a live session.
func (w *Workspace) Connected() bool { return w.socket.Connected() }

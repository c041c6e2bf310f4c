// Package query runs live queries against the local replica.
//
// A subscription keeps the last result of its query. Every bus event is offered to every live
// subscription exactly once; a subscription's listener is called only when its handler reports
// a change.
package query

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/MarcoPoloResearchLab/nebula/internal/client/events"
	"go.uber.org/zap"
)

var (
	errMissingBus = errors.New("query: event bus is required")
	errMissingID  = errors.New("query: subscription id is required")
	// ErrEngineDestroyed indicates that the engine was used after Destroy.
	ErrEngineDestroyed = errors.New("query: engine destroyed")
)

// Change is the verdict of CheckForChanges. Result is meaningful only when HasChanges is set.
type Change[Out any] struct {
	HasChanges bool
	Result     Out
}

// Unchanged is the verdict for an event that does not affect a result.
func Unchanged[Out any]() Change[Out] {
	return Change[Out]{}
}

// Changed wraps a new result.
func Changed[Out any](result Out) Change[Out] {
	return Change[Out]{HasChanges: true, Result: result}
}

// Handler implements one query type.
type Handler[In, Out any] interface {
	// HandleQuery reads the result from scratch.
	HandleQuery(ctx context.Context, input In) (Out, error)
	// CheckForChanges derives the result after event from the previous one. It must not write.
	CheckForChanges(ctx context.Context, event events.Event, input In, previous Out) (Change[Out], error)
}

// Config wires an engine.
type Config struct {
	Bus    *events.Bus
	Logger *zap.Logger
}

type liveQuery interface {
	check(ctx context.Context, event events.Event) (func(), error)
	current() (any, bool)
}

// Engine owns the subscription registry.
type Engine struct {
	bus    *events.Bus
	logger *zap.Logger

	mu             sync.Mutex
	subscriptions  map[string]liveQuery
	order          []string
	ctx            context.Context
	cancel         context.CancelFunc
	subscriptionID int64
	started        bool
	destroyed      bool
}

// NewEngine constructs an engine. Init starts event processing.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		bus:           cfg.Bus,
		logger:        logger,
		subscriptions: make(map[string]liveQuery),
	}, nil
}

// Init subscribes the engine to the bus. ctx bounds every CheckForChanges call.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return ErrEngineDestroyed
	}
	if e.started {
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.subscriptionID = e.bus.Subscribe(e.handle)
	e.started = true
	return nil
}

// Destroy drops every subscription and stops event processing.
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	e.destroyed = true
	if e.started {
		e.bus.Unsubscribe(e.subscriptionID)
		e.cancel()
	}
	e.subscriptions = make(map[string]liveQuery)
	e.order = nil
}

// Subscribe registers the subscription under id, replacing any previous one, then runs handler's
// cold query. Events dispatched while the cold query runs are replayed against its result before
// Subscribe returns. listener receives every later changed result; it may be nil.
func Subscribe[In, Out any](ctx context.Context, engine *Engine, id string, handler Handler[In, Out], input In, listener func(Out)) (Out, error) {
	var zero Out
	if id == "" {
		return zero, errMissingID
	}
	entry := &subscription[In, Out]{handler: handler, input: input, listener: listener, logger: engine.logger.With(zap.String("subscription_id", id))}

	engine.mu.Lock()
	if engine.destroyed {
		engine.mu.Unlock()
		return zero, ErrEngineDestroyed
	}
	if _, exists := engine.subscriptions[id]; !exists {
		engine.order = append(engine.order, id)
	}
	engine.subscriptions[id] = entry
	engine.mu.Unlock()

	result, err := handler.HandleQuery(ctx, input)
	if err == nil {
		result, err = entry.settle(ctx, result)
	}
	if err != nil {
		engine.remove(id, entry)
		return zero, err
	}
	return result, nil
}

// Result returns the cached result of subscription id. A subscription whose cold query is still
// running has no result yet.
func Result[Out any](engine *Engine, id string) (Out, bool) {
	var zero Out
	engine.mu.Lock()
	entry, ok := engine.subscriptions[id]
	engine.mu.Unlock()
	if !ok {
		return zero, false
	}
	current, ready := entry.current()
	if !ready {
		return zero, false
	}
	result, ok := current.(Out)
	return result, ok
}

// Unsubscribe removes subscription id. Unknown ids are ignored.
func (e *Engine) Unsubscribe(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unregister(id)
}

// remove unregisters id only if it still maps to entry.
func (e *Engine) remove(id string, entry liveQuery) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subscriptions[id] == entry {
		e.unregister(id)
	}
}

func (e *Engine) unregister(id string) {
	if _, ok := e.subscriptions[id]; !ok {
		return
	}
	delete(e.subscriptions, id)
	for index, existing := range e.order {
		if existing == id {
			e.order = append(e.order[:index:index], e.order[index+1:]...)
			break
		}
	}
}

// Len returns the number of live subscriptions.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subscriptions)
}

func (e *Engine) handle(event events.Event) {
	e.mu.Lock()
	ctx := e.ctx
	ids := append([]string(nil), e.order...)
	entries := make([]liveQuery, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, e.subscriptions[id])
	}
	e.mu.Unlock()

	for index, entry := range entries {
		commit, err := entry.check(ctx, event)
		if err != nil {
			e.logger.Warn("query re-read failed",
				zap.String("subscription_id", ids[index]),
				zap.String("event", string(event.Kind())),
				zap.Error(err))
			continue
		}
		if commit == nil || !e.stillLive(ids[index], entry) {
			continue
		}
		commit()
	}
}

func (e *Engine) stillLive(id string, entry liveQuery) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subscriptions[id] == entry
}

type subscription[In, Out any] struct {
	handler  Handler[In, Out]
	input    In
	listener func(Out)
	logger   *zap.Logger

	mu      sync.Mutex
	last    Out
	ready   bool
	backlog []events.Event
}

// settle stores the cold result and folds in every event buffered while it was read.
func (s *subscription[In, Out]) settle(ctx context.Context, result Out) (Out, error) {
	s.mu.Lock()
	s.last = result
	for len(s.backlog) > 0 {
		event := s.backlog[0]
		s.backlog = s.backlog[1:]
		previous := s.last
		s.mu.Unlock()

		change, err := s.evaluate(ctx, event, previous)
		if err != nil {
			return result, err
		}

		s.mu.Lock()
		if change.HasChanges {
			s.last = change.Result
		}
	}
	s.ready = true
	settled := s.last
	s.mu.Unlock()
	return settled, nil
}

func (s *subscription[In, Out]) check(ctx context.Context, event events.Event) (func(), error) {
	s.mu.Lock()
	if !s.ready {
		s.backlog = append(s.backlog, event)
		s.mu.Unlock()
		return nil, nil
	}
	previous := s.last
	s.mu.Unlock()

	change, err := s.evaluate(ctx, event, previous)
	if err != nil || !change.HasChanges {
		return nil, err
	}
	return func() {
		s.mu.Lock()
		s.last = change.Result
		s.mu.Unlock()
		if s.listener != nil {
			s.listener(change.Result)
		}
	}, nil
}

// evaluate runs CheckForChanges and falls back to a full HandleQuery when it fails.
func (s *subscription[In, Out]) evaluate(ctx context.Context, event events.Event, previous Out) (Change[Out], error) {
	change, err := s.handler.CheckForChanges(ctx, event, s.input, previous)
	if err == nil {
		return change, nil
	}
	s.logger.Warn("query change check failed, re-reading",
		zap.String("event", string(event.Kind())),
		zap.Error(err))
	fresh, queryErr := s.handler.HandleQuery(ctx, s.input)
	if queryErr != nil {
		return Unchanged[Out](), errors.Join(err, queryErr)
	}
	if reflect.DeepEqual(fresh, previous) {
		return Unchanged[Out](), nil
	}
	return Changed(fresh), nil
}

func (s *subscription[In, Out]) current() (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.ready
}

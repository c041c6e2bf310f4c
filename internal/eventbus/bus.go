package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const defaultBroadcastTimeout = 5 * time.Second

var (
	errMissingCodec  = errors.New("eventbus: codec is required when a broadcaster is configured")
	errMissingHostID = errors.New("eventbus: host id is required when a broadcaster is configured")
	// ErrBusDestroyed indicates that the bus was used after Destroy.
	ErrBusDestroyed = errors.New("eventbus: destroyed")
)

// Codec converts events to and from the bytes carried by a Broadcaster.
type Codec[E any] interface {
	Encode(event E) (string, []byte, error)
	Decode(kind string, payload []byte) (E, error)
}

// Broadcaster mirrors published events across horizontally scaled hosts.
type Broadcaster interface {
	Send(ctx context.Context, payload []byte) error
	// Listen blocks, invoking handle for every received payload, until ctx is done.
	Listen(ctx context.Context, handle func(payload []byte)) error
	Close() error
}

// Config wires an event bus.
type Config[E any] struct {
	HostID           string
	Broadcaster      Broadcaster
	Codec            Codec[E]
	BroadcastTimeout time.Duration
	Logger           *zap.Logger
}

type envelope struct {
	Host    string `msgpack:"host"`
	Kind    string `msgpack:"kind"`
	Payload []byte `msgpack:"payload"`
}

type subscription[E any] struct {
	id      int64
	handler func(E)
}

// Bus is a process-local publish/subscribe hub.
// Events are delivered to subscribers one at a time in publication order;
// an event published from inside a handler is queued behind the event being delivered.
type Bus[E any] struct {
	hostID           string
	broadcaster      Broadcaster
	codec            Codec[E]
	broadcastTimeout time.Duration
	logger           *zap.Logger

	mu            sync.RWMutex
	subscriptions []subscription[E]
	nextID        int64
	destroyed     bool

	queueMu  sync.Mutex
	queue    []E
	draining bool

	cancel   context.CancelFunc
	listenWG sync.WaitGroup
}

// New constructs a bus. Init must be called before mirrored events are received.
func New[E any](cfg Config[E]) (*Bus[E], error) {
	if cfg.Broadcaster != nil {
		if cfg.Codec == nil {
			return nil, errMissingCodec
		}
		if cfg.HostID == "" {
			return nil, errMissingHostID
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.BroadcastTimeout
	if timeout <= 0 {
		timeout = defaultBroadcastTimeout
	}
	return &Bus[E]{
		hostID:           cfg.HostID,
		broadcaster:      cfg.Broadcaster,
		codec:            cfg.Codec,
		broadcastTimeout: timeout,
		logger:           logger,
	}, nil
}

// Init starts receiving mirrored events when a broadcaster is configured.
func (b *Bus[E]) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return ErrBusDestroyed
	}
	if b.broadcaster == nil || b.cancel != nil {
		return nil
	}
	listenCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.listenWG.Add(1)
	go func() {
		defer b.listenWG.Done()
		err := b.broadcaster.Listen(listenCtx, b.receive)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("event bus listener stopped", zap.Error(err))
		}
	}()
	return nil
}

// Destroy stops the mirror listener and drops every subscription.
func (b *Bus[E]) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	b.subscriptions = nil
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		b.listenWG.Wait()
	}
	if b.broadcaster != nil {
		if err := b.broadcaster.Close(); err != nil {
			b.logger.Warn("event bus broadcaster close failed", zap.Error(err))
		}
	}
}

// Subscribe registers handler and returns its subscription id.
func (b *Bus[E]) Subscribe(handler func(E)) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subscriptions = append(b.subscriptions, subscription[E]{id: b.nextID, handler: handler})
	return b.nextID
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus[E]) Unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for index, existing := range b.subscriptions {
		if existing.id == id {
			b.subscriptions = append(b.subscriptions[:index:index], b.subscriptions[index+1:]...)
			return
		}
	}
}

// Publish delivers event locally and mirrors it to other hosts.
func (b *Bus[E]) Publish(event E) {
	b.dispatch(event)
	if b.broadcaster == nil {
		return
	}
	payload, err := b.encode(event)
	if err != nil {
		b.logger.Error("event bus encode failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.broadcastTimeout)
	defer cancel()
	if err := b.broadcaster.Send(ctx, payload); err != nil {
		b.logger.Warn("event bus broadcast failed", zap.Error(err))
	}
}

func (b *Bus[E]) encode(event E) ([]byte, error) {
	kind, payload, err := b.codec.Encode(event)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(&envelope{Host: b.hostID, Kind: kind, Payload: payload})
}

func (b *Bus[E]) receive(raw []byte) {
	var message envelope
	if err := msgpack.Unmarshal(raw, &message); err != nil {
		b.logger.Warn("event bus dropped malformed envelope", zap.Error(err))
		return
	}
	if message.Host == b.hostID {
		return
	}
	event, err := b.codec.Decode(message.Kind, message.Payload)
	if err != nil {
		b.logger.Warn("event bus dropped undecodable event",
			zap.String("kind", message.Kind),
			zap.String("origin_host", message.Host),
			zap.Error(err))
		return
	}
	b.dispatch(event)
}

func (b *Bus[E]) dispatch(event E) {
	b.queueMu.Lock()
	b.queue = append(b.queue, event)
	if b.draining {
		b.queueMu.Unlock()
		return
	}
	b.draining = true
	for len(b.queue) > 0 {
		next := b.queue[0]
		var zero E
		b.queue[0] = zero
		b.queue = b.queue[1:]
		b.queueMu.Unlock()
		b.deliver(next)
		b.queueMu.Lock()
	}
	b.queue = nil
	b.draining = false
	b.queueMu.Unlock()
}

func (b *Bus[E]) deliver(event E) {
	b.mu.RLock()
	subscriptions := make([]subscription[E], len(b.subscriptions))
	copy(subscriptions, b.subscriptions)
	b.mu.RUnlock()

	for _, current := range subscriptions {
		b.invoke(current, event)
	}
}

func (b *Bus[E]) invoke(current subscription[E], event E) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("event bus subscriber panicked",
				zap.Int64("subscription_id", current.id),
				zap.String("panic", fmt.Sprint(recovered)))
		}
	}()
	current.handler(event)
}

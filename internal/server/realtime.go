package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/auth"
	"github.com/MarcoPoloResearchLab/nebula/internal/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/metrics"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"github.com/MarcoPoloResearchLab/nebula/internal/synchronizer"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultEventBuffer   = 256
	defaultWriteTimeout  = 10 * time.Second
	defaultPongTimeout   = 60 * time.Second
	defaultPingInterval  = 25 * time.Second
	maxInboundFrameBytes = 64 * 1024

	reasonForbiddenRoot = "forbidden_root"
	reasonInvalidInput  = "invalid_input"
	reasonFetchFailed   = "fetch_failed"
)

var (
	errMissingRealtimeDatabase = errors.New("realtime hub: database handle is required")
	errMissingRealtimeBus      = errors.New("realtime hub: event bus is required")
)

// RealtimeHubConfig wires the socket hub.
type RealtimeHubConfig struct {
	Database     *gorm.DB
	Bus          *events.Bus
	Logger       *zap.Logger
	EventBuffer  int
	PingInterval time.Duration
}

// RealtimeHub owns every open synchronization socket and fans bus events out to them.
type RealtimeHub struct {
	db           *gorm.DB
	bus          *events.Bus
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	eventBuffer  int
	pingInterval time.Duration

	mu             sync.RWMutex
	connections    map[string]map[int64]*connection
	nextID         int64
	subscriptionID int64
}

// NewRealtimeHub constructs the hub and subscribes it to the bus.
func NewRealtimeHub(cfg RealtimeHubConfig) (*RealtimeHub, error) {
	if cfg.Database == nil {
		return nil, errMissingRealtimeDatabase
	}
	if cfg.Bus == nil {
		return nil, errMissingRealtimeBus
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	eventBuffer := cfg.EventBuffer
	if eventBuffer <= 0 {
		eventBuffer = defaultEventBuffer
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	hub := &RealtimeHub{
		db:           cfg.Database,
		bus:          cfg.Bus,
		logger:       logger,
		eventBuffer:  eventBuffer,
		pingInterval: pingInterval,
		connections:  make(map[string]map[int64]*connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	hub.subscriptionID = cfg.Bus.Subscribe(hub.dispatch)
	return hub, nil
}

// Close detaches the hub from the bus.
func (h *RealtimeHub) Close() {
	h.bus.Unsubscribe(h.subscriptionID)
}

// Serve upgrades the request and runs the connection until it closes.
func (h *RealtimeHub) Serve(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &connection{
		hub:           h,
		socket:        socket,
		identity:      identity,
		events:        make(chan events.Event, h.eventBuffer),
		resync:        make(chan struct{}, 1),
		inbound:       make(chan []byte),
		synchronizers: make(map[string]*subscription),
		logger: h.logger.With(
			zap.String("user_id", identity.UserID),
			zap.String("workspace_id", identity.WorkspaceID)),
	}
	h.register(conn)
	metrics.ConnectionOpened()
	defer func() {
		h.unregister(conn)
		metrics.ConnectionClosed()
		_ = socket.Close()
	}()

	conn.run(r.Context())
}

func (h *RealtimeHub) register(conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	conn.id = h.nextID
	workspaceConnections, ok := h.connections[conn.identity.WorkspaceID]
	if !ok {
		workspaceConnections = make(map[int64]*connection)
		h.connections[conn.identity.WorkspaceID] = workspaceConnections
	}
	workspaceConnections[conn.id] = conn
}

func (h *RealtimeHub) unregister(conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	workspaceConnections := h.connections[conn.identity.WorkspaceID]
	if workspaceConnections == nil {
		return
	}
	delete(workspaceConnections, conn.id)
	if len(workspaceConnections) == 0 {
		delete(h.connections, conn.identity.WorkspaceID)
	}
}

// dispatch runs on the bus; it only enqueues so a slow socket never stalls publishers.
func (h *RealtimeHub) dispatch(event events.Event) {
	h.mu.RLock()
	workspaceConnections := h.connections[event.Workspace()]
	targets := make([]*connection, 0, len(workspaceConnections))
	for _, conn := range workspaceConnections {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		select {
		case conn.events <- event:
		default:
			conn.requestResync()
		}
	}
}

// subscription is one synchronizer opened by the client.
// While awaitingAck is set the page just sent has not been confirmed and nothing more is pushed.
type subscription struct {
	sync        *synchronizer.Synchronizer
	awaitingAck bool
}

type connection struct {
	id       int64
	hub      *RealtimeHub
	socket   *websocket.Conn
	identity auth.Identity
	logger   *zap.Logger

	events  chan events.Event
	resync  chan struct{}
	inbound chan []byte

	// synchronizers is owned by the run goroutine.
	synchronizers map[string]*subscription
}

func (c *connection) requestResync() {
	select {
	case c.resync <- struct{}{}:
	default:
	}
}

func (c *connection) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go c.readLoop(ctx, cancel)

	ping := time.NewTicker(c.hub.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.inbound:
			if err := c.handleFrame(ctx, frame); err != nil {
				c.logger.Info("realtime connection closed", zap.Error(err))
				return
			}
		case event := <-c.events:
			if err := c.handleEvent(ctx, event); err != nil {
				c.logger.Info("realtime connection closed", zap.Error(err))
				return
			}
		case <-c.resync:
			for _, current := range c.synchronizers {
				if err := c.pump(ctx, current); err != nil {
					return
				}
			}
		case <-ping.C:
			deadline := time.Now().Add(defaultWriteTimeout)
			if err := c.socket.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *connection) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	c.socket.SetReadLimit(maxInboundFrameBytes)
	_ = c.socket.SetReadDeadline(time.Now().Add(defaultPongTimeout))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(defaultPongTimeout))
	})
	for {
		_, frame, err := c.socket.ReadMessage()
		if err != nil {
			return
		}
		_ = c.socket.SetReadDeadline(time.Now().Add(defaultPongTimeout))
		select {
		case c.inbound <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (c *connection) handleFrame(ctx context.Context, frame []byte) error {
	var header protocol.MessageHeader
	if err := json.Unmarshal(frame, &header); err != nil {
		c.logger.Warn("dropping malformed frame", zap.Error(err))
		return nil
	}
	switch header.Type {
	case protocol.MessageSynchronizerInput:
		var message protocol.SynchronizerInputMessage
		if err := json.Unmarshal(frame, &message); err != nil {
			return c.writeError(message.ID, reasonInvalidInput)
		}
		return c.handleInput(ctx, message)
	case protocol.MessageSynchronizerRemove:
		var message protocol.SynchronizerRemoveMessage
		if err := json.Unmarshal(frame, &message); err != nil {
			return nil
		}
		delete(c.synchronizers, message.ID)
		return nil
	default:
		c.logger.Warn("dropping frame with unknown type", zap.String("type", string(header.Type)))
		return nil
	}
}

// handleInput opens a synchronizer, or treats a repeated input as the delivery acknowledgement
// that moves the stored cursor forward.
func (c *connection) handleInput(ctx context.Context, message protocol.SynchronizerInputMessage) error {
	if message.ID == "" {
		return nil
	}
	existing, ok := c.synchronizers[message.ID]
	if ok && existing.sync.Input() == message.Input {
		existing.sync.SetCursor(message.Cursor)
		existing.awaitingAck = false
		return c.pump(ctx, existing)
	}

	created, err := synchronizer.New(ctx, synchronizer.Config{
		Database:   c.hub.db,
		ID:         message.ID,
		Input:      message.Input,
		Subscriber: synchronizer.Subscriber{UserID: c.identity.UserID, WorkspaceID: c.identity.WorkspaceID},
		Cursor:     message.Cursor,
	})
	switch {
	case errors.Is(err, synchronizer.ErrForbiddenRoot):
		delete(c.synchronizers, message.ID)
		return c.writeError(message.ID, reasonForbiddenRoot)
	case errors.Is(err, protocol.ErrInvalidSynchronizerInput):
		delete(c.synchronizers, message.ID)
		return c.writeError(message.ID, reasonInvalidInput)
	case err != nil:
		c.logger.Error("synchronizer creation failed", zap.String("synchronizer_id", message.ID), zap.Error(err))
		return c.writeError(message.ID, reasonFetchFailed)
	}

	current := &subscription{sync: created}
	c.synchronizers[message.ID] = current
	return c.pump(ctx, current)
}

func (c *connection) handleEvent(ctx context.Context, event events.Event) error {
	if changed, ok := event.(events.CollaborationChanged); ok && changed.CollaboratorID == c.identity.UserID {
		c.dropRevokedRoot(ctx, changed.NodeID)
	}
	for _, current := range c.synchronizers {
		if !current.sync.ShouldFetch(event) {
			continue
		}
		if err := c.pump(ctx, current); err != nil {
			return err
		}
	}
	return nil
}

func (c *connection) dropRevokedRoot(ctx context.Context, rootID string) {
	subscriber := synchronizer.Subscriber{UserID: c.identity.UserID, WorkspaceID: c.identity.WorkspaceID}
	allowed, err := synchronizer.HasRootAccess(ctx, c.hub.db, subscriber, rootID)
	if err != nil || allowed {
		return
	}
	for id, current := range c.synchronizers {
		if current.sync.Input().RootID == rootID {
			delete(c.synchronizers, id)
		}
	}
}

// pump sends the next page unless the previous one is still unacknowledged.
func (c *connection) pump(ctx context.Context, current *subscription) error {
	if current.awaitingAck {
		return nil
	}
	message, err := current.sync.FetchData(ctx)
	if err != nil {
		c.logger.Error("synchronizer fetch failed",
			zap.String("synchronizer_id", current.sync.ID()),
			zap.Error(err))
		return nil
	}
	if message == nil {
		return nil
	}
	if err := c.write(message); err != nil {
		return err
	}
	current.awaitingAck = true
	return nil
}

func (c *connection) writeError(id, reason string) error {
	return c.write(protocol.SynchronizerErrorMessage{Type: protocol.MessageSynchronizerError, ID: id, Reason: reason})
}

func (c *connection) write(message any) error {
	_ = c.socket.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return c.socket.WriteJSON(message)
}

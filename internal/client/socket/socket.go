// Package socket keeps the replica subscribed to the server's synchronizers.
//
// Every output page is applied item by item. The cursor of the last applied item is persisted and
// then acknowledged by re-sending the synchronizer input, so a page is never acknowledged before
// it is stored.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/client/backoff"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultHandshake    = 15 * time.Second
	maxInboundBytes     = 8 << 20
)

var (
	errMissingURL     = errors.New("socket: url is required")
	errMissingApplier = errors.New("socket: applier is required")
	errMissingCursors = errors.New("socket: cursor store is required")
	errMissingRoots   = errors.New("socket: root lister is required")
	errNotConnected   = errors.New("socket: not connected")
)

// Applier merges one synchronizer item into the replica.
type Applier interface {
	ApplyItem(ctx context.Context, synchronizerType protocol.SynchronizerType, data json.RawMessage) (bool, error)
}

// CursorStore persists synchronizer cursors.
type CursorStore interface {
	Get(id string) (protocol.Revision, error)
	Set(id string, cursor protocol.Revision) error
	Delete(id string) error
}

// RootLister lists the roots the local user collaborates on.
type RootLister interface {
	ActiveRootIDs(ctx context.Context) ([]string, error)
}

// Config wires a socket.
type Config struct {
	URL     string
	Header  http.Header
	Dialer  *websocket.Dialer
	Applier Applier
	Cursors CursorStore
	Roots   RootLister
	Bus     *events.Bus
	Backoff *backoff.Calculator
	Logger  *zap.Logger
}

// Socket owns the websocket session and reconnects through its own backoff.
type Socket struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	applier Applier
	cursors CursorStore
	roots   RootLister
	bus     *events.Bus
	backoff *backoff.Calculator
	logger  *zap.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	open           map[string]protocol.SynchronizerInput
	subscriptionID int64
	subscribed     bool

	writeMu sync.Mutex
}

// New validates cfg and constructs a socket.
func New(cfg Config) (*Socket, error) {
	switch {
	case cfg.URL == "":
		return nil, errMissingURL
	case cfg.Applier == nil:
		return nil, errMissingApplier
	case cfg.Cursors == nil:
		return nil, errMissingCursors
	case cfg.Roots == nil:
		return nil, errMissingRoots
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshake}
	}
	calculator := cfg.Backoff
	if calculator == nil {
		calculator = backoff.New(backoff.Config{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Socket{
		url:     cfg.URL,
		header:  cfg.Header,
		dialer:  dialer,
		applier: cfg.Applier,
		cursors: cfg.Cursors,
		roots:   cfg.Roots,
		bus:     cfg.Bus,
		backoff: calculator,
		logger:  logger,
		open:    make(map[string]protocol.SynchronizerInput),
	}, nil
}

// Run connects and serves sessions until ctx is done. Failed dials and failed sessions close the
// backoff gate; a session that delivered at least one page reopens it.
func (s *Socket) Run(ctx context.Context) error {
	s.subscribe()
	defer s.unsubscribe()

	for {
		if wait := s.backoff.Wait(); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, response, err := s.dialer.DialContext(ctx, s.url, s.header)
		if err != nil {
			status := 0
			if response != nil {
				status = response.StatusCode
			}
			s.backoff.IncreaseError()
			s.logger.Warn("socket dial failed",
				zap.Error(err),
				zap.Int("status", status),
				zap.Duration("retry_in", s.backoff.Wait()))
			continue
		}

		err = s.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.backoff.IncreaseError()
		s.logger.Warn("socket session ended", zap.Error(err), zap.Duration("retry_in", s.backoff.Wait()))
	}
}

// Connected reports whether a session is live.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Socket) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxInboundBytes)
	s.mu.Lock()
	s.conn = conn
	s.open = make(map[string]protocol.SynchronizerInput)
	s.mu.Unlock()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		_ = conn.Close()
	}()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	if err := s.openAll(sessionCtx); err != nil {
		return err
	}
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.handleFrame(sessionCtx, payload); err != nil {
			return err
		}
	}
}

func (s *Socket) openAll(ctx context.Context) error {
	inputs := []protocol.SynchronizerInput{
		{Type: protocol.SynchronizerUsers},
		{Type: protocol.SynchronizerCollaborations},
	}
	rootIDs, err := s.roots.ActiveRootIDs(ctx)
	if err != nil {
		return fmt.Errorf("socket: list roots: %w", err)
	}
	for _, rootID := range rootIDs {
		inputs = append(inputs, rootInputs(rootID)...)
	}
	for _, input := range inputs {
		if err := s.openInput(input); err != nil {
			return err
		}
	}
	return nil
}

func rootInputs(rootID string) []protocol.SynchronizerInput {
	inputs := make([]protocol.SynchronizerInput, 0, len(protocol.RootSynchronizerTypes))
	for _, synchronizerType := range protocol.RootSynchronizerTypes {
		inputs = append(inputs, protocol.SynchronizerInput{Type: synchronizerType, RootID: rootID})
	}
	return inputs
}

func (s *Socket) openInput(input protocol.SynchronizerInput) error {
	id := input.Key()
	cursor, err := s.cursors.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.open[id] = input
	s.mu.Unlock()
	return s.write(protocol.SynchronizerInputMessage{
		Type:   protocol.MessageSynchronizerInput,
		ID:     id,
		Input:  input,
		Cursor: cursor,
	})
}

func (s *Socket) closeInput(id string) error {
	s.mu.Lock()
	_, wasOpen := s.open[id]
	delete(s.open, id)
	s.mu.Unlock()
	if err := s.cursors.Delete(id); err != nil {
		return err
	}
	if !wasOpen {
		return nil
	}
	return s.write(protocol.SynchronizerRemoveMessage{Type: protocol.MessageSynchronizerRemove, ID: id})
}

func (s *Socket) handleFrame(ctx context.Context, payload []byte) error {
	var header protocol.MessageHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		s.logger.Warn("socket dropped malformed frame", zap.Error(err))
		return nil
	}
	switch header.Type {
	case protocol.MessageSynchronizerOutput:
		var message protocol.SynchronizerOutputMessage
		if err := json.Unmarshal(payload, &message); err != nil {
			s.logger.Warn("socket dropped malformed output", zap.Error(err))
			return nil
		}
		return s.handleOutput(ctx, message)
	case protocol.MessageSynchronizerError:
		var message protocol.SynchronizerErrorMessage
		if err := json.Unmarshal(payload, &message); err != nil {
			return nil
		}
		s.logger.Warn("synchronizer closed by server", zap.String("synchronizer_id", message.ID), zap.String("reason", message.Reason))
		s.mu.Lock()
		delete(s.open, message.ID)
		s.mu.Unlock()
		return nil
	default:
		s.logger.Debug("socket ignored frame", zap.String("type", string(header.Type)))
		return nil
	}
}

// handleOutput applies a page in order. A failed item ends the session without acknowledging, so
// the page is redelivered from the last stored cursor after reconnecting.
func (s *Socket) handleOutput(ctx context.Context, message protocol.SynchronizerOutputMessage) error {
	s.mu.Lock()
	input, ok := s.open[message.ID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("socket ignored output for closed synchronizer", zap.String("synchronizer_id", message.ID))
		return nil
	}

	applied := protocol.ZeroRevision
	for _, item := range message.Items {
		if _, err := s.applier.ApplyItem(ctx, input.Type, item.Data); err != nil {
			if applied != protocol.ZeroRevision {
				if storeErr := s.cursors.Set(message.ID, applied); storeErr != nil {
					s.logger.Error("cursor store failed", zap.String("synchronizer_id", message.ID), zap.Error(storeErr))
				}
			}
			return fmt.Errorf("socket: apply %s at %s: %w", message.ID, item.Cursor, err)
		}
		applied = item.Cursor
	}
	if len(message.Items) == 0 {
		return nil
	}
	if err := s.cursors.Set(message.ID, applied); err != nil {
		return err
	}
	s.backoff.Reset()

	s.mu.Lock()
	_, stillOpen := s.open[message.ID]
	s.mu.Unlock()
	if !stillOpen {
		return nil
	}
	return s.write(protocol.SynchronizerInputMessage{
		Type:   protocol.MessageSynchronizerInput,
		ID:     message.ID,
		Input:  input,
		Cursor: applied,
	})
}

func (s *Socket) write(message any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(message)
}

func (s *Socket) subscribe() {
	if s.bus == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed {
		return
	}
	s.subscriptionID = s.bus.Subscribe(s.handleEvent)
	s.subscribed = true
}

func (s *Socket) unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.subscribed {
		return
	}
	s.bus.Unsubscribe(s.subscriptionID)
	s.subscribed = false
}

// handleEvent opens or closes root synchronizers as collaborations change.
func (s *Socket) handleEvent(event events.Event) {
	switch typed := event.(type) {
	case events.CollaborationChanged:
		if !typed.Created || !s.Connected() {
			return
		}
		for _, input := range rootInputs(typed.Collaboration.NodeID) {
			if err := s.openInput(input); err != nil {
				s.logger.Warn("socket failed to open root synchronizer", zap.String("synchronizer_id", input.Key()), zap.Error(err))
				return
			}
		}
	case events.CollaborationDeleted:
		for _, input := range rootInputs(typed.Collaboration.NodeID) {
			if err := s.closeInput(input.Key()); err != nil && !errors.Is(err, errNotConnected) {
				s.logger.Warn("socket failed to close root synchronizer", zap.String("synchronizer_id", input.Key()), zap.Error(err))
			}
		}
	}
}

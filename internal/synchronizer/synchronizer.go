// Package synchronizer serves cursor-driven pages of the server's revision logs.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/nebula/internal/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/metrics"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"github.com/MarcoPoloResearchLab/nebula/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
)

const tracerName = "nebula/synchronizer"

var (
	// ErrForbiddenRoot indicates the subscriber has no active collaboration on the requested root.
	ErrForbiddenRoot = errors.New("synchronizer: root not accessible")
	errMissingDB     = errors.New("synchronizer: database handle is required")
	errMissingUser   = errors.New("synchronizer: subscriber user and workspace are required")
)

// Status is the fetch guard state.
type Status int32

const (
	StatusPending Status = iota
	StatusFetching
)

// Subscriber identifies who a synchronizer reads for.
type Subscriber struct {
	UserID      string
	WorkspaceID string
}

// Config creates one synchronizer.
type Config struct {
	Database   *gorm.DB
	ID         string
	Input      protocol.SynchronizerInput
	Subscriber Subscriber
	Cursor     protocol.Revision
}

// Synchronizer reads one (subscriber, type, scope) log from a cursor.
// Fetches do not overlap: a fetch started while another is running returns nil immediately,
// and the caller is expected to re-trigger on the next event.
type Synchronizer struct {
	db     *gorm.DB
	id     string
	input  protocol.SynchronizerInput
	bounds scope
	reader reader

	status atomic.Int32

	mu     sync.Mutex
	cursor protocol.Revision
}

// New validates the input and, for root-scoped logs, the subscriber's access to the root.
func New(ctx context.Context, cfg Config) (*Synchronizer, error) {
	if cfg.Database == nil {
		return nil, errMissingDB
	}
	if strings.TrimSpace(cfg.Subscriber.UserID) == "" || strings.TrimSpace(cfg.Subscriber.WorkspaceID) == "" {
		return nil, errMissingUser
	}
	if err := cfg.Input.Validate(); err != nil {
		return nil, err
	}
	logReader, ok := readerFor(cfg.Input.Type)
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", protocol.ErrInvalidSynchronizerInput, cfg.Input.Type)
	}
	if cfg.Input.Type.RootScoped() {
		if err := checkRootAccess(ctx, cfg.Database, cfg.Subscriber, cfg.Input.RootID); err != nil {
			return nil, err
		}
	}

	id := cfg.ID
	if id == "" {
		id = cfg.Input.Key()
	}
	return &Synchronizer{
		db:    cfg.Database,
		id:    id,
		input: cfg.Input,
		bounds: scope{
			userID:      cfg.Subscriber.UserID,
			workspaceID: cfg.Subscriber.WorkspaceID,
			rootID:      cfg.Input.RootID,
		},
		reader: logReader,
		cursor: cfg.Cursor,
	}, nil
}

func checkRootAccess(ctx context.Context, db *gorm.DB, subscriber Subscriber, rootID string) error {
	allowed, err := HasRootAccess(ctx, db, subscriber, rootID)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrForbiddenRoot
	}
	return nil
}

// HasRootAccess reports whether subscriber holds an active collaboration on rootID.
func HasRootAccess(ctx context.Context, db *gorm.DB, subscriber Subscriber, rootID string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&storage.Collaboration{}).
		Where("node_id = ? AND collaborator_id = ? AND workspace_id = ? AND deleted_at IS NULL",
			rootID, subscriber.UserID, subscriber.WorkspaceID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ID returns the subscriber-chosen synchronizer id.
func (s *Synchronizer) ID() string {
	return s.id
}

// Input returns the log selection.
func (s *Synchronizer) Input() protocol.SynchronizerInput {
	return s.input
}

// Status reports whether a fetch is running.
func (s *Synchronizer) Status() Status {
	return Status(s.status.Load())
}

// Cursor returns the last revision the subscriber confirmed.
func (s *Synchronizer) Cursor() protocol.Revision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// SetCursor advances the confirmed cursor. Lower cursors are ignored; it reports whether the cursor moved.
func (s *Synchronizer) SetCursor(cursor protocol.Revision) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !cursor.After(s.cursor) {
		return false
	}
	s.cursor = cursor
	return true
}

// ShouldFetch reports whether event may have appended to this synchronizer's log.
func (s *Synchronizer) ShouldFetch(event events.Event) bool {
	return s.reader.shouldFetch(event, s.bounds)
}

// FetchDataFromEvent fetches only when event is relevant.
func (s *Synchronizer) FetchDataFromEvent(ctx context.Context, event events.Event) (*protocol.SynchronizerOutputMessage, error) {
	if !s.ShouldFetch(event) {
		return nil, nil
	}
	return s.FetchData(ctx)
}

// FetchData returns up to one page of items above the cursor, or nil when there are none.
// The cursor is not advanced; callers advance it with SetCursor after delivery is confirmed.
func (s *Synchronizer) FetchData(ctx context.Context) (*protocol.SynchronizerOutputMessage, error) {
	synchronizerType := string(s.input.Type)
	if !s.status.CompareAndSwap(int32(StatusPending), int32(StatusFetching)) {
		metrics.IncSkippedFetch(synchronizerType)
		return nil, nil
	}
	defer s.status.Store(int32(StatusPending))

	ctx, span := otel.Tracer(tracerName).Start(ctx, "synchronizer.Synchronizer.FetchData")
	defer span.End()
	cursor := s.Cursor()
	span.SetAttributes(
		attribute.String("synchronizer_type", synchronizerType),
		attribute.String("root_id", s.bounds.rootID),
		attribute.Int64("cursor", cursor.Int64()),
	)

	timer := metrics.ObserveSynchronizerFetch(synchronizerType)
	items, err := s.reader.read(ctx, s.db, s.bounds, cursor.Int64())
	timer.ObserveDuration()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("result_count", len(items)))
	if len(items) == 0 {
		return nil, nil
	}
	metrics.AddSynchronizerItems(synchronizerType, len(items))
	return &protocol.SynchronizerOutputMessage{
		Type:   protocol.MessageSynchronizerOutput,
		ID:     s.id,
		UserID: s.bounds.userID,
		Items:  items,
	}, nil
}

// PageSize returns the maximum number of items per message.
func (s *Synchronizer) PageSize() int {
	return s.reader.limit()
}

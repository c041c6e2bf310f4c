// Package apply merges synchronized server records into the local replica.
//
// Every merge is an upsert guarded by revision: a record whose revision is not newer than the
// stored copy is a silent no-op, so redelivered pages are safe to apply again.
package apply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/nebula/internal/client/counters"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "apply.service.new"
	opApplyItem  = "apply.item"

	reasonMissingDatabase = "missing_database"
	reasonMissingUser     = "missing_user"
	reasonDecode          = "decode_failed"
	reasonUnknownType     = "unknown_synchronizer_type"
	reasonTransaction     = "transaction_failed"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUser     = errors.New("local user id is required")
	// ErrUnknownSynchronizerType indicates an item from a log this replica does not mirror.
	ErrUnknownSynchronizerType = errors.New("apply: unknown synchronizer type")
)

// ServiceError reports an apply failure; its code is "<operation>.<reason>".
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config wires the apply service.
type Config struct {
	Database *gorm.DB
	Bus      *events.Bus
	UserID   string
	Counters *counters.Reconciler
	Logger   *zap.Logger
}

// Service is the only local writer for server-sourced rows.
type Service struct {
	db       *gorm.DB
	bus      *events.Bus
	userID   string
	counters *counters.Reconciler
	logger   *zap.Logger
}

// NewService constructs the apply service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, newServiceError(opServiceNew, reasonMissingUser, errMissingUser)
	}
	reconciler := cfg.Counters
	if reconciler == nil {
		reconciler = counters.NewReconciler(cfg.UserID, nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       cfg.Database,
		bus:      cfg.Bus,
		userID:   cfg.UserID,
		counters: reconciler,
		logger:   logger,
	}, nil
}

// ApplyItem decodes one synchronizer item and merges it. It reports whether the merge published
// a change; a stale record reports false.
func (s *Service) ApplyItem(ctx context.Context, synchronizerType protocol.SynchronizerType, data json.RawMessage) (bool, error) {
	switch synchronizerType {
	case protocol.SynchronizerUsers:
		return applyDecoded(ctx, data, s.ApplyUser)
	case protocol.SynchronizerCollaborations:
		return applyDecoded(ctx, data, s.ApplyCollaboration)
	case protocol.SynchronizerNodeUpdates:
		return applyDecoded(ctx, data, s.ApplyNodeUpdate)
	case protocol.SynchronizerNodeTombstones:
		return applyDecoded(ctx, data, s.ApplyNodeTombstone)
	case protocol.SynchronizerNodeInteractions:
		return applyDecoded(ctx, data, s.ApplyNodeInteraction)
	case protocol.SynchronizerNodeReactions:
		return applyDecoded(ctx, data, s.ApplyNodeReaction)
	case protocol.SynchronizerDocumentUpdates:
		return applyDecoded(ctx, data, s.ApplyDocumentUpdate)
	default:
		return false, newServiceError(opApplyItem, reasonUnknownType,
			fmt.Errorf("%w: %q", ErrUnknownSynchronizerType, synchronizerType))
	}
}

func applyDecoded[T any](ctx context.Context, data json.RawMessage, apply func(context.Context, T) (bool, error)) (bool, error) {
	var record T
	if err := json.Unmarshal(data, &record); err != nil {
		return false, newServiceError(opApplyItem, reasonDecode, err)
	}
	return apply(ctx, record)
}

// run executes merge in one transaction and publishes its events only after commit.
func (s *Service) run(ctx context.Context, operation string, merge func(tx *gorm.DB) ([]events.Event, error)) (bool, error) {
	var published []events.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mergeErr error
		published, mergeErr = merge(tx)
		return mergeErr
	})
	if err != nil {
		s.logger.Error("apply service failure",
			zap.String("operation", operation),
			zap.String("reason", reasonTransaction),
			zap.Error(err))
		return false, newServiceError(operation, reasonTransaction, err)
	}
	if s.bus != nil {
		for _, event := range published {
			s.bus.Publish(event)
		}
	}
	return len(published) > 0, nil
}

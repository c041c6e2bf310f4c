package mutations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/metrics"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingActor    = errors.New("actor user and workspace are required")
)

// ServiceError is an internal failure; its code is "<operation>.<reason>".
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
	return &ServiceError{code: errorCode(operation, reason), err: cause}
}

func errorCode(operation, reason string) string {
	return fmt.Sprintf("%s.%s", operation, reason)
}

// rejection is a permanent, client-attributable failure of one mutation.
type rejection struct {
	status protocol.MutationStatus
	reason string
}

func (r *rejection) Error() string {
	return fmt.Sprintf("mutation rejected (%d): %s", r.status, r.reason)
}

func reject(status protocol.MutationStatus, reason string) error {
	return &rejection{status: status, reason: reason}
}

const (
	opServiceNew = "mutations.service.new"
	opApply      = "mutations.apply"

	reasonMissingDatabase = "missing_database"
	reasonMissingActor    = "missing_actor"
	reasonTransaction     = "transaction_failed"
	reasonCancelled       = "context_cancelled"

	reasonInvalidID        = "invalid_mutation_id"
	reasonUnknownType      = "unknown_mutation_type"
	reasonInvalidData      = "invalid_data"
	reasonNodeNotFound     = "node_not_found"
	reasonNodeExists       = "node_exists"
	reasonParentNotFound   = "parent_not_found"
	reasonForbidden        = "forbidden"
	reasonNotRoot          = "node_not_root"
	reasonUnknownRole      = "unknown_role"
	reasonCollaboratorGone = "collaborator_not_found"
	reasonUpdateIDConflict = "update_id_conflict"

	tracerName = "nebula/mutations"
)

// Actor is the authenticated author of a mutation batch.
type Actor struct {
	UserID      string
	WorkspaceID string
}

// ServiceConfig wires the mutation service.
type ServiceConfig struct {
	Database *gorm.DB
	Bus      *events.Bus
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service applies client mutation batches to the server store.
type Service struct {
	db       *gorm.DB
	bus      *events.Bus
	clock    func() time.Time
	logger   *zap.Logger
	handlers map[protocol.MutationType]handlerFunc
}

// handlerFunc applies one decoded mutation inside tx and returns the events to publish after commit.
type handlerFunc func(tx *gorm.DB, actor Actor, data json.RawMessage) ([]events.Event, error)

// NewService constructs the mutation service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	service := &Service{
		db:     cfg.Database,
		bus:    cfg.Bus,
		clock:  clock,
		logger: logger,
	}
	service.handlers = map[protocol.MutationType]handlerFunc{
		protocol.MutationCreateNode:          service.createNode,
		protocol.MutationUpdateNode:          service.updateNode,
		protocol.MutationDeleteNode:          service.deleteNode,
		protocol.MutationCreateNodeReaction:  service.createNodeReaction,
		protocol.MutationDeleteNodeReaction:  service.deleteNodeReaction,
		protocol.MutationMarkNodeSeen:        service.markNodeSeen,
		protocol.MutationMarkNodeOpened:      service.markNodeOpened,
		protocol.MutationUpdateDocument:      service.updateDocument,
		protocol.MutationGrantCollaboration:  service.grantCollaboration,
		protocol.MutationRevokeCollaboration: service.revokeCollaboration,
	}
	return service, nil
}

// Apply runs batch in order, each mutation in its own transaction.
// After the first transient failure the remaining mutations are reported skipped so the
// client retries from the first unacknowledged item.
func (s *Service) Apply(ctx context.Context, actor Actor, batch []protocol.Mutation) ([]protocol.MutationResult, error) {
	if strings.TrimSpace(actor.UserID) == "" || strings.TrimSpace(actor.WorkspaceID) == "" {
		return nil, newServiceError(opApply, reasonMissingActor, errMissingActor)
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "mutations.Service.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace_id", actor.WorkspaceID),
		attribute.Int("batch_size", len(batch)),
	)

	results := make([]protocol.MutationResult, 0, len(batch))
	halted := false
	for _, mutation := range batch {
		if halted {
			results = append(results, protocol.MutationResult{ID: mutation.ID, Status: protocol.MutationStatusSkipped})
			continue
		}
		result := s.applyOne(ctx, actor, mutation)
		metrics.IncMutation(string(mutation.Type), int(result.Status))
		if !result.Status.Succeeded() && !result.Status.Terminal() {
			halted = true
			span.SetStatus(codes.Error, result.Reason)
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *Service) applyOne(ctx context.Context, actor Actor, mutation protocol.Mutation) protocol.MutationResult {
	result := protocol.MutationResult{ID: mutation.ID}
	if err := protocol.ValidateIdentifier("mutation id", mutation.ID); err != nil {
		result.Status = protocol.MutationStatusBadRequest
		result.Reason = reasonInvalidID
		return result
	}
	handler, ok := s.handlers[mutation.Type]
	if !ok {
		result.Status = protocol.MutationStatusBadRequest
		result.Reason = reasonUnknownType
		return result
	}
	if ctx.Err() != nil {
		result.Status = protocol.MutationStatusInternalError
		result.Reason = errorCode(opApply, reasonCancelled)
		return result
	}

	var published []events.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var handlerErr error
		published, handlerErr = handler(tx, actor, mutation.Data)
		return handlerErr
	})

	var rejected *rejection
	switch {
	case err == nil:
		result.Status = protocol.MutationStatusOK
		s.publish(published)
	case errors.As(err, &rejected):
		result.Status = rejected.status
		result.Reason = rejected.reason
		s.logger.Info("mutation rejected",
			zap.String("mutation_id", mutation.ID),
			zap.String("mutation_type", string(mutation.Type)),
			zap.Int("status", int(rejected.status)),
			zap.String("reason", rejected.reason))
	default:
		s.logError(opApply, reasonTransaction, err,
			zap.String("mutation_id", mutation.ID),
			zap.String("mutation_type", string(mutation.Type)),
			zap.String("workspace_id", actor.WorkspaceID))
		result.Status = protocol.MutationStatusInternalError
		result.Reason = errorCode(opApply, reasonTransaction)
	}
	return result
}

func (s *Service) publish(published []events.Event) {
	if s.bus == nil {
		return
	}
	for _, event := range published {
		s.bus.Publish(event)
	}
}

func (s *Service) now(clientTime time.Time) time.Time {
	if clientTime.IsZero() {
		return s.clock().UTC()
	}
	return clientTime.UTC()
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("mutation service failure", allFields...)
}

func decodeData[T any](raw json.RawMessage) (T, error) {
	var data T
	if len(raw) == 0 {
		return data, reject(protocol.MutationStatusBadRequest, reasonInvalidData)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, reject(protocol.MutationStatusBadRequest, reasonInvalidData)
	}
	return data, nil
}

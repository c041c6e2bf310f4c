// Package commands performs local writes. Each command commits its visible effect and the outbox
// entry that carries it to the server in one transaction.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/client/counters"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/localdb"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCommandsNew = "commands.new"

	reasonMissingDatabase = "missing_database"
	reasonMissingOutbox   = "missing_outbox"
	reasonMissingUser     = "missing_user"
	reasonInvalidInput    = "invalid_input"
	reasonNodeNotFound    = "node_not_found"
	reasonForbidden       = "forbidden"
	reasonTransaction     = "transaction_failed"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingOutbox   = errors.New("outbox is required")
	errMissingUser     = errors.New("local user id is required")
	// ErrNodeNotFound indicates a command that targets a node absent from the replica.
	ErrNodeNotFound = errors.New("commands: node not found")
	// ErrNotAdmin indicates a collaboration change on a root the local user does not administer.
	ErrNotAdmin = errors.New("commands: admin role required")
)

// ServiceError reports a command failure; its code is "<operation>.<reason>".
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

// Outbox records mutations inside a caller's transaction.
type Outbox interface {
	Append(tx *gorm.DB, mutationType protocol.MutationType, data any) (localdb.Mutation, error)
	TriggerSync()
}

// Config wires the command service.
type Config struct {
	Database *gorm.DB
	Bus      *events.Bus
	Outbox   Outbox
	UserID   string
	Counters *counters.Reconciler
	// InteractionDebounce suppresses repeated seen/opened marks for the same node. Zero disables it.
	InteractionDebounce time.Duration
	Clock               func() time.Time
	Logger              *zap.Logger
}

// Result is returned by every command. A debounced or redundant command succeeds without a mutation.
type Result struct {
	Success    bool   `json:"success"`
	NodeID     string `json:"nodeId,omitempty"`
	MutationID string `json:"mutationId,omitempty"`
}

// Service executes local commands for one user.
type Service struct {
	db       *gorm.DB
	bus      *events.Bus
	outbox   Outbox
	userID   string
	counters *counters.Reconciler
	debounce time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewService constructs the command service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opCommandsNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Outbox == nil {
		return nil, newServiceError(opCommandsNew, reasonMissingOutbox, errMissingOutbox)
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, newServiceError(opCommandsNew, reasonMissingUser, errMissingUser)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	reconciler := cfg.Counters
	if reconciler == nil {
		reconciler = counters.NewReconciler(cfg.UserID, clock)
	}
	debounce := cfg.InteractionDebounce
	if debounce < 0 {
		debounce = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       cfg.Database,
		bus:      cfg.Bus,
		outbox:   cfg.Outbox,
		userID:   cfg.UserID,
		counters: reconciler,
		debounce: debounce,
		now:      clock,
		logger:   logger,
	}, nil
}

// execute runs write in one transaction, publishes its events after commit and wakes the outbox
// when a mutation was appended.
func (s *Service) execute(ctx context.Context, operation string, write func(tx *gorm.DB) (Result, []events.Event, error)) (Result, error) {
	var result Result
	var published []events.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var writeErr error
		result, published, writeErr = write(tx)
		return writeErr
	})
	if err != nil {
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			return Result{}, err
		}
		s.logger.Error("command failed",
			zap.String("operation", operation),
			zap.String("reason", reasonTransaction),
			zap.Error(err))
		return Result{}, newServiceError(operation, reasonTransaction, err)
	}
	if s.bus != nil {
		for _, event := range published {
			s.bus.Publish(event)
		}
	}
	if result.MutationID != "" {
		s.outbox.TriggerSync()
	}
	return result, nil
}

func (s *Service) loadNode(tx *gorm.DB, operation, nodeID string) (localdb.Node, error) {
	var node localdb.Node
	err := tx.Where("id = ?", nodeID).Take(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return localdb.Node{}, newServiceError(operation, reasonNodeNotFound, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID))
	}
	return node, err
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC()
}

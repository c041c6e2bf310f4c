// Package outbox stores local intent for the server and drains it in strict FIFO order.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/client"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/backoff"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/localdb"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultBatchSize    = 20
	defaultPollInterval = 30 * time.Second

	opOutboxNew    = "outbox.new"
	opOutboxAppend = "outbox.append"
	opOutboxSync   = "outbox.sync"

	reasonMissingDatabase = "missing_database"
	reasonMissingSender   = "missing_sender"
	reasonEncode          = "encode_failed"
	reasonIDGeneration    = "id_generation_failed"
	reasonInsert          = "insert_failed"
	reasonRead            = "read_failed"
	reasonSettle          = "settle_failed"

	// ReasonMaxRetriesExceeded is recorded on entries evicted after too many transient failures.
	ReasonMaxRetriesExceeded = "max_retries_exceeded"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingSender   = errors.New("mutation sender is required")
	// ErrTerminalMutation marks an entry the server permanently rejected.
	ErrTerminalMutation = errors.New("outbox: terminal mutation")
)

// ServiceError reports an outbox failure; its code is "<operation>.<reason>".
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

// Sender submits an ordered batch and returns one result per attempted item.
type Sender interface {
	Send(ctx context.Context, mutations []protocol.Mutation) ([]protocol.MutationResult, error)
}

// Config wires an outbox.
type Config struct {
	Database *gorm.DB
	Bus      *events.Bus
	Sender   Sender
	// Backoff, when set, lets Run sleep until a closed gate reopens instead of polling.
	Backoff      *backoff.Calculator
	BatchSize    int
	MaxRetries   int
	PollInterval time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Report summarises one SyncOnce pass.
type Report struct {
	Sent         int
	Acknowledged int
	Failed       int
	Retried      int
}

// Progressed reports whether the pass removed anything from the queue.
func (r Report) Progressed() bool {
	return r.Acknowledged > 0 || r.Failed > 0
}

// Outbox is the only local writer of mutations.
type Outbox struct {
	db           *gorm.DB
	bus          *events.Bus
	sender       Sender
	backoff      *backoff.Calculator
	batchSize    int
	maxRetries   int
	pollInterval time.Duration
	now          func() time.Time
	logger       *zap.Logger

	trigger chan struct{}
	syncMu  sync.Mutex
}

// New constructs an outbox.
func New(cfg Config) (*Outbox, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opOutboxNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Sender == nil {
		return nil, newServiceError(opOutboxNew, reasonMissingSender, errMissingSender)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Outbox{
		db:           cfg.Database,
		bus:          cfg.Bus,
		sender:       cfg.Sender,
		backoff:      cfg.Backoff,
		batchSize:    batchSize,
		maxRetries:   maxRetries,
		pollInterval: pollInterval,
		now:          clock,
		logger:       logger,
		trigger:      make(chan struct{}, 1),
	}, nil
}

// Append records a mutation inside tx, the same transaction that writes its local effect.
func (o *Outbox) Append(tx *gorm.DB, mutationType protocol.MutationType, data any) (localdb.Mutation, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return localdb.Mutation{}, newServiceError(opOutboxAppend, reasonEncode, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return localdb.Mutation{}, newServiceError(opOutboxAppend, reasonIDGeneration, err)
	}
	row := localdb.Mutation{
		ID:        id.String(),
		Type:      string(mutationType),
		Data:      datatypes.JSON(encoded),
		CreatedAt: o.now().UTC(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return localdb.Mutation{}, newServiceError(opOutboxAppend, reasonInsert, err)
	}
	return row, nil
}

// TriggerSync asks Run for another pass. Triggers made while a pass is running collapse into one.
func (o *Outbox) TriggerSync() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued entries.
func (o *Outbox) Pending(ctx context.Context) (int64, error) {
	var count int64
	err := o.db.WithContext(ctx).Model(&localdb.Mutation{}).Count(&count).Error
	return count, err
}

// Run drains the queue whenever triggered, on every poll tick, and when a closed backoff gate
// reopens, until ctx is done.
func (o *Outbox) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	var retry <-chan time.Time

	for {
		report, err := o.SyncOnce(ctx)
		switch {
		case err == nil:
			if report.Progressed() {
				o.TriggerSync()
			}
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			if !errors.Is(err, backoff.ErrBackoffInEffect) {
				o.logger.Warn("outbox sync failed", zap.Error(err), zap.Int("sent", report.Sent))
			}
			if o.backoff != nil {
				if wait := o.backoff.Wait(); wait > 0 {
					retry = time.After(wait)
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.trigger:
		case <-ticker.C:
		case <-retry:
			retry = nil
		}
	}
}

// SyncOnce sends the oldest batch, in insertion order, and settles every result in order. Processing stops at the first
// entry that was neither acknowledged nor terminally rejected, so later entries never overtake it.
func (o *Outbox) SyncOnce(ctx context.Context) (Report, error) {
	o.syncMu.Lock()
	defer o.syncMu.Unlock()

	var report Report
	var pending []localdb.Mutation
	err := o.db.WithContext(ctx).
		Order("sequence ASC").
		Limit(o.batchSize).
		Find(&pending).Error
	if err != nil {
		return report, newServiceError(opOutboxSync, reasonRead, err)
	}
	if len(pending) == 0 {
		return report, nil
	}

	batch := make([]protocol.Mutation, 0, len(pending))
	for _, row := range pending {
		batch = append(batch, protocol.Mutation{
			ID:        row.ID,
			Type:      protocol.MutationType(row.Type),
			Data:      json.RawMessage(row.Data),
			CreatedAt: row.CreatedAt,
		})
	}
	report.Sent = len(batch)

	results, err := o.sender.Send(ctx, batch)
	if err != nil {
		// Request-level rejections do not count against the entries.
		if errors.Is(err, backoff.ErrBackoffInEffect) || errors.Is(err, client.ErrRequestRejected) || ctx.Err() != nil {
			return report, err
		}
		failed, settleErr := o.retryAll(ctx, pending)
		report.Retried = len(pending) - len(failed)
		report.Failed = len(failed)
		o.publishFailures(failed)
		if settleErr != nil {
			return report, settleErr
		}
		return report, err
	}

	byID := make(map[string]protocol.MutationResult, len(results))
	for _, result := range results {
		byID[result.ID] = result
	}

	var failures []localdb.MutationFailure
	defer func() { o.publishFailures(failures) }()
	for _, row := range pending {
		result, ok := byID[row.ID]
		if !ok {
			result = protocol.MutationResult{ID: row.ID, Status: protocol.MutationStatusSkipped}
		}
		switch {
		case result.Status.Succeeded():
			if err := o.db.WithContext(ctx).Where("id = ?", row.ID).Delete(&localdb.Mutation{}).Error; err != nil {
				return report, newServiceError(opOutboxSync, reasonSettle, err)
			}
			report.Acknowledged++
		case result.Status.Terminal():
			failure, err := o.evict(ctx, row, int(result.Status), result.Reason)
			if err != nil {
				return report, err
			}
			o.logger.Warn("mutation rejected",
				zap.String("mutation_id", row.ID),
				zap.String("type", row.Type),
				zap.Int("status", int(result.Status)),
				zap.String("reason", result.Reason))
			failures = append(failures, failure)
			report.Failed++
		default:
			if result.Status == protocol.MutationStatusSkipped {
				return report, nil
			}
			failure, evicted, err := o.retry(ctx, row, int(result.Status))
			if err != nil {
				return report, err
			}
			if evicted {
				failures = append(failures, failure)
				report.Failed++
			} else {
				report.Retried++
			}
			return report, nil
		}
	}
	return report, nil
}

// retry counts one transient failure and evicts the entry once it exceeds the retry limit.
func (o *Outbox) retry(ctx context.Context, row localdb.Mutation, status int) (localdb.MutationFailure, bool, error) {
	retries := row.Retries + 1
	if o.maxRetries > 0 && retries > o.maxRetries {
		row.Retries = retries
		failure, err := o.evict(ctx, row, status, ReasonMaxRetriesExceeded)
		return failure, err == nil, err
	}
	err := o.db.WithContext(ctx).Model(&localdb.Mutation{}).
		Where("id = ?", row.ID).
		Update("retries", retries).Error
	if err != nil {
		return localdb.MutationFailure{}, false, newServiceError(opOutboxSync, reasonSettle, err)
	}
	return localdb.MutationFailure{}, false, nil
}

func (o *Outbox) retryAll(ctx context.Context, rows []localdb.Mutation) ([]localdb.MutationFailure, error) {
	var failures []localdb.MutationFailure
	for _, row := range rows {
		failure, evicted, err := o.retry(ctx, row, int(protocol.MutationStatusSkipped))
		if err != nil {
			return failures, err
		}
		if evicted {
			failures = append(failures, failure)
		}
	}
	return failures, nil
}

// evict moves an entry to mutation_failures in one transaction.
func (o *Outbox) evict(ctx context.Context, row localdb.Mutation, status int, reason string) (localdb.MutationFailure, error) {
	failure := localdb.MutationFailure{
		ID:        row.ID,
		Type:      row.Type,
		Data:      row.Data,
		CreatedAt: row.CreatedAt,
		FailedAt:  o.now().UTC(),
		Retries:   row.Retries,
		Status:    status,
		Reason:    reason,
	}
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&failure).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", row.ID).Delete(&localdb.Mutation{}).Error
	})
	if err != nil {
		return localdb.MutationFailure{}, newServiceError(opOutboxSync, reasonSettle, fmt.Errorf("%w: %v", ErrTerminalMutation, err))
	}
	return failure, nil
}

func (o *Outbox) publishFailures(failures []localdb.MutationFailure) {
	if o.bus == nil {
		return
	}
	for _, failure := range failures {
		o.bus.Publish(events.MutationFailed{Failure: failure})
	}
}

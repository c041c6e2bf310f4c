package eventbus

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	defaultChannel           = "nebula_events"
	listenerMinReconnect     = 10 * time.Second
	listenerMaxReconnect     = time.Minute
	listenerPingInterval     = 90 * time.Second
	maxNotifyPayloadBytes    = 7999
	postgresDriverName       = "postgres"
	notifyStatement          = "SELECT pg_notify($1, $2)"
	errFormatPayloadTooLarge = "%w: %d bytes"
)

var (
	errMissingDSN = errors.New("eventbus: postgres dsn is required")
	// ErrPayloadTooLarge indicates that an encoded event exceeds the NOTIFY payload limit.
	ErrPayloadTooLarge = errors.New("eventbus: notify payload too large")
)

// PostgresBroadcasterConfig configures LISTEN/NOTIFY mirroring.
type PostgresBroadcasterConfig struct {
	DSN     string
	Channel string
	Logger  *zap.Logger
}

// PostgresBroadcaster mirrors events through a Postgres NOTIFY channel.
type PostgresBroadcaster struct {
	db       *sql.DB
	listener *pq.Listener
	channel  string
	logger   *zap.Logger
}

// NewPostgresBroadcaster opens the notify connection and subscribes to the channel.
func NewPostgresBroadcaster(cfg PostgresBroadcasterConfig) (*PostgresBroadcaster, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errMissingDSN
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = defaultChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open(postgresDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("eventbus: open postgres: %w", err)
	}

	listener := pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect, func(event pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("event bus listener state change", zap.Int("event", int(event)), zap.Error(err))
		}
	})
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		_ = db.Close()
		return nil, fmt.Errorf("eventbus: listen %s: %w", channel, err)
	}

	return &PostgresBroadcaster{
		db:       db,
		listener: listener,
		channel:  channel,
		logger:   logger,
	}, nil
}

// Send publishes payload on the channel.
func (p *PostgresBroadcaster) Send(ctx context.Context, payload []byte) error {
	encoded := base64.StdEncoding.EncodeToString(payload)
	if len(encoded) > maxNotifyPayloadBytes {
		return fmt.Errorf(errFormatPayloadTooLarge, ErrPayloadTooLarge, len(encoded))
	}
	_, err := p.db.ExecContext(ctx, notifyStatement, p.channel, encoded)
	return err
}

// Listen forwards notifications to handle until ctx is done.
func (p *PostgresBroadcaster) Listen(ctx context.Context, handle func(payload []byte)) error {
	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case notification, ok := <-p.listener.Notify:
			if !ok {
				return nil
			}
			// nil signals a reconnect; notifications sent meanwhile are lost.
			if notification == nil {
				p.logger.Warn("event bus listener reconnected")
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(notification.Extra)
			if err != nil {
				p.logger.Warn("event bus dropped non-base64 notification", zap.Error(err))
				continue
			}
			handle(payload)
		case <-ticker.C:
			go func() {
				if err := p.listener.Ping(); err != nil {
					p.logger.Warn("event bus listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}

// Close releases the listener and the notify connection.
func (p *PostgresBroadcaster) Close() error {
	listenErr := p.listener.Close()
	dbErr := p.db.Close()
	return errors.Join(listenErr, dbErr)
}

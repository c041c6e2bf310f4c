package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/auth"
	"github.com/MarcoPoloResearchLab/nebula/internal/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Workspace roles.
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// ErrInvalidIdentity indicates the identity did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user provisioning.
type ServiceConfig struct {
	Database *gorm.DB
	Bus      *events.Bus
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service provisions workspace user rows for authenticated principals.
type Service struct {
	db     *gorm.DB
	bus    *events.Bus
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		bus:    cfg.Bus,
		now:    clock,
		logger: logger,
	}, nil
}

// EnsureUser returns the user row for identity, creating it on first sight and
// bumping its revision when the profile changed.
func (s *Service) EnsureUser(ctx context.Context, identity auth.Identity) (storage.User, error) {
	userID := normalize(identity.UserID)
	workspaceID := normalize(identity.WorkspaceID)
	if userID == "" || workspaceID == "" {
		return storage.User{}, ErrInvalidIdentity
	}
	email := normalize(identity.Email)
	name := normalize(identity.Name)

	cacheKey := workspaceID + ":" + userID
	if cached, ok := s.cache.Load(cacheKey); ok {
		if user, ok := cached.(storage.User); ok && user.Email == email && user.Name == name {
			return user, nil
		}
	}

	var (
		user    storage.User
		created bool
		changed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("workspace_id = ? AND id = ?", workspaceID, userID).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			role := RoleMember
			var members int64
			if err := tx.Model(&storage.User{}).Where("workspace_id = ?", workspaceID).Count(&members).Error; err != nil {
				return err
			}
			if members == 0 {
				role = RoleOwner
			}
			revision, err := storage.NextRevision(tx, storage.SequenceUsers)
			if err != nil {
				return err
			}
			user = storage.User{
				WorkspaceID: workspaceID,
				ID:          userID,
				Email:       email,
				Name:        name,
				Role:        role,
				CreatedAt:   s.now().UTC(),
				Revision:    revision,
			}
			created = true
			return tx.Create(&user).Error
		}
		if err != nil {
			return err
		}

		updates := map[string]interface{}{}
		if email != "" && email != user.Email {
			updates["email"] = email
			user.Email = email
		}
		if name != "" && name != user.Name {
			updates["name"] = name
			user.Name = name
		}
		if len(updates) == 0 {
			return nil
		}
		revision, err := storage.NextRevision(tx, storage.SequenceUsers)
		if err != nil {
			return err
		}
		updatedAt := s.now().UTC()
		updates["updated_at"] = updatedAt
		updates["revision"] = revision
		user.UpdatedAt = &updatedAt
		user.Revision = revision
		changed = true
		return tx.Model(&storage.User{}).
			Where("workspace_id = ? AND id = ?", workspaceID, userID).
			Updates(updates).Error
	})
	if err != nil {
		s.logger.Error("user provisioning failed",
			zap.String("workspace_id", workspaceID),
			zap.String("user_id", userID),
			zap.Error(err))
		return storage.User{}, err
	}

	s.cache.Store(cacheKey, user)
	if (created || changed) && s.bus != nil {
		s.bus.Publish(events.UserChanged{Created: created, UserID: userID, WorkspaceID: workspaceID})
	}
	return user, nil
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

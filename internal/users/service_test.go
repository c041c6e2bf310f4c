package users

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/auth"
	"github.com/MarcoPoloResearchLab/nebula/internal/database"
	"github.com/MarcoPoloResearchLab/nebula/internal/eventbus"
	"github.com/MarcoPoloResearchLab/nebula/internal/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/storage"
	"go.uber.org/zap"
)

func mustService(testContext *testing.T) (*Service, *[]events.Event) {
	testContext.Helper()
	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "users.db"), storage.Schema(), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	bus, err := events.NewBus("", nil, eventbus.Config[events.Event]{})
	if err != nil {
		testContext.Fatalf("failed to create bus: %v", err)
	}
	published := &[]events.Event{}
	bus.Subscribe(func(event events.Event) { *published = append(*published, event) })

	service, err := NewService(ServiceConfig{
		Database: db,
		Bus:      bus,
		Clock:    func() time.Time { return time.Unix(1, 0) },
	})
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	return service, published
}

func TestEnsureUserCreatesOnceAndPublishes(testContext *testing.T) {
	service, published := mustService(testContext)
	identity := auth.Identity{UserID: "u1", WorkspaceID: "ws", Email: "u1@example.com"}

	first, err := service.EnsureUser(context.Background(), identity)
	if err != nil {
		testContext.Fatalf("ensure failed: %v", err)
	}
	if first.Role != RoleOwner {
		testContext.Fatalf("expected first workspace member to be owner, got %s", first.Role)
	}
	if first.Revision <= 0 {
		testContext.Fatalf("expected a revision, got %d", first.Revision)
	}

	second, err := service.EnsureUser(context.Background(), identity)
	if err != nil {
		testContext.Fatalf("second ensure failed: %v", err)
	}
	if second.Revision != first.Revision {
		testContext.Fatalf("expected unchanged profile to keep revision")
	}

	if len(*published) != 1 || (*published)[0].Kind() != events.KindUserCreated {
		testContext.Fatalf("expected a single user_created event, got %v", *published)
	}

	member, err := service.EnsureUser(context.Background(), auth.Identity{UserID: "u2", WorkspaceID: "ws"})
	if err != nil {
		testContext.Fatalf("member ensure failed: %v", err)
	}
	if member.Role != RoleMember {
		testContext.Fatalf("expected later users to be members, got %s", member.Role)
	}
}

func TestEnsureUserBumpsRevisionOnProfileChange(testContext *testing.T) {
	service, published := mustService(testContext)

	created, err := service.EnsureUser(context.Background(), auth.Identity{UserID: "u1", WorkspaceID: "ws", Name: "Old"})
	if err != nil {
		testContext.Fatalf("ensure failed: %v", err)
	}
	updated, err := service.EnsureUser(context.Background(), auth.Identity{UserID: "u1", WorkspaceID: "ws", Name: "New"})
	if err != nil {
		testContext.Fatalf("update failed: %v", err)
	}
	if updated.Revision <= created.Revision {
		testContext.Fatalf("expected revision to advance, got %d then %d", created.Revision, updated.Revision)
	}
	if updated.Name != "New" || updated.UpdatedAt == nil {
		testContext.Fatalf("expected profile update to be stored, got %+v", updated)
	}
	if len(*published) != 2 || (*published)[1].Kind() != events.KindUserUpdated {
		testContext.Fatalf("expected user_updated event, got %v", *published)
	}
}

func TestEnsureUserRejectsMissingIdentity(testContext *testing.T) {
	service, _ := mustService(testContext)
	if _, err := service.EnsureUser(context.Background(), auth.Identity{UserID: " "}); err != ErrInvalidIdentity {
		testContext.Fatalf("expected invalid identity error, got %v", err)
	}
}

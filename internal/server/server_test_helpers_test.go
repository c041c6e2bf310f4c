package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/auth"
	"github.com/MarcoPoloResearchLab/nebula/internal/database"
	"github.com/MarcoPoloResearchLab/nebula/internal/eventbus"
	"github.com/MarcoPoloResearchLab/nebula/internal/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/mutations"
	"github.com/MarcoPoloResearchLab/nebula/internal/storage"
	"github.com/MarcoPoloResearchLab/nebula/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testWorkspace     = "ws-1"
	testSigningSecret = "test-signing-secret"
)

type testStack struct {
	db     *gorm.DB
	tokens *auth.TokenManager
	hub    *RealtimeHub
}

func newTestStack(testContext *testing.T) (*testStack, Dependencies) {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "server.db"), storage.Schema(), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	bus, err := events.NewBus("", nil, eventbus.Config[events.Event]{})
	if err != nil {
		testContext.Fatalf("failed to create bus: %v", err)
	}
	tokens, err := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "nebula-auth",
		Audience:      "nebula-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to create token manager: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Bus: bus})
	if err != nil {
		testContext.Fatalf("failed to create user service: %v", err)
	}
	mutationService, err := mutations.NewService(mutations.ServiceConfig{Database: db, Bus: bus})
	if err != nil {
		testContext.Fatalf("failed to create mutation service: %v", err)
	}
	hub, err := NewRealtimeHub(RealtimeHubConfig{Database: db, Bus: bus})
	if err != nil {
		testContext.Fatalf("failed to create realtime hub: %v", err)
	}
	testContext.Cleanup(hub.Close)

	return &testStack{db: db, tokens: tokens, hub: hub}, Dependencies{
		Tokens:           tokens,
		Users:            userService,
		Mutations:        mutationService,
		Realtime:         hub,
		MaxMutationBatch: 5,
	}
}

func (s *testStack) mustToken(testContext *testing.T, userID string) string {
	testContext.Helper()
	token, _, err := s.tokens.IssueToken(context.Background(), auth.Identity{UserID: userID, WorkspaceID: testWorkspace})
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	return token
}

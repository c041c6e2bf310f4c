package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/auth"
	"github.com/MarcoPoloResearchLab/nebula/internal/mutations"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"github.com/MarcoPoloResearchLab/nebula/internal/storage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	identityContextKey      = "nebula_identity"
	defaultMaxMutationBatch = 100
)

var (
	errMissingTokenValidator  = errors.New("token validator dependency required")
	errMissingUserProvisioner = errors.New("user provisioner dependency required")
	errMissingMutationApplier = errors.New("mutation applier dependency required")
	errMissingRealtimeHub     = errors.New("realtime hub dependency required")
)

// TokenValidator authenticates an incoming request.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.Identity, error)
}

// UserProvisioner materialises the workspace user behind a validated token.
type UserProvisioner interface {
	EnsureUser(ctx context.Context, identity auth.Identity) (storage.User, error)
}

// MutationApplier applies a client batch in order.
type MutationApplier interface {
	Apply(ctx context.Context, actor mutations.Actor, batch []protocol.Mutation) ([]protocol.MutationResult, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Tokens           TokenValidator
	Users            UserProvisioner
	Mutations        MutationApplier
	Realtime         *RealtimeHub
	Logger           *zap.Logger
	MaxMutationBatch int
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserProvisioner
	}
	if deps.Mutations == nil {
		return nil, errMissingMutationApplier
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtimeHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBatch := deps.MaxMutationBatch
	if maxBatch <= 0 {
		maxBatch = defaultMaxMutationBatch
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:    deps.Tokens,
		users:     deps.Users,
		mutations: deps.Mutations,
		realtime:  deps.Realtime,
		logger:    logger,
		maxBatch:  maxBatch,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/mutations", handler.handleMutations)
	protected.GET("/sync", handler.handleSync)

	return router, nil
}

type httpHandler struct {
	tokens    TokenValidator
	users     UserProvisioner
	mutations MutationApplier
	realtime  *RealtimeHub
	logger    *zap.Logger
	maxBatch  int
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleMutations(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request protocol.SubmitMutationsRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Mutations) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if len(request.Mutations) > h.maxBatch {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "batch_too_large"})
		return
	}

	results, err := h.mutations.Apply(c.Request.Context(), mutations.Actor{
		UserID:      identity.UserID,
		WorkspaceID: identity.WorkspaceID,
	}, request.Mutations)
	if err != nil {
		h.logger.Error("failed to apply mutations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mutations_failed"})
		return
	}

	c.JSON(http.StatusOK, protocol.SubmitMutationsResponse{Results: results})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.realtime.Serve(c.Writer, c.Request, identity)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	identity, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if _, err := h.users.EnsureUser(c.Request.Context(), identity); err != nil {
		h.logger.Error("failed to provision user",
			zap.String("user_id", identity.UserID),
			zap.String("workspace_id", identity.WorkspaceID),
			zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "user_provisioning_failed"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func identityFromContext(c *gin.Context) (auth.Identity, bool) {
	value, exists := c.Get(identityContextKey)
	if !exists {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	return identity, ok && identity.UserID != ""
}

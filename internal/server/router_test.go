package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/nebula/internal/auth"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubTokenValidator struct {
	identity auth.Identity
	err      error
}

func (s stubTokenValidator) ValidateRequest(*http.Request) (auth.Identity, error) {
	return s.identity, s.err
}

func mustHandler(testContext *testing.T, deps Dependencies) http.Handler {
	testContext.Helper()
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		testContext.Fatalf("failed to construct handler: %v", err)
	}
	return handler
}

func postMutations(testContext *testing.T, handler http.Handler, token string, batch []protocol.Mutation) *httptest.ResponseRecorder {
	testContext.Helper()
	body, err := json.Marshal(protocol.SubmitMutationsRequest{Mutations: batch})
	if err != nil {
		testContext.Fatalf("failed to encode request: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, "/mutations", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func createRootMutation(testContext *testing.T, mutationID, nodeID string) protocol.Mutation {
	testContext.Helper()
	data, err := json.Marshal(protocol.CreateNodeData{NodeID: nodeID, NodeType: "space", UpdateID: nodeID + "-u", Data: "AQID"})
	if err != nil {
		testContext.Fatalf("failed to encode node: %v", err)
	}
	return protocol.Mutation{ID: mutationID, Type: protocol.MutationCreateNode, Data: data}
}

func TestNewHTTPHandlerRequiresDependencies(testContext *testing.T) {
	_, deps := newTestStack(testContext)

	missingTokens := deps
	missingTokens.Tokens = nil
	if _, err := NewHTTPHandler(missingTokens); !errors.Is(err, errMissingTokenValidator) {
		testContext.Fatalf("expected missing token validator error, got %v", err)
	}
	missingRealtime := deps
	missingRealtime.Realtime = nil
	if _, err := NewHTTPHandler(missingRealtime); !errors.Is(err, errMissingRealtimeHub) {
		testContext.Fatalf("expected missing realtime error, got %v", err)
	}
}

func TestHealthAndMetricsArePublic(testContext *testing.T) {
	_, deps := newTestStack(testContext)
	handler := mustHandler(testContext, deps)

	for _, path := range []string{"/healthz", "/metrics"} {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, http.NoBody))
		if recorder.Code != http.StatusOK {
			testContext.Fatalf("%s: expected 200, got %d", path, recorder.Code)
		}
	}
}

func TestMutationsRequireBearerToken(testContext *testing.T) {
	_, deps := newTestStack(testContext)
	handler := mustHandler(testContext, deps)

	recorder := postMutations(testContext, handler, "", []protocol.Mutation{createRootMutation(testContext, "m-1", "root-1")})
	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected 401, got %d", recorder.Code)
	}

	recorder = postMutations(testContext, handler, "not-a-jwt", []protocol.Mutation{createRootMutation(testContext, "m-1", "root-1")})
	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 for a malformed token, got %d", recorder.Code)
	}
}

func TestMutationsReturnPerItemResults(testContext *testing.T) {
	stack, deps := newTestStack(testContext)
	handler := mustHandler(testContext, deps)
	token := stack.mustToken(testContext, "owner")

	recorder := postMutations(testContext, handler, token, []protocol.Mutation{
		createRootMutation(testContext, "m-1", "root-1"),
		{ID: "m-2", Type: "rename_everything", Data: json.RawMessage(`{}`)},
		createRootMutation(testContext, "m-3", "root-2"),
	})
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response protocol.SubmitMutationsResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	expected := []protocol.MutationStatus{protocol.MutationStatusOK, protocol.MutationStatusBadRequest, protocol.MutationStatusOK}
	if len(response.Results) != len(expected) {
		testContext.Fatalf("expected %d results, got %+v", len(expected), response.Results)
	}
	for index, result := range response.Results {
		if result.Status != expected[index] {
			testContext.Fatalf("result %d: expected %d, got %+v", index, expected[index], result)
		}
	}

	var userCount int64
	if err := stack.db.Table("users").Where("workspace_id = ? AND id = ?", testWorkspace, "owner").Count(&userCount).Error; err != nil {
		testContext.Fatalf("failed to count users: %v", err)
	}
	if userCount != 1 {
		testContext.Fatalf("expected the caller to be provisioned, got %d rows", userCount)
	}
}

func TestMutationsRejectEmptyAndOversizedBatches(testContext *testing.T) {
	stack, deps := newTestStack(testContext)
	handler := mustHandler(testContext, deps)
	token := stack.mustToken(testContext, "owner")

	recorder := postMutations(testContext, handler, token, nil)
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected 400 for an empty batch, got %d", recorder.Code)
	}

	batch := make([]protocol.Mutation, 0, deps.MaxMutationBatch+1)
	for index := 0; index <= deps.MaxMutationBatch; index++ {
		batch = append(batch, createRootMutation(testContext, fmt.Sprintf("m-%d", index), fmt.Sprintf("root-%d", index)))
	}
	recorder = postMutations(testContext, handler, token, batch)
	if recorder.Code != http.StatusRequestEntityTooLarge {
		testContext.Fatalf("expected 413 for an oversized batch, got %d", recorder.Code)
	}
}

func TestCORSPreflightAllowsAuthorizationHeader(testContext *testing.T) {
	_, deps := newTestStack(testContext)
	handler := mustHandler(testContext, deps)

	request := httptest.NewRequest(http.MethodOptions, "/mutations", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		testContext.Fatalf("expected 204, got %d", recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "*" {
		testContext.Fatalf("expected wildcard origin, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestAuthorizeRequestLogsRejectedToken(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/sync", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenValidator{err: auth.ErrExpiredToken},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected 401, got %d", recorder.Code)
	}
	entries := logs.FilterMessage("token validation failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		testContext.Fatalf("expected one warn entry, got %v", logs.All())
	}
	if _, exists := ctx.Get(identityContextKey); exists {
		testContext.Fatalf("expected no identity on a rejected request")
	}
}

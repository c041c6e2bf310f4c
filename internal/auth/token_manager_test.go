package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mustTokenManager(testContext *testing.T, clock func() time.Time) *TokenManager {
	testContext.Helper()
	manager, err := NewTokenManager(TokenManagerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "nebula-auth",
		Audience:      "nebula-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		testContext.Fatalf("unexpected constructor error: %v", err)
	}
	return manager
}

func TestTokenManagerIssuesWorkspaceClaims(testContext *testing.T) {
	manager := mustTokenManager(testContext, nil)

	tokenString, expiresIn, err := manager.IssueToken(context.Background(), Identity{
		UserID:      "user-123",
		WorkspaceID: "ws-1",
		Email:       "user@example.com",
	})
	if err != nil {
		testContext.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn <= 0 {
		testContext.Fatalf("expected positive expiry seconds, got %d", expiresIn)
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		testContext.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "user-123" || claims.WorkspaceID != "ws-1" {
		testContext.Fatalf("unexpected claims %+v", claims)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "nebula-api" {
		testContext.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenManagerValidatesIssuedTokens(testContext *testing.T) {
	manager := mustTokenManager(testContext, nil)

	tokenString, _, err := manager.IssueToken(context.Background(), Identity{UserID: "user-321", WorkspaceID: "ws-2"})
	if err != nil {
		testContext.Fatalf("unexpected error issuing token: %v", err)
	}

	identity, err := manager.ValidateToken(tokenString)
	if err != nil {
		testContext.Fatalf("expected validation success: %v", err)
	}
	if identity.UserID != "user-321" || identity.WorkspaceID != "ws-2" {
		testContext.Fatalf("unexpected identity %+v", identity)
	}

	if _, err := manager.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		testContext.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestTokenManagerRejectsExpiredTokens(testContext *testing.T) {
	issuedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer := mustTokenManager(testContext, func() time.Time { return issuedAt })
	tokenString, _, err := issuer.IssueToken(context.Background(), Identity{UserID: "u", WorkspaceID: "w"})
	if err != nil {
		testContext.Fatalf("unexpected error issuing token: %v", err)
	}

	validator := mustTokenManager(testContext, func() time.Time { return issuedAt.Add(time.Hour) })
	if _, err := validator.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		testContext.Fatalf("expected expired token error, got %v", err)
	}
}

func TestTokenManagerValidateRequestReadsHeaderOrQuery(testContext *testing.T) {
	manager := mustTokenManager(testContext, nil)
	tokenString, _, err := manager.IssueToken(context.Background(), Identity{UserID: "u", WorkspaceID: "w"})
	if err != nil {
		testContext.Fatalf("unexpected error issuing token: %v", err)
	}

	headerRequest := httptest.NewRequest("GET", "/sync", nil)
	headerRequest.Header.Set("Authorization", "Bearer "+tokenString)
	if _, err := manager.ValidateRequest(headerRequest); err != nil {
		testContext.Fatalf("expected header token to validate: %v", err)
	}

	queryRequest := httptest.NewRequest("GET", "/sync?access_token="+tokenString, nil)
	if _, err := manager.ValidateRequest(queryRequest); err != nil {
		testContext.Fatalf("expected query token to validate: %v", err)
	}

	basicRequest := httptest.NewRequest("GET", "/sync?access_token="+tokenString, nil)
	basicRequest.Header.Set("Authorization", "Basic abc")
	if _, err := manager.ValidateRequest(basicRequest); err == nil {
		testContext.Fatalf("expected non-bearer authorization to fail")
	}
}

func TestNewTokenManagerValidatesConfig(testContext *testing.T) {
	cases := []TokenManagerConfig{
		{Issuer: "i", Audience: "a"},
		{SigningSecret: []byte("s"), Audience: "a"},
		{SigningSecret: []byte("s"), Issuer: "i", Audience: " "},
	}
	for index, cfg := range cases {
		if _, err := NewTokenManager(cfg); err == nil {
			testContext.Fatalf("case %d: expected constructor error", index)
		}
	}
}

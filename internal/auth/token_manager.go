package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL     = 30 * time.Minute
	bearerPrefix        = "Bearer "
	accessTokenQueryKey = "access_token"
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret must be provided")
	ErrMissingIssuer        = errors.New("auth: issuer must be provided")
	ErrMissingAudience      = errors.New("auth: audience must be provided")
	ErrMissingToken         = errors.New("auth: token required")
	ErrInvalidToken         = errors.New("auth: invalid token")
	ErrExpiredToken         = errors.New("auth: token expired")
	ErrMissingSubject       = errors.New("auth: subject and workspace claims required")
)

// Identity is the authenticated principal carried by an access token.
type Identity struct {
	UserID      string
	WorkspaceID string
	Email       string
	Name        string
}

// Claims is the JWT payload issued for workspace members.
type Claims struct {
	WorkspaceID string `json:"workspace_id"`
	Email       string `json:"email,omitempty"`
	Name        string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenManagerConfig configures HS256 token issuance and validation.
type TokenManagerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenManager issues and validates workspace access tokens.
type TokenManager struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenManager constructs a TokenManager.
func NewTokenManager(cfg TokenManagerConfig) (*TokenManager, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenManager{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// IssueToken produces a signed JWT and its lifetime in seconds.
func (m *TokenManager) IssueToken(_ context.Context, identity Identity) (string, int64, error) {
	if strings.TrimSpace(identity.UserID) == "" || strings.TrimSpace(identity.WorkspaceID) == "" {
		return "", 0, ErrMissingSubject
	}

	now := m.clock().UTC()
	expiresAt := now.Add(m.ttl)

	claims := Claims{
		WorkspaceID: identity.WorkspaceID,
		Email:       identity.Email,
		Name:        identity.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    m.issuer,
			Audience:  []string{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken checks signature, issuer, audience and expiry and returns the identity.
func (m *TokenManager) ValidateToken(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return m.signingSecret, nil
		},
		jwt.WithAudience(m.audience),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.WorkspaceID) == "" {
		return Identity{}, ErrMissingSubject
	}
	return Identity{
		UserID:      claims.Subject,
		WorkspaceID: claims.WorkspaceID,
		Email:       strings.TrimSpace(claims.Email),
		Name:        strings.TrimSpace(claims.Name),
	}, nil
}

// ValidateRequest reads the bearer token from the Authorization header, falling back to the
// access_token query parameter used by browser websocket clients.
func (m *TokenManager) ValidateRequest(r *http.Request) (Identity, error) {
	if r == nil {
		return Identity{}, ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		return m.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
	}
	if header != "" {
		return Identity{}, ErrInvalidToken
	}
	return m.ValidateToken(r.URL.Query().Get(accessTokenQueryKey))
}

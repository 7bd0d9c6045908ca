// Package auth authenticates hub requests with HS256 bearer tokens and,
// optionally, OIDC ID tokens.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fruitsalade/changefeed/internal/logging"
	"github.com/fruitsalade/changefeed/internal/metrics"
	"github.com/fruitsalade/changefeed/pkg/protocol"
)

type contextKey string

const userContextKey contextKey = "user"

var (
	ErrMissingToken = errors.New("missing authentication token")
	ErrNoVerifier   = errors.New("no token verifier configured")
)

// Claims holds token claims.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Auth validates bearer tokens. With neither a secret nor an OIDC verifier
// it is disabled and lets every request through.
type Auth struct {
	secret []byte
	oidc   *OIDCVerifier
}

// New creates an Auth. Either argument may be empty.
func New(jwtSecret string, oidc *OIDCVerifier) *Auth {
	a := &Auth{oidc: oidc}
	if jwtSecret != "" {
		a.secret = []byte(jwtSecret)
	}
	return a
}

// Enabled reports whether requests must carry a token.
func (a *Auth) Enabled() bool {
	return len(a.secret) > 0 || a.oidc != nil
}

// IssueToken signs an HS256 token for userID valid for ttl.
func (a *Auth) IssueToken(userID, username string, ttl time.Duration) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, ErrNoVerifier
	}
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Verify accepts an HS256 token signed with the shared secret, falling back
// to OIDC when configured.
func (a *Auth) Verify(ctx context.Context, tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}
	var jwtErr error
	if len(a.secret) > 0 {
		claims, err := a.validateToken(tokenStr)
		if err == nil {
			return claims, nil
		}
		jwtErr = err
	}
	if a.oidc != nil {
		claims, err := a.oidc.Verify(ctx, tokenStr)
		if err == nil {
			return claims, nil
		}
		if jwtErr == nil {
			jwtErr = err
		}
	}
	if jwtErr == nil {
		jwtErr = ErrNoVerifier
	}
	return nil, jwtErr
}

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return claims, nil
}

// Middleware rejects requests without a valid token and stores the claims
// in the request context. It is a no-op when auth is disabled.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.Verify(r.Context(), extractToken(r))
		if err != nil {
			metrics.RecordAuthAttempt(false)
			logging.WithContext(r.Context()).Debug("auth rejected", zap.Error(err))
			sendAuthError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}
		metrics.RecordAuthAttempt(true)
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(userContextKey).(*Claims)
	return claims
}

// WithClaims injects claims into a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

// extractToken reads a bearer token, falling back to the token query
// parameter for browser websocket and EventSource clients.
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

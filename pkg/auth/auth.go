// Package auth authenticates API callers from bearer JWTs and places the
// resulting caller identity on the request context. Authorization happens
// later, against the permission map; this layer only establishes who is
// calling. If no validator is configured every non-public request is
// rejected (fail closed).
package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/opsgate/opsgate/pkg/identity"
)

// Claims are the JWT claims expected by the broker.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Validator validates bearer tokens with an HS256 shared secret.
type Validator struct {
	key []byte
}

// MinKeyBytes is the floor on the JWT signing secret length.
const MinKeyBytes = 32

// NewValidator checks the secret length and returns a validator.
func NewValidator(key []byte) (*Validator, error) {
	if len(key) < MinKeyBytes {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes, got %d", MinKeyBytes, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Validator{key: k}, nil
}

// Validate parses the token and resolves its caller.
func (v *Validator) Validate(tokenStr string) (identity.Caller, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return identity.Caller{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return identity.Caller{}, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" || claims.Username == "" {
		return identity.Caller{}, fmt.Errorf("token missing subject or username")
	}
	role, err := identity.ParseRole(claims.Role)
	if err != nil {
		return identity.Caller{}, fmt.Errorf("token role: %w", err)
	}
	return identity.Caller{ID: claims.Subject, Username: claims.Username, Role: role}, nil
}

// Issue mints a token for a caller, used by the bootstrap CLI and tests.
func (v *Validator) Issue(c identity.Caller, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: c.Username,
		Role:     string(c.Role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}

// publicPaths skip authentication.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Middleware returns JWT auth middleware around an http.Handler.
func Middleware(validator *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				writeUnauthorized(w, "missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeUnauthorized(w, "expected 'Bearer <token>'")
				return
			}
			if validator == nil {
				writeUnauthorized(w, "authentication not configured")
				return
			}

			caller, err := validator.Validate(parts[1])
			if err != nil {
				writeUnauthorized(w, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.WithCaller(r.Context(), caller)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "error",
		"code":    "unauthorized",
		"message": msg,
	})
}

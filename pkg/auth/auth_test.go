package auth

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/pkg/identity"
)

func testValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(bytes.Repeat([]byte{0x5a}, 32))
	require.NoError(t, err)
	return v
}

func TestNewValidator_KeyLength(t *testing.T) {
	_, err := NewValidator([]byte("short"))
	assert.Error(t, err)
	_, err = NewValidator(bytes.Repeat([]byte{1}, 31))
	assert.Error(t, err)
	_, err = NewValidator(bytes.Repeat([]byte{1}, 32))
	assert.NoError(t, err)
}

func TestIssueValidate_Roundtrip(t *testing.T) {
	v := testValidator(t)
	caller := identity.Caller{ID: "u1", Username: "alice", Role: identity.RoleOperator}

	token, err := v.Issue(caller, time.Hour)
	require.NoError(t, err)

	got, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, caller, got)
}

func TestValidate_Rejections(t *testing.T) {
	v := testValidator(t)
	caller := identity.Caller{ID: "u1", Username: "alice", Role: identity.RoleOperator}

	t.Run("expired", func(t *testing.T) {
		token, err := v.Issue(caller, -time.Minute)
		require.NoError(t, err)
		_, err = v.Validate(token)
		assert.Error(t, err)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewValidator(bytes.Repeat([]byte{0xa5}, 32))
		require.NoError(t, err)
		token, err := other.Issue(caller, time.Hour)
		require.NoError(t, err)
		_, err = v.Validate(token)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Validate("not.a.token")
		assert.Error(t, err)
	})

	t.Run("unknown role", func(t *testing.T) {
		token, err := v.Issue(identity.Caller{ID: "u1", Username: "alice", Role: "Root"}, time.Hour)
		require.NoError(t, err)
		_, err = v.Validate(token)
		assert.Error(t, err)
	})

	t.Run("system role not assignable", func(t *testing.T) {
		token, err := v.Issue(identity.System, time.Hour)
		require.NoError(t, err)
		_, err = v.Validate(token)
		assert.Error(t, err)
	})

	t.Run("missing subject", func(t *testing.T) {
		claims := &Claims{Username: "alice", Role: "Operator"}
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
			SignedString(bytes.Repeat([]byte{0x5a}, 32))
		require.NoError(t, err)
		_, err = v.Validate(token)
		assert.Error(t, err)
	})

	t.Run("alg none rejected", func(t *testing.T) {
		claims := &Claims{Username: "alice", Role: "Operator"}
		claims.Subject = "u1"
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = v.Validate(token)
		assert.Error(t, err)
	})
}

func echoCaller(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := identity.CallerFrom(r.Context())
		require.NoError(t, err)
		_, _ = w.Write([]byte(caller.Username))
	})
}

func TestMiddleware(t *testing.T) {
	v := testValidator(t)
	handler := Middleware(v)(echoCaller(t))

	t.Run("valid token passes and injects the caller", func(t *testing.T) {
		token, err := v.Issue(identity.Caller{ID: "u1", Username: "alice", Role: identity.RoleViewer}, time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alice", rec.Body.String())
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), `"code":"unauthorized"`)
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals", nil)
		req.Header.Set("Authorization", "Bearer bogus")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("public paths skip auth", func(t *testing.T) {
		ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		h := Middleware(v)(ok)
		for _, path := range []string{"/health", "/readiness"} {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code, path)
		}
	})

	t.Run("nil validator fails closed", func(t *testing.T) {
		h := Middleware(nil)(echoCaller(t))
		req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals", nil)
		req.Header.Set("Authorization", "Bearer anything")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

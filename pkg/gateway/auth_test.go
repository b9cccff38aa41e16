package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
}

func serve(h http.Handler, path, token string) int {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestDisabledPassesThrough(t *testing.T) {
	am := NewAuthMiddleware(AuthConfig{})
	assert.False(t, am.Enabled())
	assert.Equal(t, http.StatusNoContent, serve(am.Authenticate(am.RequireRole(RoleOperator, okHandler())), "/v1/strategies", ""))
}

func TestAuthenticateAndRoles(t *testing.T) {
	am := NewAuthMiddleware(AuthConfig{JWTSecret: []byte("s3cret"), BypassPaths: []string{"/healthz"}})
	h := am.Authenticate(am.RequireRole(RoleOperator, okHandler()))

	operator, err := am.GenerateJWT("ops", []string{RoleOperator})
	require.NoError(t, err)
	transport, err := am.GenerateJWT("ssh-frontend", []string{RoleTransport})
	require.NoError(t, err)
	admin, err := am.GenerateJWT("root", []string{RoleAdmin})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, serve(h, "/v1/strategies", operator))
	assert.Equal(t, http.StatusNoContent, serve(h, "/v1/strategies", admin))
	assert.Equal(t, http.StatusForbidden, serve(h, "/v1/strategies", transport))
	assert.Equal(t, http.StatusUnauthorized, serve(h, "/v1/strategies", ""))
	assert.Equal(t, http.StatusUnauthorized, serve(h, "/v1/strategies", "garbage"))

	// Bypass skips token validation only; role-guarded routes still need claims.
	assert.Equal(t, http.StatusNoContent, serve(am.Authenticate(okHandler()), "/healthz", ""))
	assert.Equal(t, http.StatusUnauthorized, serve(h, "/healthz", ""))
}

func TestValidateRejectsForeignAndExpiredTokens(t *testing.T) {
	am := NewAuthMiddleware(AuthConfig{JWTSecret: []byte("s3cret"), TokenDuration: time.Minute})

	other := NewAuthMiddleware(AuthConfig{JWTSecret: []byte("other")})
	foreign, err := other.GenerateJWT("x", nil)
	require.NoError(t, err)
	_, err = am.ValidateJWT(foreign)
	assert.Error(t, err)

	tok, err := am.GenerateJWT("x", nil)
	require.NoError(t, err)
	am.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = am.ValidateJWT(tok)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "personashift"}})
	s, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = am.ValidateJWT(s)
	assert.Error(t, err)
}

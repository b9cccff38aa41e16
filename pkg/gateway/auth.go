// Package gateway guards the control API with HS256 bearer tokens.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles understood by the control API. RoleAdmin satisfies every check.
const (
	RoleTransport = "transport"
	RoleOperator  = "operator"
	RoleAdmin     = "admin"
)

// AuthConfig holds authentication configuration. An empty JWTSecret
// disables authentication.
type AuthConfig struct {
	JWTSecret     []byte
	BypassPaths   []string
	TokenDuration time.Duration
	Issuer        string
}

// Claims represents JWT claims
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

type AuthMiddleware struct {
	config AuthConfig
	now    func() time.Time
}

type ctxKey struct{}

// ClaimsFromContext extracts claims from a request context
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok
}

func NewAuthMiddleware(config AuthConfig) *AuthMiddleware {
	if config.TokenDuration == 0 {
		config.TokenDuration = 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "personashift"
	}
	return &AuthMiddleware{config: config, now: time.Now}
}

func (am *AuthMiddleware) Enabled() bool { return len(am.config.JWTSecret) > 0 }

// Authenticate validates the bearer token and stores its claims in the
// request context.
func (am *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !am.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		for _, path := range am.config.BypassPaths {
			if strings.HasPrefix(r.URL.Path, path) {
				next.ServeHTTP(w, r)
				return
			}
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		claims, err := am.ValidateJWT(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
	})
}

// ValidateJWT accepts HS256 tokens signed with the configured secret.
func (am *AuthMiddleware) ValidateJWT(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return am.config.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(am.config.Issuer), jwt.WithTimeFunc(am.now))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrSignatureInvalid
}

// GenerateJWT issues a token for subject with the given roles.
func (am *AuthMiddleware) GenerateJWT(subject string, roles []string) (string, error) {
	if !am.Enabled() {
		return "", errors.New("jwt secret not configured")
	}
	now := am.now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(am.config.TokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    am.config.Issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(am.config.JWTSecret)
}

// RequireRole rejects requests whose claims lack role. It passes everything
// through when authentication is disabled.
func (am *AuthMiddleware) RequireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !am.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !claims.HasRole(role) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": http.StatusText(code), "message": msg})
}

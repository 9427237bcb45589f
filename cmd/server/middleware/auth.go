// Package middleware provides HTTP middleware and gRPC interceptors for the promptql server.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/TFMV/promptql/cmd/server/config"
	"github.com/TFMV/promptql/pkg/errors"
)

type contextKey string

const (
	contextKeyUser contextKey = "user"
)

// Paths that bypass authentication.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// AuthMiddleware provides authentication middleware.
type AuthMiddleware struct {
	config config.AuthConfig
	logger zerolog.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(cfg config.AuthConfig, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		config: cfg,
		logger: logger,
	}
}

// Handler wraps next with authentication.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		ctx, err := m.authenticate(r)
		if err != nil {
			m.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			w.Header().Set("WWW-Authenticate", `Bearer realm="promptql"`)
			writeError(w, errors.Wrap(err, errors.KindUnauthorized, "authentication required"))
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate performs authentication based on configured type.
func (m *AuthMiddleware) authenticate(r *http.Request) (context.Context, error) {
	switch m.config.Type {
	case "", config.AuthNone:
		return r.Context(), nil
	case config.AuthBearer:
		return m.authenticateBearer(r)
	case config.AuthJWT:
		return m.authenticateJWT(r)
	default:
		return nil, fmt.Errorf("unsupported auth type: %s", m.config.Type)
	}
}

// authenticateBearer looks the token up in the configured token table.
func (m *AuthMiddleware) authenticateBearer(r *http.Request) (context.Context, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	for known, user := range m.config.Tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(known)) == 1 {
			return context.WithValue(r.Context(), contextKeyUser, user), nil
		}
	}
	return nil, fmt.Errorf("invalid token")
}

// authenticateJWT validates an HS256 token against the configured issuer and audience.
func (m *AuthMiddleware) authenticateJWT(r *http.Request) (context.Context, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.config.JWT.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.config.JWT.Issuer))
	}
	if m.config.JWT.Audience != "" {
		opts = append(opts, jwt.WithAudience(m.config.JWT.Audience))
	}

	claims := jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(m.config.JWT.Secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	return context.WithValue(r.Context(), contextKeyUser, claims.Subject), nil
}

func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing authorization header")
	}
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", fmt.Errorf("invalid authorization format")
	}
	return strings.TrimSpace(auth[len(prefix):]), nil
}

// GetUser returns the authenticated user from context.
func GetUser(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(contextKeyUser).(string)
	return user, ok
}

// writeError renders err with the same body shape the API handlers use.
func writeError(w http.ResponseWriter, err error) {
	pe := errors.As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errors.HTTPStatus(pe))
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"kind":    pe.Kind,
			"message": pe.Message,
		},
	})
}

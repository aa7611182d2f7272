package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/auth"
)

// AuthConfig holds JWT authentication configuration.
type AuthConfig struct {
	// Enabled controls whether authentication is enforced
	Enabled bool

	// Secret is the HS256 signing secret shared with the token issuer
	Secret string

	// Issuer, when set, must match the token's iss claim
	Issuer string

	// SkipPaths are path prefixes that don't require authentication (e.g., /health)
	SkipPaths []string
}

// AuthMiddleware validates collaborator JWTs and stores the caller's
// identity in the request context.
type AuthMiddleware struct {
	config   *AuthConfig
	logger   *slog.Logger
	verifier *auth.Verifier
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(cfg *AuthConfig, logger *slog.Logger) *AuthMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &AuthConfig{Enabled: false}
	}

	return &AuthMiddleware{
		config:   cfg,
		logger:   logger,
		verifier: auth.NewVerifier(cfg.Secret, cfg.Issuer),
	}
}

// Middleware returns an HTTP middleware that validates bearer tokens.
// With authentication disabled every request runs as the anonymous owner.
func (m *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.config.Enabled {
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), auth.Anonymous())))
			return
		}

		for _, path := range m.config.SkipPaths {
			if strings.HasPrefix(r.URL.Path, path) {
				next.ServeHTTP(w, r)
				return
			}
		}

		token := tokenFromRequest(r)
		if token == "" {
			m.logger.Warn("missing authentication token", slog.String("path", r.URL.Path))
			RespondError(w, r, http.StatusUnauthorized, ErrCodeAuthRequired, "Authentication token is required")
			return
		}

		identity, err := m.verifier.Verify(token)
		if err != nil {
			m.logger.Warn("invalid token", slog.String("error", err.Error()), slog.String("path", r.URL.Path))
			RespondErrorWithDetails(w, r, http.StatusUnauthorized, ErrCodeInvalidToken, "Authentication token is invalid or expired", map[string]interface{}{
				"reason": err.Error(),
			})
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

// tokenFromRequest reads the bearer token from the Authorization header, or
// from the token query parameter for browser websockets and event streams.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// IsEnabled returns whether authentication is enabled.
func (m *AuthMiddleware) IsEnabled() bool {
	return m.config.Enabled
}

package middleware

import (
	"fmt"
	"net/http"
	"strings"
)

// SecurityConfig holds security middleware configuration.
type SecurityConfig struct {
	// AllowedOrigins for CORS (empty means allow all - not recommended for production)
	AllowedOrigins []string

	// AllowedMethods for CORS
	AllowedMethods []string

	// AllowedHeaders for CORS
	AllowedHeaders []string

	// ExposedHeaders are response headers readable by browser clients
	ExposedHeaders []string

	// ContentSecurityPolicy header value
	ContentSecurityPolicy string

	// FrameOptions controls X-Frame-Options (DENY, SAMEORIGIN, or empty to skip)
	FrameOptions string

	// HSTSMaxAge sets Strict-Transport-Security max-age (0 to disable)
	HSTSMaxAge int

	// ReferrerPolicy header value
	ReferrerPolicy string

	// NoStorePrefixes are path prefixes whose responses must not be cached.
	// Workflow state changes with every edit.
	NoStorePrefixes []string
}

// DefaultSecurityConfig returns production-safe defaults for a JSON API.
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		AllowedOrigins:        []string{}, // Must be configured
		AllowedMethods:        []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:        []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders:        []string{"X-Request-ID"},
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		FrameOptions:          "DENY",
		HSTSMaxAge:            31536000, // 1 year
		ReferrerPolicy:        "no-referrer",
		NoStorePrefixes:       []string{"/api/"},
	}
}

// SecurityMiddleware adds security headers to responses.
type SecurityMiddleware struct {
	config *SecurityConfig
	anyOK  bool
	allow  map[string]bool
}

// NewSecurityMiddleware creates a new security middleware.
func NewSecurityMiddleware(cfg *SecurityConfig) *SecurityMiddleware {
	if cfg == nil {
		cfg = DefaultSecurityConfig()
	}
	m := &SecurityMiddleware{
		config: cfg,
		anyOK:  len(cfg.AllowedOrigins) == 0,
		allow:  make(map[string]bool, len(cfg.AllowedOrigins)),
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			m.anyOK = true
		}
		m.allow[o] = true
	}
	return m
}

// Middleware returns the HTTP middleware handler.
func (m *SecurityMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if m.config.FrameOptions != "" {
			h.Set("X-Frame-Options", m.config.FrameOptions)
		}
		h.Set("X-Content-Type-Options", "nosniff")

		if m.config.ContentSecurityPolicy != "" {
			h.Set("Content-Security-Policy", m.config.ContentSecurityPolicy)
		}
		if m.config.ReferrerPolicy != "" {
			h.Set("Referrer-Policy", m.config.ReferrerPolicy)
		}

		// HSTS - set regardless of TLS (assumes TLS termination at ingress/proxy)
		if m.config.HSTSMaxAge > 0 {
			h.Set("Strict-Transport-Security",
				fmt.Sprintf("max-age=%d; includeSubDomains", m.config.HSTSMaxAge))
		}

		for _, prefix := range m.config.NoStorePrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				h.Set("Cache-Control", "no-store")
				break
			}
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed reports whether browser requests from origin may read
// responses.
func (m *SecurityMiddleware) originAllowed(origin string) bool {
	return m.anyOK || m.allow[origin]
}

// CORSMiddleware handles CORS preflight and response headers. Websocket
// upgrades pass through untouched; the hub checks their origin.
func (m *SecurityMiddleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Add("Vary", "Origin")
		if !m.originAllowed(origin) {
			if r.Method == http.MethodOptions {
				RespondError(w, r, http.StatusForbidden, ErrCodeForbidden, "origin not allowed")
				return
			}
			// Origin not allowed - proceed without CORS headers
			next.ServeHTTP(w, r)
			return
		}

		// Credentials require an explicit origin rather than "*"
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		if len(m.config.ExposedHeaders) > 0 {
			h.Set("Access-Control-Expose-Headers", strings.Join(m.config.ExposedHeaders, ", "))
		}

		// Handle preflight
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", strings.Join(m.config.AllowedMethods, ", "))
			h.Set("Access-Control-Allow-Headers", strings.Join(m.config.AllowedHeaders, ", "))
			h.Set("Access-Control-Max-Age", "86400") // 24 hours
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

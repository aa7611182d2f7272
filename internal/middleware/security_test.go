package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
})

func TestSecurityHeaders(t *testing.T) {
	sm := NewSecurityMiddleware(&SecurityConfig{
		ContentSecurityPolicy: "default-src 'none'",
		FrameOptions:          "DENY",
		HSTSMaxAge:            31536000,
		ReferrerPolicy:        "no-referrer",
		NoStorePrefixes:       []string{"/api/"},
	})
	handler := sm.Middleware(okHandler)

	req := httptest.NewRequest("GET", "/api/v1/rooms/r/workflow/state", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	want := map[string]string{
		"X-Frame-Options":           "DENY",
		"X-Content-Type-Options":    "nosniff",
		"Content-Security-Policy":   "default-src 'none'",
		"Referrer-Policy":           "no-referrer",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Cache-Control":             "no-store",
	}
	for header, value := range want {
		if got := rr.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
}

func TestSecurityHeadersOptional(t *testing.T) {
	sm := NewSecurityMiddleware(&SecurityConfig{NoStorePrefixes: []string{"/api/"}})
	handler := sm.Middleware(okHandler)

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	for _, header := range []string{"X-Frame-Options", "Strict-Transport-Security", "Cache-Control", "Content-Security-Policy"} {
		if got := rr.Header().Get(header); got != "" {
			t.Errorf("expected no %s header, got %q", header, got)
		}
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("nosniff should always be set")
	}
}

func TestCORSMiddleware(t *testing.T) {
	sm := NewSecurityMiddleware(&SecurityConfig{
		AllowedOrigins: []string{"https://example.com"},
		AllowedMethods: []string{"GET", "POST", "PUT"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		ExposedHeaders: []string{"X-Request-ID"},
	})
	handler := sm.CORSMiddleware(okHandler)

	tests := []struct {
		name        string
		method      string
		origin      string
		preflight   bool
		upgrade     bool
		wantStatus  int
		wantAllowed string
		wantMethods string
	}{
		{"allowed origin", "GET", "https://example.com", false, false, http.StatusOK, "https://example.com", ""},
		{"preflight from allowed origin", "OPTIONS", "https://example.com", true, false, http.StatusNoContent, "https://example.com", "GET, POST, PUT"},
		{"disallowed origin gets no headers", "GET", "https://evil.com", false, false, http.StatusOK, "", ""},
		{"disallowed preflight is refused", "OPTIONS", "https://evil.com", true, false, http.StatusForbidden, "", ""},
		{"same-origin request", "GET", "", false, false, http.StatusOK, "", ""},
		{"websocket upgrade passes through", "GET", "https://evil.com", false, true, http.StatusOK, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/rooms/r/workflow/state", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", "POST")
			}
			if tt.upgrade {
				req.Header.Set("Upgrade", "websocket")
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllowed {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantAllowed)
			}
			if got := rr.Header().Get("Access-Control-Allow-Methods"); got != tt.wantMethods {
				t.Errorf("Access-Control-Allow-Methods = %q, want %q", got, tt.wantMethods)
			}
			if tt.wantAllowed != "" && rr.Header().Get("Access-Control-Expose-Headers") != "X-Request-ID" {
				t.Errorf("expected X-Request-ID to be exposed, got %q", rr.Header().Get("Access-Control-Expose-Headers"))
			}
		})
	}
}

func TestCORSWildcardOrigin(t *testing.T) {
	for _, origins := range [][]string{{"*"}, nil} {
		sm := NewSecurityMiddleware(&SecurityConfig{AllowedOrigins: origins})
		handler := sm.CORSMiddleware(okHandler)

		req := httptest.NewRequest("GET", "/api/v1/rooms/r/online", nil)
		req.Header.Set("Origin", "https://anywhere.example")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://anywhere.example" {
			t.Errorf("origins %v: Access-Control-Allow-Origin = %q, want the request origin", origins, got)
		}
		if !strings.Contains(rr.Header().Get("Vary"), "Origin") {
			t.Errorf("origins %v: expected Vary: Origin", origins)
		}
	}
}

func TestSecurityMiddlewareDefaultConfig(t *testing.T) {
	sm := NewSecurityMiddleware(nil)
	handler := sm.Middleware(okHandler)

	req := httptest.NewRequest("POST", "/api/v1/rooms/r/workflow/operations", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("default config should set X-Frame-Options DENY")
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Error("default config should disable caching of API responses")
	}
}

func TestSecurityMiddlewareChain(t *testing.T) {
	sm := NewSecurityMiddleware(&SecurityConfig{
		AllowedOrigins: []string{"https://example.com"},
		AllowedMethods: []string{"GET"},
		FrameOptions:   "DENY",
	})
	handler := sm.Middleware(sm.CORSMiddleware(okHandler))

	req := httptest.NewRequest("GET", "/api/v1/rooms/r/workflow/versions", nil)
	req.Header.Set("Origin", "https://example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("expected security headers")
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://example.com" {
		t.Error("expected CORS headers")
	}
}

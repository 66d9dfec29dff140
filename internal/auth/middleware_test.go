package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("disabled passes everything through", func(t *testing.T) {
		m := NewMiddleware(&Provider{}, &MiddlewareConfig{Enabled: false})
		req := httptest.NewRequest("GET", "/api/v1/runs", nil)
		rec := httptest.NewRecorder()
		m.Handler(okHandler()).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("public paths skip auth", func(t *testing.T) {
		m := NewMiddleware(&Provider{}, &MiddlewareConfig{
			Enabled:     true,
			PublicPaths: []string{"/metrics"},
		})
		for _, path := range []string{"/health", "/healthz", "/ready", "/metrics"} {
			req := httptest.NewRequest("GET", path, nil)
			rec := httptest.NewRecorder()
			m.Handler(okHandler()).ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Errorf("GET %s = %d, want 200", path, rec.Code)
			}
		}
	})

	t.Run("missing header", func(t *testing.T) {
		m := NewMiddleware(&Provider{}, &MiddlewareConfig{Enabled: true})
		req := httptest.NewRequest("GET", "/api/v1/runs", nil)
		rec := httptest.NewRecorder()
		m.Handler(okHandler()).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Error("no WWW-Authenticate challenge on 401")
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		m := NewMiddleware(&Provider{}, &MiddlewareConfig{Enabled: true})
		req := httptest.NewRequest("GET", "/api/v1/runs", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		rec := httptest.NewRecorder()
		m.Handler(okHandler()).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

func TestClaims(t *testing.T) {
	c := &Claims{Subject: "user-1", Roles: []string{"operator"}}

	if !c.HasRole("operator") {
		t.Error("HasRole(operator) = false")
	}
	if c.HasRole("admin") {
		t.Error("HasRole(admin) = true")
	}
	if c.IsExpired() {
		t.Error("claims without expiry reported expired")
	}
}

package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/escrowmirror/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	handler := gateway.NewAuthMiddleware("secret-token").Wrap(okHandler())

	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  int
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret-token") }, http.StatusOK},
		{"x-api-key", func(r *http.Request) { r.Header.Set("X-API-Key", "secret-token") }, http.StatusOK},
		{"query", func(r *http.Request) {
			q := r.URL.Query()
			q.Set("access_token", "secret-token")
			r.URL.RawQuery = q.Encode()
		}, http.StatusOK},
		{"missing", func(*http.Request) {}, http.StatusUnauthorized},
		{"wrong", func(r *http.Request) { r.Header.Set("Authorization", "Bearer other") }, http.StatusUnauthorized},
		{"basic scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic secret-token") }, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sync/report", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestAuthMiddleware_EmptyTokenClosesRoutes(t *testing.T) {
	am := gateway.NewAuthMiddleware("  ")
	req := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	req.Header.Set("Authorization", "Bearer ")
	if am.Allow(req) {
		t.Fatal("empty token must not authorize")
	}
	rec := httptest.NewRecorder()
	am.Wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestExtractToken_Precedence(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?access_token=query", nil)
	req.Header.Set("X-API-Key", "header")
	req.Header.Set("Authorization", "Bearer bearer")
	if got := gateway.ExtractToken(req); got != "bearer" {
		t.Fatalf("got %q, want bearer", got)
	}
	req.Header.Del("Authorization")
	if got := gateway.ExtractToken(req); got != "header" {
		t.Fatalf("got %q, want header", got)
	}
	req.Header.Del("X-API-Key")
	if got := gateway.ExtractToken(req); got != "query" {
		t.Fatalf("got %q, want query", got)
	}
}

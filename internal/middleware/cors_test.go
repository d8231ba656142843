package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveCORS(origins []string, method, origin string) *httptest.ResponseRecorder {
	h := CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(method, "/api/projects", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCORSExplicitOriginAllowsCredentials(t *testing.T) {
	w := serveCORS([]string{"https://fragments.dev"}, http.MethodGet, "https://fragments.dev")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://fragments.dev" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("expected credentials for explicit origin")
	}
	if w.Code != http.StatusTeapot {
		t.Fatalf("expected request to reach handler, got %d", w.Code)
	}
}

func TestCORSWildcardDoesNotAllowCredentials(t *testing.T) {
	w := serveCORS([]string{"*"}, http.MethodGet, "https://evil.example")
	if w.Header().Get("Access-Control-Allow-Origin") != "https://evil.example" {
		t.Fatal("expected wildcard to echo origin")
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatal("wildcard match must not allow credentials")
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	w := serveCORS([]string{"https://fragments.dev"}, http.MethodGet, "https://evil.example")
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("expected no CORS headers for unknown origin")
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	w := serveCORS([]string{"*"}, http.MethodOptions, "http://localhost:3000")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for preflight, got %d", w.Code)
	}
}

func TestAllowedOrigins(t *testing.T) {
	if got := AllowedOrigins("https://fragments.dev", false); len(got) != 1 || got[0] != "https://fragments.dev" {
		t.Fatalf("unexpected origins %v", got)
	}
	if got := AllowedOrigins("http://localhost:3000", true); got[0] != "*" {
		t.Fatalf("expected wildcard in development, got %v", got)
	}
}

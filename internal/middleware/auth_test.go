package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Strob0t/amplifier-gateway/internal/middleware"
)

func fixedToken(token string, err error) middleware.TokenProvider {
	return func() (string, error) { return token, err }
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth_PublicPath_NoAuthRequired(t *testing.T) {
	handler := middleware.Auth(fixedToken("secret", nil))(okHandler())

	for _, path := range []string{"/api/health", "/api/auth/local-token"} {
		req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("path %s: status = %d, want 200", path, rec.Code)
		}
	}
}

func TestAuth_NoHeader_Returns401(t *testing.T) {
	handler := middleware.Auth(fixedToken("secret", nil))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAuth_WrongToken_Returns401(t *testing.T) {
	handler := middleware.Auth(fixedToken("secret", nil))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", http.NoBody)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
		t.Errorf("WWW-Authenticate = %q, want Bearer", got)
	}
}

func TestAuth_CorrectToken_PassesThroughAndMarksAuthenticated(t *testing.T) {
	var sawAuthenticated bool
	handler := middleware.Auth(fixedToken("secret", nil))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuthenticated = middleware.Authenticated(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", http.NoBody)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !sawAuthenticated {
		t.Error("expected request context to be marked authenticated")
	}
}

func TestAuth_TokenProviderError_Returns500(t *testing.T) {
	handler := middleware.Auth(fixedToken("", errUnavailable))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", http.NoBody)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

var errUnavailable = &providerError{"token store unavailable"}

type providerError struct{ msg string }

func (e *providerError) Error() string { return e.msg }

func TestVerifyWebSocketToken(t *testing.T) {
	verify := middleware.VerifyWebSocketToken(fixedToken("secret", nil))

	if !verify("secret") {
		t.Error("expected matching token to verify")
	}
	if verify("wrong") {
		t.Error("expected mismatched token to fail verification")
	}
}

func TestVerifyWebSocketToken_ProviderError(t *testing.T) {
	verify := middleware.VerifyWebSocketToken(fixedToken("", errUnavailable))

	if verify("anything") {
		t.Error("expected verification to fail when the token provider errors")
	}
}

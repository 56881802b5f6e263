package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/R3E-Network/treasury_layer/pkg/logger"
)

var testSecret = []byte("test-secret")

func newAuthServer(t *testing.T, next http.Handler) http.Handler {
	t.Helper()
	auth := NewAuth(testSecret, logger.NewDefault("test"))
	return auth.Handler(next)
}

func bearer(t *testing.T, subject, role string, ttl time.Duration) string {
	t.Helper()
	token, err := IssueToken(testSecret, subject, role, ttl)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return "Bearer " + token
}

func TestAuthHandler(t *testing.T) {
	var gotSubject, gotRole string
	handler := newAuthServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = Subject(r.Context())
		gotRole = Role(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/transactions", nil)
		req.Header.Set("Authorization", bearer(t, "user-1", "guardian", time.Hour))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if gotSubject != "user-1" || gotRole != "guardian" {
			t.Fatalf("context subject=%q role=%q, want user-1/guardian", gotSubject, gotRole)
		}
	})

	t.Run("missing header passes through anonymously", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/transactions", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if gotSubject != "" || gotRole != "" {
			t.Fatalf("context subject=%q role=%q, want empty", gotSubject, gotRole)
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/transactions", nil)
		req.Header.Set("Authorization", "Token abc")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/transactions", nil)
		req.Header.Set("Authorization", bearer(t, "user-1", "guardian", -time.Minute))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("wrong signing key", func(t *testing.T) {
		token, err := IssueToken([]byte("other-secret"), "user-1", "guardian", time.Hour)
		if err != nil {
			t.Fatalf("IssueToken() error = %v", err)
		}
		req := httptest.NewRequest(http.MethodGet, "/transactions", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

}

func TestRequireRole(t *testing.T) {
	protected := RequireRole(RoleGuardian)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler := newAuthServer(t, protected)

	t.Run("guardian allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/treasury/reconcile", nil)
		req.Header.Set("Authorization", bearer(t, "guardian-1", "guardian", time.Hour))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("viewer forbidden", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/treasury/reconcile", nil)
		req.Header.Set("Authorization", bearer(t, "user-2", "viewer", time.Hour))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("no role forbidden", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/treasury/reconcile", nil)
		req.Header.Set("Authorization", bearer(t, "user-3", "", time.Hour))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/treasury/reconcile", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})
}

package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func invokeGated(t *testing.T, key string, decorate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/fhir/$de-pseudonymize", strings.NewReader("{}"))
	if decorate != nil {
		decorate(req)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	if err := RequireAPIKey(key)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func TestRequireAPIKey(t *testing.T) {
	t.Run("missing key rejected", func(t *testing.T) {
		rec := invokeGated(t, "secret", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "OperationOutcome") {
			t.Errorf("expected OperationOutcome body, got %s", rec.Body.String())
		}
	})

	t.Run("wrong key rejected", func(t *testing.T) {
		rec := invokeGated(t, "secret", func(r *http.Request) {
			r.Header.Set("X-API-Key", "nope")
		})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("header key accepted", func(t *testing.T) {
		rec := invokeGated(t, "secret", func(r *http.Request) {
			r.Header.Set("X-API-Key", "secret")
		})
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("bearer key accepted", func(t *testing.T) {
		rec := invokeGated(t, "secret", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer secret")
		})
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("empty configured key disables gate", func(t *testing.T) {
		rec := invokeGated(t, "", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}

package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRequestTimeout_CompletesWithinDeadline(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/patients", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	handler := func(c echo.Context) error {
		called = true
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected context to have a deadline")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestTimeout(5*time.Second)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestRequestTimeout_ReturnsTimeoutOnExpiry(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/patients", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return c.String(http.StatusOK, "ok")
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}

	if err := RequestTimeout(50*time.Millisecond)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected status 504, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected error message")
	}
}

func TestRequestTimeout_SkipsUploadPaths(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	handler := func(c echo.Context) error {
		called = true
		if _, ok := c.Request().Context().Deadline(); ok {
			t.Error("expected no deadline for upload path")
		}
		return c.NoContent(http.StatusOK)
	}

	if err := RequestTimeout(50*time.Millisecond, "/api/upload")(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called for upload path")
	}
}

func TestRequestTimeout_PropagatesHandlerError(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/patients/123", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}

	err := RequestTimeout(5*time.Second)(handler)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", httpErr.Code)
	}
}

func newTimeoutApp(timeout time.Duration) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(zerolog.Nop())
	e.Use(Recovery(zerolog.Nop()))
	e.Use(RequestTimeout(timeout))
	return e
}

func TestRequestTimeout_PanicReachesRecovery(t *testing.T) {
	e := newTimeoutApp(time.Second)
	e.GET("/api/patients", func(c echo.Context) error {
		var counts map[string]int
		counts["x"]++
		return nil
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/patients", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal server error") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestRequestTimeout_LateWriteIsDiscarded(t *testing.T) {
	e := newTimeoutApp(20 * time.Millisecond)
	var finished atomic.Bool
	e.GET("/api/patients", func(c echo.Context) error {
		defer finished.Store(true)
		time.Sleep(100 * time.Millisecond)
		return c.JSON(http.StatusOK, map[string]string{"late": "response"})
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/patients", nil))

	if !finished.Load() {
		t.Error("expected the handler to finish before the request returned")
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "late") || !strings.Contains(body, "time limit") {
		t.Errorf("unexpected body %s", body)
	}
}

func TestRequestTimeout_PanicAfterDeadlineKeeps504(t *testing.T) {
	e := newTimeoutApp(20 * time.Millisecond)
	e.GET("/api/patients", func(c echo.Context) error {
		<-c.Request().Context().Done()
		panic("handler blew up after the deadline")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/patients", nil))

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "internal server error") {
		t.Errorf("500 body must not follow the 504: %s", rec.Body.String())
	}
}

func TestRequestTimeout_HandlerHeadersReachClient(t *testing.T) {
	e := newTimeoutApp(time.Second)
	e.GET("/api/patients", func(c echo.Context) error {
		c.Response().Header().Set("X-Total-Count", "2")
		return c.JSON(http.StatusOK, []string{"a", "b"})
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/patients", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Total-Count") != "2" {
		t.Errorf("expected handler header to be copied, got %v", rec.Header())
	}
	if !strings.Contains(rec.Header().Get(echo.HeaderContentType), "application/json") {
		t.Errorf("expected JSON content type, got %q", rec.Header().Get(echo.HeaderContentType))
	}
}

// internal/log/middleware_test.go
package log

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	if err := InitWriter(&Config{Level: "debug", Format: "text"}, &buf); err != nil {
		t.Fatalf("InitWriter: %v", err)
	}
	return &buf
}

func TestRequestLogger(t *testing.T) {
	buf := captureLogs(t)

	r := chi.NewRouter()
	r.Use(RequestLogger)
	r.Get("/health/{scope}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest("GET", "/health/channels", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	output := buf.String()
	for _, want := range []string{"http request", "method=GET", "route=/health/{scope}", "status=200", "bytes=2"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected log to contain %q, got %q", want, output)
		}
	}
}

func TestRequestLogger_ErrorStatus(t *testing.T) {
	buf := captureLogs(t)

	wrapped := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))

	if !strings.Contains(buf.String(), "level=ERROR") {
		t.Errorf("expected ERROR level for 503 status, got %q", buf.String())
	}
}

func TestGetRequestID(t *testing.T) {
	captureLogs(t)

	var got string
	wrapped := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	}))
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if len(got) != 8 {
		t.Errorf("expected 8-char request ID, got %q", got)
	}

	// chi's RequestID wins when present.
	chained := middleware.RequestID(wrapped)
	chained.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if got == "" || len(got) == 8 {
		t.Errorf("expected chi request ID, got %q", got)
	}
}

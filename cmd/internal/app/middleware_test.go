package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   slog.Level
	}{
		{status: 200, want: slog.LevelInfo},
		{status: 302, want: slog.LevelInfo},
		{status: 404, want: slog.LevelWarn},
		{status: 503, want: slog.LevelError},
	}

	for _, tc := range cases {
		if got := requestLogLevel(tc.status); got != tc.want {
			t.Fatalf("requestLogLevel(%d)=%v want=%v", tc.status, got, tc.want)
		}
	}
}

func TestWithRequestLogging_CapturesStatusAndBytes(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}), log)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusTeapot {
		t.Fatalf("status not passed through: %d", rr.Code)
	}
	if rr.Body.String() != "short and stout" {
		t.Fatalf("body not passed through: %q", rr.Body.String())
	}
}

func TestLoggingResponseWriter_PreservesOptionalInterfaces(t *testing.T) {
	t.Parallel()

	// WebSocket upgrades hijack the connection through the wrapper, so the
	// wrapper must either implement or unwrap to the optional interfaces.
	var w http.ResponseWriter = &loggingResponseWriter{ResponseWriter: httptest.NewRecorder()}

	if _, ok := w.(http.Flusher); !ok {
		t.Fatal("wrapper lost http.Flusher")
	}
	if _, ok := w.(http.Hijacker); !ok {
		t.Fatal("wrapper lost http.Hijacker")
	}
	if _, ok := w.(io.ReaderFrom); !ok {
		t.Fatal("wrapper lost io.ReaderFrom")
	}

	type unwrapper interface{ Unwrap() http.ResponseWriter }
	if _, ok := w.(unwrapper); !ok {
		t.Fatal("wrapper must support Unwrap for http.ResponseController")
	}
}

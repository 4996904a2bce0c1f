package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestChainAppliesMiddlewareInOrder(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name+":before")
				next.ServeHTTP(w, r)
				order = append(order, name+":after")
			})
		}
	}

	handler := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	})

	h := Chain(mw("a"), mw("b"))(handler)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	want := []string{"a:before", "b:before", "handler", "b:after", "a:after"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{name: "generated"},
		{name: "client supplied", header: "bench-7/req-123", keep: true},
		{name: "contains space", header: "req 123"},
		{name: "too long", header: strings.Repeat("r", maxRequestIDLen+1)},
		{name: "control character", header: "req\x01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header[RequestIDHeader] = []string{tt.header}
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if seen == "" {
				t.Fatal("request ID missing from context")
			}
			if (seen == tt.header) != tt.keep {
				t.Errorf("request ID = %q, client sent %q, keep = %v", seen, tt.header, tt.keep)
			}
			if got := rec.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("response header = %q, want %q", got, seen)
			}
		})
	}
}

func TestRequestIDFromEmptyContext(t *testing.T) {
	if id := RequestIDFromContext(context.Background()); id != "" {
		t.Errorf("RequestIDFromContext = %q, want empty", id)
	}
}

func TestRecoveryHidesPanicValue(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := Recovery()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("dsn=postgres://lab:secret@db")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Errorf("panic value leaked to client: %q", rec.Body.String())
	}
	if !strings.Contains(buf.String(), "handler panic") || !strings.Contains(buf.String(), "stack=") {
		t.Errorf("panic not logged with stack: %q", buf.String())
	}
}

func TestRecoveryReraisesAbort(t *testing.T) {
	h := Recovery()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", v)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestLogging(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		status    int
		wantLevel string
	}{
		{"client error", "/v1/sessions", http.StatusTeapot, "level=INFO"},
		{"server error", "/v1/sessions", http.StatusServiceUnavailable, "level=ERROR"},
		{"forbidden", "/v1/sessions/x", http.StatusForbidden, "level=WARN"},
		{"probe", "/healthz", http.StatusOK, "level=DEBUG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			h := Chain(RequestID(), Logging(logger))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte("body"))
			}))
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			req.Header.Set(RequestIDHeader, "req-log")
			h.ServeHTTP(httptest.NewRecorder(), req)

			out := buf.String()
			for _, want := range []string{tt.wantLevel, "method=POST", "path=" + tt.path, fmt.Sprintf("status=%d", tt.status), "bytes=4", "request_id=req-log"} {
				if !strings.Contains(out, want) {
					t.Errorf("log line %q missing %q", out, want)
				}
			}
		})
	}
}

func TestLoggingDefaultsStatus(t *testing.T) {
	var buf bytes.Buffer
	h := Logging(slog.New(slog.NewTextHandler(&buf, nil)))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/protocols", nil))

	if !strings.Contains(buf.String(), "status=200") {
		t.Errorf("log line %q, want status=200", buf.String())
	}
}

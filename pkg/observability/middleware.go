package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// unrouted labels requests that never reached a route, such as those
// rejected by authentication or matching no pattern.
const unrouted = "unrouted"

type routeKey struct{}

type routeSlot struct{ pattern string }

// ReportRoute tells the enclosing HTTPMetrics which ServeMux pattern
// served r. Call it after the mux has handled r; it is a no-op outside
// HTTPMetrics.
func ReportRoute(r *http.Request) {
	if slot, ok := r.Context().Value(routeKey{}).(*routeSlot); ok && r.Pattern != "" {
		slot.pattern = r.Pattern
	}
}

// HTTPMetrics records labflow_requests_total and
// labflow_request_duration_seconds by method and route pattern. A
// response that turns out to be an event stream is counted in
// labflow_streaming_connections_active while open and left out of the
// duration histogram, since the client decides how long it lasts.
func HTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		slot := &routeSlot{pattern: unrouted}
		ow := &observedWriter{ResponseWriter: w}
		defer ow.closeStream()

		next.ServeHTTP(ow, r.WithContext(context.WithValue(r.Context(), routeKey{}, slot)))

		status := ow.status
		if status == 0 {
			status = http.StatusOK
		}
		RequestsTotal.WithLabelValues(r.Method, slot.pattern, statusClass(status)).Inc()
		if !ow.streaming {
			RequestDuration.WithLabelValues(r.Method, slot.pattern).Observe(time.Since(start).Seconds())
		}
	})
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

// observedWriter notes the status code and whether the response is an
// event stream.
type observedWriter struct {
	http.ResponseWriter
	status    int
	streaming bool
}

func (w *observedWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
		if strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream") {
			w.streaming = true
			StreamingConnections.Inc()
		}
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *observedWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush keeps event streams working through the wrapper.
func (w *observedWriter) Flush() {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *observedWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *observedWriter) closeStream() {
	if w.streaming {
		StreamingConnections.Dec()
	}
}

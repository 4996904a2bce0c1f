package transport

import "net/http"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain composes middleware so that the first one listed sees the
// request first: Chain(a, b)(h) is a(b(h)).
func Chain(middlewares ...Middleware) Middleware {
	return func(h http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// responseLog records what a handler wrote for the request log.
type responseLog struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *responseLog) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseLog) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Flush keeps event streams working through the wrapper.
func (w *responseLog) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseLog) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// code is the status the client saw. Handlers that never write reply 200.
func (w *responseLog) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

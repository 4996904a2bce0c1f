// Package transport defines the service interfaces and middleware chain for
// the labflow HTTP/SSE transport layer.
//
// The transport layer bridges external clients and the step executor. It
// decodes incoming requests into the types defined in pkg/api, dispatches
// them to the executor and the read-side stores, and serializes results
// back as JSON or, for session event streams, as SSE.
//
// # Service Interfaces
//
// Executor covers every operation that mutates a session or its timer.
// SessionReader, CaptureReader, and AuditReader are the read side. The
// Services struct bundles them for the HTTP adapter.
//
// # Middleware
//
// Middleware wraps http.Handler. Built-in middleware provides panic
// recovery, request ID assignment (X-Request-ID, generated with
// google/uuid when absent), and structured request logging via log/slog.
package transport

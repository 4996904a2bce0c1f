// Package api defines the core domain types for the labflow protocol
// execution engine.
//
// The package covers the static protocol model (Protocol, Step and the
// per-kind StepConfig variants), the persisted execution model (Session,
// Capture, AuditEntry), the engine's event union (Event), structured errors,
// state machine validation, and ID generation.
//
// The package has zero external dependencies (Go standard library only) and
// performs no I/O. All types serialize to JSON with snake_case field names.
//
// Core types:
//   - [Protocol]: named, ordered list of steps
//   - [Step]: one unit of work with a typed [StepConfig]
//   - [Session]: one execution of a protocol, with accumulated [StepData]
//   - [Capture]: an artifact or value recorded by a step, with its own analysis lifecycle
//   - [Event]: engine event delivered to subscribers
//   - [APIError]: structured error with type, code, param, and message
package api

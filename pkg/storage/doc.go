// Package storage defines the persistence contract of the protocol engine
// and the helpers shared across its adapters: sentinel errors, list
// options, and the request-scoped actor.
//
// Adapters live in subpackages (memory, postgres, sqlite). Each one
// implements Store and treats a single session or capture write as the
// unit of atomicity: an update either lands completely or not at all.
package storage

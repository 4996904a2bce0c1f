// Package catalog holds protocol definitions: the read-only list of
// ordered steps a session pins when it starts.
//
// Protocols are loaded from YAML files and validated with
// api.ValidateProtocol before they become visible. The Watcher reloads
// the catalog when files change; sessions already running are unaffected
// because each session keeps its own copy of the step list.
package catalog

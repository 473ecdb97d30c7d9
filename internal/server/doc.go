// Package server implements the WebSocket session server.
//
// A Server owns the project library, a Hub of connected clients and the
// auto-login registry. Every Client authenticates against one project with
// its first core frame; frames that arrive earlier or while authentication
// runs are queued and replayed in order once it succeeds. Authenticated
// clients relay every non-core frame verbatim to the other clients of
// their project.
package server

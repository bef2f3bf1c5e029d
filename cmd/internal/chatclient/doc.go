// Package chatclient is the Go client for the Fitlink chat service.
//
// It owns the per-conversation realtime lifecycle: a connection manager with
// an explicit state machine, a push (websocket) transport with a polling
// fallback behind one interface, a message reconciler that deduplicates
// deliveries across push, poll and gap-fill paths, and ephemeral
// presence/typing propagation.
//
// The relational store (reached through the HTTP API) is the single source of
// truth. Everything delivered over the realtime channel is notify-only and may
// be duplicated, delayed or dropped; the reconciler and gap-fill reads make
// delivery to the application exactly-once per message id anyway.
package chatclient

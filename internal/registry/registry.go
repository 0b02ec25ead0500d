// Package registry implements the Session Registry: the address book
// mapping a ClientId to the outbound channel of its live Session
// Endpoint.
//
// Per spec.md §4.5's design note, this is deliberately NOT a separate
// actor with its own mailbox — it is a plain, non-thread-safe map
// called synchronously from inside the Broker's own mailbox goroutine,
// since the Broker is the only caller and both run on the same logical
// thread. A second RPC hop here would only add latency to the fan-out
// path for no concurrency benefit.
package registry

import "github.com/google/uuid"

// Outbox is the send side of a session's outbound frame channel. The
// Broker writes encoded ServerMessage frames to it; the session's own
// write loop owns the receive side.
type Outbox chan<- []byte

// Registry tracks the live outbox for every connected client.
//
// Not safe for concurrent use — callers must serialize access (the
// Broker does this by only ever calling Registry from its own mailbox
// goroutine).
type Registry struct {
	sessions map[uuid.UUID]Outbox
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]Outbox)}
}

// Add registers or replaces the outbox for a client. A reconnecting
// client silently replaces its previous entry, matching
// `ManageSession::Add` in the original session service.
func (r *Registry) Add(clientID uuid.UUID, outbox Outbox) {
	r.sessions[clientID] = outbox
}

// Remove deregisters a client. Removing an unknown client is a no-op.
func (r *Registry) Remove(clientID uuid.UUID) {
	delete(r.sessions, clientID)
}

// Get returns the outbox for a client and whether it is currently
// registered.
func (r *Registry) Get(clientID uuid.UUID) (Outbox, bool) {
	outbox, ok := r.sessions[clientID]
	return outbox, ok
}

// Len reports the number of currently registered sessions, used by
// health/status reporting.
func (r *Registry) Len() int {
	return len(r.sessions)
}

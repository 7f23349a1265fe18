package xmpp

import (
	"strings"
	"sync"
)

// Router is the process-wide registry of live sessions plus the
// destination-matching rule. A session is registered for its whole
// lifetime, accept to connection loss; delivery considers only READY
// sessions.
type Router struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}

	// strict switches the matching rule from the loose substring match
	// the legacy wire protocol relies on to localpart equality.
	strict bool
}

// NewRouter creates an empty router.
func NewRouter(strict bool) *Router {
	return &Router{
		sessions: make(map[*Session]struct{}),
		strict:   strict,
	}
}

// Add registers a session at accept time.
func (r *Router) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
}

// Remove unregisters a session at connection loss.
func (r *Router) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
}

// Count returns the number of registered sessions.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns a consistent copy of the session set; delivery
// iterates the copy so sends never hold the registry lock.
func (r *Router) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Matches reports whether a stanza addressed to `to` is deliverable to
// a peer with the given uid. The legacy rule is a case-insensitive
// substring match of the uid within the destination; strict mode
// requires the destination localpart to equal the uid.
func (r *Router) Matches(uid, to string) bool {
	if uid == "" || to == "" {
		return false
	}
	if r.strict {
		localpart := to
		if i := strings.IndexByte(localpart, '@'); i >= 0 {
			localpart = localpart[:i]
		}
		return strings.EqualFold(localpart, uid)
	}
	return strings.Contains(strings.ToLower(to), strings.ToLower(uid))
}

// Deliver sends payload to every READY peer other than the originator
// whose uid matches the destination. When onlyBots is set, controller
// peers are skipped (control commands only flow toward appliances).
// It returns the number of sessions written to; zero matches is a
// silent drop.
func (r *Router) Deliver(origin *Session, to, payload string, onlyBots bool) int {
	n := 0
	for _, peer := range r.Snapshot() {
		if peer.State() != StateReady || peer.JID() == origin.JID() {
			continue
		}
		if onlyBots && peer.Kind() != KindBot {
			continue
		}
		if !r.Matches(peer.UID(), to) {
			continue
		}
		peer.send(payload)
		n++
	}
	return n
}

// DeliverAll sends payload to every READY peer other than the
// originator, with no destination matching. This backs the legacy
// fallback for results whose normalized destination has no localpart.
func (r *Router) DeliverAll(origin *Session, payload string) int {
	n := 0
	for _, peer := range r.Snapshot() {
		if peer.State() != StateReady || peer.JID() == origin.JID() {
			continue
		}
		peer.send(payload)
		n++
	}
	return n
}

// Broadcast sends payload to every registered session, including the
// originator and sessions that are not yet READY. This is the
// de.ecorobot.net wildcard used by bot results.
func (r *Router) Broadcast(payload string) int {
	n := 0
	for _, peer := range r.Snapshot() {
		peer.send(payload)
		n++
	}
	return n
}

// CloseAll forces every registered session to DISCONNECT. Used at
// server shutdown.
func (r *Router) CloseAll() {
	for _, peer := range r.Snapshot() {
		peer.Disconnect()
	}
}

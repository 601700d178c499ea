// Package presence tracks which participant identities currently hold an
// open realtime connection to a session. State is process-memory only and
// rebuilt empty on restart; a restarted process relies on the abandonment
// monitor until participants rejoin.
package presence

import (
	"errors"
	"sync"
)

var (
	ErrUnknownSession     = errors.New("unknown session")
	ErrUnknownParticipant = errors.New("participant does not belong to session")
)

type connRef struct {
	sessionID     string
	participantID string
}

type sessionPresence struct {
	// conns is keyed by the session's known participant identities; a
	// participant may hold several connections at once (tab duplication,
	// reconnect races).
	conns map[string]map[string]struct{}
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*sessionPresence
	byConn   map[string]connRef
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*sessionPresence),
		byConn:   make(map[string]connRef),
	}
}

// Register declares the two participant identities of a session. Join
// rejects any other identity, so a desynced connection cannot distort the
// effective count.
func (t *Tracker) Register(sessionID, customerID, providerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[sessionID]; ok {
		return
	}
	t.sessions[sessionID] = &sessionPresence{
		conns: map[string]map[string]struct{}{
			customerID: {},
			providerID: {},
		},
	}
}

func (t *Tracker) Join(sessionID, participantID, connID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	conns, ok := sess.conns[participantID]
	if !ok {
		return ErrUnknownParticipant
	}
	conns[connID] = struct{}{}
	t.byConn[connID] = connRef{sessionID: sessionID, participantID: participantID}
	return nil
}

// Leave drops one connection and reports which session it belonged to.
func (t *Tracker) Leave(connID string) (sessionID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, found := t.byConn[connID]
	if !found {
		return "", false
	}
	delete(t.byConn, connID)
	if sess, exists := t.sessions[ref.sessionID]; exists {
		delete(sess.conns[ref.participantID], connID)
	}
	return ref.sessionID, true
}

// EffectiveCount is the number of distinct participant identities with at
// least one live connection. It never counts raw sockets: one participant
// with three tabs open still counts as one.
func (t *Tracker) EffectiveCount(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[sessionID]
	if !ok {
		return 0
	}
	count := 0
	for _, conns := range sess.conns {
		if len(conns) > 0 {
			count++
		}
	}
	return count
}

// Present reports whether a specific participant has a live connection.
func (t *Tracker) Present(sessionID, participantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[sessionID]
	if !ok {
		return false
	}
	return len(sess.conns[participantID]) > 0
}

// Drop forgets a session entirely. Called on termination.
func (t *Tracker) Drop(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	for _, conns := range sess.conns {
		for connID := range conns {
			delete(t.byConn, connID)
		}
	}
	delete(t.sessions, sessionID)
}

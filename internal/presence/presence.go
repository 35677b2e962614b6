// Package presence tracks which users currently hold a live connection to this process.
package presence

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Conn is a live connection that can receive events
type Conn interface {
	// ID uniquely identifies the connection for the lifetime of the process
	ID() string
	// Emit sends a named event with a JSON-serializable payload
	Emit(event string, payload interface{}) error
}

// Table maps user ids to their live connection. A user has at most one connection;
// registering again replaces the previous one without closing it.
type Table struct {
	mu     sync.RWMutex
	byUser map[string]Conn
	byConn map[string]string // connection id -> user id
}

func NewTable() *Table {
	return &Table{
		byUser: make(map[string]Conn),
		byConn: make(map[string]string),
	}
}

// Register binds userID to conn. Last writer wins.
func (t *Table) Register(userID string, conn Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// a connection serves one identity; rebinding drops its previous user
	if prev, ok := t.byConn[conn.ID()]; ok && prev != userID {
		if c, ok := t.byUser[prev]; ok && c.ID() == conn.ID() {
			delete(t.byUser, prev)
		}
	}

	t.byUser[userID] = conn
	t.byConn[conn.ID()] = userID
}

// Lookup returns the connection of userID. false means the user is not reachable right now.
func (t *Table) Lookup(userID string) (Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.byUser[userID]
	return c, ok
}

// Unregister forgets conn and returns the user it was bound to.
// The user entry is removed only while it still points at conn, so a stale
// connection closing does not evict the connection that replaced it.
func (t *Table) Unregister(conn Conn) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	userID, ok := t.byConn[conn.ID()]
	if !ok {
		return "", false
	}
	delete(t.byConn, conn.ID())

	if c, ok := t.byUser[userID]; ok && c.ID() == conn.ID() {
		delete(t.byUser, userID)
	}

	return userID, true
}

// Online returns the sorted ids of reachable users
func (t *Table) Online() []string {
	t.mu.RLock()
	ids := lo.Keys(t.byUser)
	t.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.byUser)
}

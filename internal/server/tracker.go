package server

import "sync"

// Tracker records the live connections of a dispatcher so that shutdown can
// force-close them.
type Tracker struct {
	mu    sync.Mutex
	conns map[*Connection]struct{}
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{conns: make(map[*Connection]struct{})}
}

// Register adds conn.
func (t *Tracker) Register(conn *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[conn] = struct{}{}
}

// Unregister removes conn.
func (t *Tracker) Unregister(conn *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, conn)
}

// Len returns the number of tracked connections.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// CloseAll closes every tracked connection. Connections stay registered
// until their worker unregisters them.
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	conns := make([]*Connection, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

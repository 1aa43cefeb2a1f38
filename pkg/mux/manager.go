package mux

import (
	"context"
	"net"
	"sync"
	"time"
)

// DialFunc opens one new VlessConnection for the default config, to
// back a new Client.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Manager maintains a list of Clients for one default VlessConfig and
// dispatches new sessions to the first non-full, non-closed client,
// creating one if all existing clients are full or closed.
type Manager struct {
	mu      sync.Mutex
	dial    DialFunc
	clients []*Client

	keepAliveInterval time.Duration
}

func NewManager(dial DialFunc, keepAliveInterval time.Duration) *Manager {
	return &Manager{dial: dial, keepAliveInterval: keepAliveInterval}
}

// Dispatch returns a client with room for a new session, creating one
// if needed.
func (m *Manager) Dispatch(ctx context.Context) (*Client, error) {
	m.mu.Lock()
	for _, c := range m.clients {
		if !c.Closed() && !c.Full() {
			m.mu.Unlock()
			return c, nil
		}
	}
	m.mu.Unlock()

	conn, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	client := NewClient(conn, m.keepAliveInterval)

	m.mu.Lock()
	m.clients = append(m.pruneClosedLocked(), client)
	m.mu.Unlock()

	return client, nil
}

func (m *Manager) pruneClosedLocked() []*Client {
	live := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		if !c.Closed() {
			live = append(live, c)
		}
	}
	return live
}

// CloseAll closes every client, synthesizing close for all of their
// sessions. Called on reload teardown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = nil
	m.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

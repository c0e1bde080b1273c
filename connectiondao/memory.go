package connectiondao

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local registry used when running in console mode.
type Memory struct {
	mu    sync.RWMutex
	rows  map[string]Connection
	clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		rows:  map[string]Connection{},
		clock: time.Now,
	}
}

func (m *Memory) Put(_ context.Context, conn Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[conn.ConnectionID] = conn
	return nil
}

func (m *Memory) Get(_ context.Context, connectionID string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.rows[connectionID]
	if !ok {
		return nil, fmt.Errorf("connection %v: %w", connectionID, ErrNotFound)
	}
	return &conn, nil
}

func (m *Memory) Delete(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, connectionID)
	return nil
}

func (m *Memory) QueryByConversation(_ context.Context, conversationID string) ([]Connection, error) {
	if conversationID == "" {
		return nil, nil
	}
	return m.filter(func(c Connection) bool { return c.ConversationID == conversationID }), nil
}

func (m *Memory) QueryByUser(_ context.Context, userID string) ([]Connection, error) {
	if userID == "" {
		return nil, nil
	}
	return m.filter(func(c Connection) bool { return c.OwnerUserID == userID }), nil
}

// Len returns the number of stored rows, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func (m *Memory) filter(match func(Connection) bool) []Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var conns []Connection
	for _, c := range m.rows {
		if !match(c) {
			continue
		}
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ConnectionID < conns[j].ConnectionID })
	return live(conns, m.clock())
}

package notificationdao

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local notification store used in console mode.
type Memory struct {
	mu    sync.RWMutex
	rows  map[string]Notification
	clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		rows:  map[string]Notification{},
		clock: time.Now,
	}
}

func (m *Memory) Create(_ context.Context, n Notification) error {
	n.setRead(!n.Unread)
	if err := n.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[n.ID] = n
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("notification %v: %w", id, ErrNotFound)
	}
	return &n, nil
}

func (m *Memory) SetReadState(_ context.Context, id string, read bool) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("notification %v: %w", id, ErrNotFound)
	}
	n.setRead(read)
	m.rows[id] = n
	return &n, nil
}

func (m *Memory) ListByUser(_ context.Context, userID string, filter ListFilter) ([]Notification, error) {
	now := m.clock()

	m.mu.RLock()
	var out []Notification
	for _, n := range m.rows {
		if n.RecipientUserID == userID && !n.Expired(now) && filter.match(n) {
			out = append(out, n)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/model"
)

type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	store  map[model.Recipient][]*model.Notification // oldest first
	keys   map[model.Recipient]map[string]*model.Notification
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		store: make(map[model.Recipient][]*model.Notification),
		keys:  make(map[model.Recipient]map[string]*model.Notification),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Append(_ context.Context, n *model.Notification) (*model.Notification, error) {
	r := n.Recipient()
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.IdempotencyKey != "" {
		if prev, ok := s.keys[r][n.IdempotencyKey]; ok {
			return prev.Clone(), fmt.Errorf("append %s key %q: %w", r, n.IdempotencyKey, errs.ErrDuplicate)
		}
	}

	s.nextID++
	rec := n.Clone()
	rec.ID = s.nextID
	rec.CreatedAt = s.now()
	rec.Read = false
	s.store[r] = append(s.store[r], rec)
	if rec.IdempotencyKey != "" {
		if s.keys[r] == nil {
			s.keys[r] = make(map[string]*model.Notification)
		}
		s.keys[r][rec.IdempotencyKey] = rec
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, r model.Recipient) ([]*model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.store[r]
	out := make([]*model.Notification, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, msgs[i].Clone())
	}
	return out, nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, r model.Recipient) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, m := range s.store[r] {
		if !m.Read {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, r model.Recipient, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.store[r] {
		if m.ID == id {
			m.Read = true
			return nil
		}
	}
	return fmt.Errorf("mark read %d for %s: %w", id, r, errs.ErrNotFound)
}

func (s *MemoryStore) MarkAllRead(_ context.Context, r model.Recipient) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.store[r] {
		if !m.Read {
			m.Read = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Delete(_ context.Context, r model.Recipient, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.store[r]
	for i, m := range msgs {
		if m.ID != id {
			continue
		}
		s.store[r] = append(msgs[:i:i], msgs[i+1:]...)
		if m.IdempotencyKey != "" {
			delete(s.keys[r], m.IdempotencyKey)
		}
		return nil
	}
	return fmt.Errorf("delete %d for %s: %w", id, r, errs.ErrNotFound)
}

func (s *MemoryStore) DeleteAll(_ context.Context, r model.Recipient) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.store[r]))
	delete(s.store, r)
	delete(s.keys, r)
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error                { return nil }

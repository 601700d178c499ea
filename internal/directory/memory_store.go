package directory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Record
	busy     map[string]bool
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Record),
		busy:     make(map[string]bool),
	}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) (Record, error) {
	if err := validateRecord(rec); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, fmt.Errorf("memory store is closed")
	}
	if _, ok := s.sessions[rec.SessionID]; ok {
		return Record{}, ErrDuplicateSession
	}
	created := newRecord(rec, time.Now().UTC())
	s.sessions[rec.SessionID] = created
	return created, nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) MarkStarted(_ context.Context, sessionID string, at time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status == StatusEnded {
		return Record{}, ErrSessionEnded
	}
	if rec.StartedAt == nil {
		started := at.UTC()
		rec.StartedAt = &started
	}
	rec.Status = StatusActive
	rec.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = rec
	return rec, nil
}

func (s *MemoryStore) MarkEnded(_ context.Context, sessionID string, reason EndReason, at time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status == StatusEnded {
		return Record{}, ErrSessionEnded
	}
	ended := at.UTC()
	rec.Status = StatusEnded
	rec.EndedAt = &ended
	rec.EndReason = reason
	rec.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = rec
	return rec, nil
}

func (s *MemoryStore) Reopen(_ context.Context, sessionID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status != StatusEnded {
		return Record{}, ErrNotEnded
	}
	rec.Status = StatusActive
	rec.EndedAt = nil
	rec.EndReason = ""
	rec.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = rec
	return rec, nil
}

func (s *MemoryStore) ActiveSessions(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.sessions {
		if rec.Status == StatusActive {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) OpenSessions(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.sessions {
		if rec.Status != StatusEnded {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) ProviderHasActiveSession(_ context.Context, providerID, excludeSessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.sessions {
		if rec.ProviderID == providerID && rec.Status == StatusActive && rec.SessionID != excludeSessionID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) SetProviderBusy(_ context.Context, providerID string, busy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy[providerID] = busy
	return nil
}

func (s *MemoryStore) ProviderBusy(_ context.Context, providerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy[providerID], nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

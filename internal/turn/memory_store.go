package turn

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "OpenPA-Agent/internal/errors"
)

// MemoryStore 是基于内存的 Store 实现，主要用于本地开发和测试。
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[string]*Turn
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: make(map[string]*Turn)}
}

// Create 实现 Store.Create。
func (s *MemoryStore) Create(_ context.Context, t *Turn) error {
	if t == nil || t.ID == "" {
		return xerrors.New(CodeTurnValidation, "turn id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.turns[t.ID]; exists {
		return ErrTurnConflict
	}
	now := time.Now().Unix()
	stored := cloneTurn(t)
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	if stored.CreatedAt == 0 {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.turns[t.ID] = stored
	return nil
}

// Get 实现 Store.Get。
func (s *MemoryStore) Get(_ context.Context, id string) (*Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.turns[id]
	if !ok {
		return nil, ErrTurnNotFound
	}
	return cloneTurn(stored), nil
}

// Claim 实现 Store.Claim。
func (s *MemoryStore) Claim(_ context.Context, id string) (*Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.turns[id]
	if !ok {
		return nil, ErrTurnNotFound
	}
	switch stored.Status {
	case StatusSucceeded:
		return nil, ErrTurnCompleted
	case StatusPending:
		if stored.MaxRetries > 0 && stored.Attempts >= stored.MaxRetries {
			return nil, ErrTurnExhausted
		}
	default:
		return nil, ErrTurnConflict
	}
	stored.Status = StatusRunning
	stored.Attempts++
	stored.UpdatedAt = time.Now().Unix()
	return cloneTurn(stored), nil
}

// MarkSucceeded 实现 Store.MarkSucceeded。
func (s *MemoryStore) MarkSucceeded(_ context.Context, id string, result *Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.turns[id]
	if !ok {
		return ErrTurnNotFound
	}
	stored.Status = StatusSucceeded
	stored.LastError = ""
	stored.ErrorCode = ""
	if result != nil {
		resultCopy := *result
		if result.ToolsUsed != nil {
			resultCopy.ToolsUsed = append([]string(nil), result.ToolsUsed...)
		}
		stored.Result = &resultCopy
	}
	stored.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 实现 Store.MarkFailed。
func (s *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.turns[id]
	if !ok {
		return ErrTurnNotFound
	}
	if terminal {
		stored.Status = StatusFailed
	} else {
		stored.Status = StatusPending
	}
	stored.LastError = lastError
	stored.ErrorCode = string(code)
	stored.UpdatedAt = time.Now().Unix()
	return nil
}

// List 实现 Store.List。
func (s *MemoryStore) List(_ context.Context, opts ...ListOption) ([]*Turn, error) {
	options := BuildListOptions(opts...)

	s.mu.RLock()
	defer s.mu.RUnlock()

	filtered := make([]*Turn, 0, len(s.turns))
	for _, stored := range s.turns {
		if options.Status != "" && stored.Status != options.Status {
			continue
		}
		if options.SessionID != "" && stored.SessionID != options.SessionID {
			continue
		}
		filtered = append(filtered, stored)
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt == filtered[j].CreatedAt {
			return filtered[i].ID < filtered[j].ID
		}
		return filtered[i].CreatedAt > filtered[j].CreatedAt
	})

	if options.Offset >= len(filtered) {
		return []*Turn{}, nil
	}
	filtered = filtered[options.Offset:]
	if len(filtered) > options.Limit {
		filtered = filtered[:options.Limit]
	}

	result := make([]*Turn, 0, len(filtered))
	for _, stored := range filtered {
		result = append(result, cloneTurn(stored))
	}
	return result, nil
}

// Stats 实现 Store.Stats。
func (s *MemoryStore) Stats(_ context.Context) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := map[Status]int{
		StatusPending:   0,
		StatusRunning:   0,
		StatusSucceeded: 0,
		StatusFailed:    0,
	}
	for _, stored := range s.turns {
		stats[stored.Status]++
	}
	return stats, nil
}

// Close 实现 Store.Close。
func (s *MemoryStore) Close() error {
	return nil
}

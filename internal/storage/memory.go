package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"bleedthrough/internal/model"
)

type memoryEntry struct {
	createdAt string
	seq       int
	payload   []byte
}

// MemoryStore keeps encoded runs in process. Records go through the same codec
// as the sqlite backend, so callers never share slices with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	seq         int
	runs        map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]memoryEntry)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	s.seq++
	s.runs[run.ID] = memoryEntry{createdAt: run.CreatedAtUTC, seq: s.seq, payload: payload}
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	entry, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return model.RunRecord{}, false, nil
	}
	run, err := DecodeRun(entry.payload)
	if err != nil {
		return model.RunRecord{}, false, err
	}
	return run, true, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]model.RunRecord, error) {
	s.mu.RLock()
	entries := make([]memoryEntry, 0, len(s.runs))
	for _, entry := range s.runs {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].createdAt == entries[j].createdAt {
			return entries[i].seq > entries[j].seq
		}
		return entries[i].createdAt > entries[j].createdAt
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	runs := make([]model.RunRecord, 0, len(entries))
	for _, entry := range entries {
		run, err := DecodeRun(entry.payload)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *MemoryStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runs, id)
	return nil
}

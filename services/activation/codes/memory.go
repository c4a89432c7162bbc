package codes

import (
	"context"
	"sync"
)

type codeKey struct {
	subject string
	channel Channel
}

type codeEntry struct {
	mu   sync.Mutex
	code VerificationCode
}

// MemoryStore keeps the newest code per subject and channel in process.
type MemoryStore struct {
	mu    sync.RWMutex
	codes map[codeKey]*codeEntry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codes: make(map[codeKey]*codeEntry)}
}

func (s *MemoryStore) Replace(ctx context.Context, c VerificationCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Code = ""
	key := codeKey{subject: c.SubjectID, channel: c.Channel}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.codes[key]; ok {
		prev.mu.Lock()
		if prev.code.State == StateLive {
			prev.code.State = StateSuperseded
		}
		prev.mu.Unlock()
	}
	s.codes[key] = &codeEntry{code: c}
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, subjectID string, ch Channel, fn func(*VerificationCode) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	e, ok := s.codes[codeKey{subject: subjectID, channel: ch}]
	s.mu.RUnlock()
	if !ok {
		return ErrNoCode
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.code
	err := fn(&c)
	e.code = c
	return err
}

var _ Store = (*MemoryStore)(nil)

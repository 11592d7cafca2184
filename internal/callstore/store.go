// Package callstore holds the in-flight calls, keyed by correlation key.
package callstore

import (
	"sync"
	"time"

	apperrors "github.com/callbridge/pbx-bridge-go/internal/errors"
	"github.com/callbridge/pbx-bridge-go/internal/model"
)

// Store is a bounded-lifetime in-memory table of calls. Every method returns
// copies; the lock is only held for map access.
type Store struct {
	mu    sync.RWMutex
	calls map[string]*model.CallRecord
	now   func() time.Time
}

func New() *Store {
	return &Store{
		calls: make(map[string]*model.CallRecord),
		now:   time.Now,
	}
}

// Create inserts a new record in state NEW. A live key is never overwritten.
func (s *Store) Create(key string, initial model.CallRecord) (*model.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calls[key]; exists {
		return nil, apperrors.DuplicateKey(key)
	}

	rec := initial.Clone()
	rec.CorrelationKey = key
	rec.State = model.CallStateNew
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.now()
	}
	if len(rec.Events) == 0 {
		rec.Events = []string{string(model.CallStateNew)}
	}
	s.calls[key] = rec

	return rec.Clone(), nil
}

func (s *Store) Get(key string) (*model.CallRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.calls[key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Mutate applies fn to the stored record if it exists. fn runs under the
// store lock and must not block.
func (s *Store) Mutate(key string, fn func(*model.CallRecord)) (*model.CallRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[key]
	if !ok {
		return nil, false
	}
	fn(rec)
	rec.CorrelationKey = key
	return rec.Clone(), true
}

func (s *Store) FindByConversationID(conversationID string) (*model.CallRecord, bool) {
	if conversationID == "" {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.calls {
		if rec.ConversationID == conversationID {
			return rec.Clone(), true
		}
	}
	return nil, false
}

func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.calls[key]
	delete(s.calls, key)
	return ok
}

// Sweep evicts every record started more than maxAge ago, regardless of state.
func (s *Store) Sweep(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, rec := range s.calls {
		if rec.StartedAt.Before(cutoff) {
			delete(s.calls, key)
			evicted++
		}
	}
	return evicted
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.calls)
}

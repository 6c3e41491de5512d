package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps tokens in process memory. Expired tokens are ignored on
// read and removed by PurgeExpired.
type MemoryStore struct {
	mu         sync.Mutex
	now        func() time.Time
	tokens     map[tokenID]Token
	processing map[processingID]string
}

type tokenID struct {
	tenant string
	key    string
}

type processingID struct {
	tenant string
	user   string
	hash   string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:        time.Now,
		tokens:     make(map[tokenID]Token),
		processing: make(map[processingID]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, tok Token) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	id := tokenID{tok.TenantID, tok.Key}
	if existing, ok := s.tokens[id]; ok && !existing.Expired(now) {
		return false, nil
	}
	pid := processingID{tok.TenantID, tok.UserID, tok.RequestHash}
	if key, ok := s.processing[pid]; ok {
		if other, live := s.tokens[tokenID{tok.TenantID, key}]; live && !other.Expired(now) && other.Status == StatusProcessing {
			return false, nil
		}
	}
	s.tokens[id] = tok
	if tok.Status == StatusProcessing {
		s.processing[pid] = tok.Key
	}
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID, key string) (Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[tokenID{tenantID, key}]
	if !ok || tok.Expired(s.now()) {
		return Token{}, false, nil
	}
	return tok, true, nil
}

func (s *MemoryStore) FindProcessing(_ context.Context, tenantID, userID, requestHash string) (Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.processing[processingID{tenantID, userID, requestHash}]
	if !ok {
		return Token{}, false, nil
	}
	tok, ok := s.tokens[tokenID{tenantID, key}]
	if !ok || tok.Status != StatusProcessing || tok.Expired(s.now()) {
		return Token{}, false, nil
	}
	return tok, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenID{tok.TenantID, tok.Key}] = tok
	delete(s.processing, processingID{tok.TenantID, tok.UserID, tok.RequestHash})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, tenantID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := tokenID{tenantID, key}
	if tok, ok := s.tokens[id]; ok {
		pid := processingID{tok.TenantID, tok.UserID, tok.RequestHash}
		if s.processing[pid] == key {
			delete(s.processing, pid)
		}
	}
	delete(s.tokens, id)
	return nil
}

// PurgeExpired drops tokens whose expiry is at or before now.
func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, tok := range s.tokens {
		if !tok.Expired(now) {
			continue
		}
		pid := processingID{tok.TenantID, tok.UserID, tok.RequestHash}
		if s.processing[pid] == tok.Key {
			delete(s.processing, pid)
		}
		delete(s.tokens, id)
		purged++
	}
	return purged, nil
}

package profile

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and store-less deployments.
// Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Record
	prints   map[string]Print
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]Record),
		prints:   make(map[string]Print),
	}
}

// Profile implements Store.
func (s *MemoryStore) Profile(_ context.Context, userID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.profiles[userID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// SaveProfile implements Store.
func (s *MemoryStore) SaveProfile(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = time.Now()
	s.profiles[rec.UserID] = rec
	return nil
}

// SavePrint implements Store.
func (s *MemoryStore) SavePrint(_ context.Context, userID string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	emb := make([]float32, len(embedding))
	copy(emb, embedding)
	s.prints[userID] = Print{UserID: userID, Embedding: emb, UpdatedAt: time.Now()}
	return nil
}

// SimilarVoices implements Store using exact cosine distance over all stored
// prints.
func (s *MemoryStore) SimilarVoices(_ context.Context, userID string, limit int) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, ok := s.prints[userID]
	if !ok {
		return nil, ErrNotFound
	}

	matches := make([]Match, 0, len(s.prints))
	for id, p := range s.prints {
		if id == userID {
			continue
		}
		matches = append(matches, Match{UserID: id, Distance: cosineDistance(query.Embedding, p.Embedding)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Print returns the stored print for a user, primarily for tests.
func (s *MemoryStore) Print(userID string) (Print, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prints[userID]
	return p, ok
}

// cosineDistance returns 1 - cos(a, b). Mismatched or zero-length vectors
// count as maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

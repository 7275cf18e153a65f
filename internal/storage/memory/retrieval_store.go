package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/picfetch/internal/imagefetch"
)

// RetrievalStore keeps retrieval rows in insertion order.
type RetrievalStore struct {
	mu      sync.RWMutex
	records []imagefetch.RetrievalRecord
}

// NewRetrievalStore constructs a RetrievalStore.
func NewRetrievalStore() *RetrievalStore {
	return &RetrievalStore{}
}

// StoreRetrieval appends a retrieval row.
func (s *RetrievalStore) StoreRetrieval(_ context.Context, record imagefetch.RetrievalRecord) error {
	if record.ID == "" {
		return errors.New("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// Records returns a copy of the stored rows.
func (s *RetrievalStore) Records() []imagefetch.RetrievalRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]imagefetch.RetrievalRecord, len(s.records))
	copy(out, s.records)
	return out
}

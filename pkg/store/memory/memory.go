// Package memory stores cache documents in process memory. Data is lost on
// restart; useful for testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"tagwatch/pkg/document"
	"tagwatch/pkg/store"
)

// Store is an in-memory store.Store implementation.
type Store struct {
	docs  map[string]*document.Document
	rules []byte
	mu    sync.RWMutex
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{docs: make(map[string]*document.Document)}
}

// Get returns a deep copy so readers never race an in-flight merge.
func (s *Store) Get(ctx context.Context, key store.Key) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[key.String()]
	if !ok {
		return nil, store.ErrNotFound
	}
	return doc.Clone(), nil
}

// Merge appends new rows into the keyed document, creating it on first write.
func (s *Store) Merge(ctx context.Context, key store.Key, columns []string, rows []document.Row, today string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[key.String()]
	if !ok {
		doc = document.New(columns)
	}
	appended, err := doc.Merge(columns, rows, today)
	if err != nil {
		return 0, err
	}
	doc.UpdatedAt = time.Now()
	s.docs[key.String()] = doc
	return appended, nil
}

// Delete removes one document.
func (s *Store) Delete(ctx context.Context, key store.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[key.String()]; !ok {
		return store.ErrNotFound
	}
	delete(s.docs, key.String())
	return nil
}

// Keys lists stored entity keys.
func (s *Store) Keys(ctx context.Context) ([]store.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]store.Key, 0, len(s.docs))
	for k := range s.docs {
		if key, ok := store.ParseKey(k); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// PurgeTag removes a tag's rows from every document.
func (s *Store) PurgeTag(ctx context.Context, tagID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := 0
	for k, doc := range s.docs {
		if doc.RemoveTag(tagID) == 0 {
			continue
		}
		touched++
		if len(doc.Rows) == 0 {
			delete(s.docs, k)
			continue
		}
		doc.UpdatedAt = time.Now()
	}
	return touched, nil
}

// Clear removes every cache document.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs = make(map[string]*document.Document)
	return nil
}

// Stats summarizes the cache contents.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &store.Stats{}
	for k, doc := range s.docs {
		stats.Documents++
		if key, ok := store.ParseKey(k); ok {
			switch key.Class {
			case store.Seat:
				stats.SeatDocuments++
			case store.Publisher:
				stats.PublisherDocuments++
			}
		}
		stats.TotalRows += len(doc.Rows)
		for date := range doc.CachedDates() {
			if stats.OldestDate == "" || date < stats.OldestDate {
				stats.OldestDate = date
			}
			if date > stats.NewestDate {
				stats.NewestDate = date
			}
		}
	}
	return stats, nil
}

// LoadRules returns the serialized rule set.
func (s *Store) LoadRules(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.rules == nil {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), s.rules...), nil
}

// SaveRules replaces the serialized rule set.
func (s *Store) SaveRules(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rules = append([]byte(nil), data...)
	return nil
}

// Close is a no-op for memory storage.
func (s *Store) Close() error {
	return nil
}

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/errs"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/store"
)

// DocumentStore is an in-memory store.DocumentStore.
// It is intended for use in tests and dev environments.
type DocumentStore struct {
	mu   sync.RWMutex
	cols map[store.Collection]*collection
}

type collection struct {
	order []string
	docs  map[string][]byte
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{cols: make(map[store.Collection]*collection)}
}

func (s *DocumentStore) col(c store.Collection) *collection {
	cl, ok := s.cols[c]
	if !ok {
		cl = &collection{docs: make(map[string][]byte)}
		s.cols[c] = cl
	}
	return cl
}

func (s *DocumentStore) Put(_ context.Context, c store.Collection, key string, body []byte) error {
	if key == "" {
		return fmt.Errorf("Put %s: empty key", c)
	}
	if !json.Valid(body) {
		return fmt.Errorf("Put %s/%s: body is not JSON", c, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cl := s.col(c)
	if _, exists := cl.docs[key]; !exists {
		cl.order = append(cl.order, key)
	}
	cl.docs[key] = slices.Clone(body)
	return nil
}

func (s *DocumentStore) Get(_ context.Context, c store.Collection, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cl, ok := s.cols[c]
	if !ok {
		return nil, fmt.Errorf("Get %s/%s: %w", c, key, errs.ErrNotFound)
	}
	body, ok := cl.docs[key]
	if !ok {
		return nil, fmt.Errorf("Get %s/%s: %w", c, key, errs.ErrNotFound)
	}
	return slices.Clone(body), nil
}

func (s *DocumentStore) GetAll(_ context.Context, c store.Collection) ([]store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cl, ok := s.cols[c]
	if !ok {
		return nil, nil
	}
	out := make([]store.Document, 0, len(cl.order))
	for _, k := range cl.order {
		out = append(out, store.Document{Key: k, Body: slices.Clone(cl.docs[k])})
	}
	return out, nil
}

func (s *DocumentStore) FindByField(ctx context.Context, c store.Collection, field, value string) ([]store.Document, error) {
	if !store.ValidField(field) {
		return nil, fmt.Errorf("FindByField %s: bad field %q", c, field)
	}
	all, err := s.GetAll(ctx, c)
	if err != nil {
		return nil, err
	}
	var out []store.Document
	for _, d := range all {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(d.Body, &obj); err != nil {
			continue
		}
		var v string
		if raw, ok := obj[field]; ok && json.Unmarshal(raw, &v) == nil && v == value {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *DocumentStore) Update(_ context.Context, c store.Collection, key string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl := s.col(c)
	body, ok := cl.docs[key]
	if !ok {
		return fmt.Errorf("Update %s/%s: %w", c, key, errs.ErrNotFound)
	}
	merged, err := store.MergePatch(body, patch)
	if err != nil {
		return fmt.Errorf("Update %s/%s: %w", c, key, err)
	}
	cl.docs[key] = merged
	return nil
}

func (s *DocumentStore) Delete(_ context.Context, c store.Collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.cols[c]
	if !ok {
		return nil
	}
	if _, ok := cl.docs[key]; !ok {
		return nil
	}
	delete(cl.docs, key)
	cl.order = slices.DeleteFunc(cl.order, func(k string) bool { return k == key })
	return nil
}

func (s *DocumentStore) Clear(_ context.Context, c store.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cols, c)
	return nil
}

func (s *DocumentStore) Count(_ context.Context, c store.Collection) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cl, ok := s.cols[c]; ok {
		return len(cl.docs), nil
	}
	return 0, nil
}

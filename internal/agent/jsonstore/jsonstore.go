// Package jsonstore persists one resource type per JSON file as a single
// full-replace document. Writes go to a temp file followed by a rename so a
// concurrent reader sees either the old or the new content.
package jsonstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

const documentVersion = 1

// document is the on-disk shape: a version plus an id-keyed mapping.
type document[T any] struct {
	Version int          `json:"version"`
	Items   map[string]T `json:"items"`
}

// Store holds one resource type's records, keyed by id.
type Store[T any] struct {
	path string

	mu    sync.Mutex
	items map[string]T
}

// Open loads the document at path, or starts empty if it does not exist.
func Open[T any](path string) (*Store[T], error) {
	s := &Store[T]{path: path, items: make(map[string]T)}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var doc document[T]
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.Items != nil {
		s.items = doc.Items
	}
	return s, nil
}

// Get returns the record with the given id.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[id]
	return v, ok
}

// List returns all records.
func (s *Store[T]) List() map[string]T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]T, len(s.items))
	for k, v := range s.items {
		out[k] = v
	}
	return out
}

// Put inserts or replaces a record and persists the document.
func (s *Store[T]) Put(id string, v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = v
	return s.flushLocked()
}

// Delete removes a record and persists the document. Returns true if the
// record existed.
func (s *Store[T]) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false, nil
	}
	delete(s.items, id)
	return true, s.flushLocked()
}

// Replace swaps the entire mapping and persists it.
func (s *Store[T]) Replace(items map[string]T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]T, len(items))
	for k, v := range items {
		s.items[k] = v
	}
	return s.flushLocked()
}

// Len returns the number of records.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store[T]) flushLocked() error {
	doc := document[T]{Version: documentVersion, Items: s.items}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	return os.Rename(tmp, s.path)
}

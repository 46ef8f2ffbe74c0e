// Package memory keeps archived objects in process memory.
package memory

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Object is one stored blob.
type Object struct {
	Data        []byte
	ContentType string
}

// Store holds objects keyed by path and returns memory:// URIs.
type Store struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// New creates an empty Store.
func New() *Store {
	return &Store{objects: make(map[string]Object)}
}

// PutObject copies r into the store.
func (s *Store) PutObject(_ context.Context, path, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	s.mu.Lock()
	s.objects[path] = Object{Data: data, ContentType: contentType}
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Object returns the stored object at path.
func (s *Store) Object(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	return obj, ok
}

// Len reports how many objects are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

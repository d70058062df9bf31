// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory implements pkg/blobstore.Client in process memory, for
// tests and for running the server without a real S3-compatible endpoint.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/mardi4nfdi/doip-server/pkg/blobstore"
	"github.com/mardi4nfdi/doip-server/pkg/doiperr"
)

func init() {
	blobstore.Providers.Register("memory", func(ctx context.Context, params map[string]string) (blobstore.Client, error) {
		return New(), nil
	})
}

var _ blobstore.Client = (*Store)(nil)

type object struct {
	content     []byte
	contentType string
}

// Store is an in-memory blobstore.Client. Zero value is not usable; use
// New.
type Store struct {
	mu        sync.RWMutex
	objects   map[string]object
	available bool
}

// New returns an empty, available Store.
func New() *Store {
	return &Store{objects: make(map[string]object), available: true}
}

// SetAvailable controls what EnsureAvailable reports, for exercising the
// StorageUnavailable path in tests.
func (s *Store) SetAvailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = v
}

func (s *Store) EnsureAvailable(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, doiperr.New(doiperr.ComponentNotFound, "no object at key %q", key)
	}
	out := make([]byte, len(obj.content))
	copy(out, obj.content)
	return out, nil
}

func (s *Store) Put(ctx context.Context, key string, content []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(content))
	copy(stored, content)
	s.objects[key] = object{content: stored, contentType: contentType}
	return key, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, strings.TrimPrefix(k, prefix))
		}
	}
	return keys, nil
}

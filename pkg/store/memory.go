// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryStore returns a Store backed by a map. Used in tests and for
// runs that must not touch the device database.
func NewMemoryStore() Store {
	return &memoryStore{data: make(map[string][]byte)}
}

func (s *memoryStore) ReadAll(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.ReadTransaction(ctx, func(tx Transaction) error {
		var err error
		value, err = tx.ReadAll(ctx, key)

		return err
	})

	return value, err
}

func (s *memoryStore) Write(ctx context.Context, key string, value []byte) error {
	return s.WriteTransaction(ctx, func(tx Transaction) error {
		return tx.Write(ctx, key, value)
	})
}

func (s *memoryStore) Remove(ctx context.Context, key string) error {
	return s.WriteTransaction(ctx, func(tx Transaction) error {
		return tx.Remove(ctx, key)
	})
}

func (s *memoryStore) WriteTransaction(ctx context.Context, fn func(tx Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	// Stage changes on a copy so a failing fn leaves the store untouched.
	staged := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		staged[k] = v
	}

	if err := fn(&memoryTx{data: staged}); err != nil {
		return err
	}

	s.data = staged

	return nil
}

func (s *memoryStore) ReadTransaction(ctx context.Context, fn func(tx Transaction) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return fn(&memoryTx{data: s.data, readOnly: true})
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.closed = true
	s.data = nil

	return nil
}

type memoryTx struct {
	data     map[string][]byte
	readOnly bool
}

func (t *memoryTx) ReadAll(ctx context.Context, key string) ([]byte, error) {
	value, ok := t.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	cp := make([]byte, len(value))
	copy(cp, value)

	return cp, nil
}

func (t *memoryTx) Write(ctx context.Context, key string, value []byte) error {
	if t.readOnly {
		return ErrClosed
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	t.data[key] = cp

	return nil
}

func (t *memoryTx) Remove(ctx context.Context, key string) error {
	if t.readOnly {
		return ErrClosed
	}

	delete(t.data, key)

	return nil
}

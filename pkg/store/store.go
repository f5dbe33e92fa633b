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

// Package store provides the persistent key/value database the update agent
// keeps its deployment state in. Two backends exist: a SQLite-backed store
// for devices and an in-memory store for tests and ephemeral runs.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("key not found")
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Transaction is the read/write surface shared by stores and transactions.
// Values are opaque byte slices; callers own (de)serialization.
type Transaction interface {
	// ReadAll returns the value stored under key, or ErrNotFound.
	ReadAll(ctx context.Context, key string) ([]byte, error)
	// Write stores value under key, overwriting any previous value.
	Write(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// Store is a transactional key/value store.
//
// All methods are safe for concurrent use. The transaction callbacks run
// with the store's write lock held; a callback returning an error rolls the
// whole transaction back.
type Store interface {
	Transaction

	// WriteTransaction runs fn atomically; either every Write/Remove in fn
	// is persisted or none are.
	WriteTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// ReadTransaction runs fn against a consistent snapshot.
	ReadTransaction(ctx context.Context, fn func(tx Transaction) error) error

	Close() error
}

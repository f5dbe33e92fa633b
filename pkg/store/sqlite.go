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
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

type sqliteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (creating if necessary) the key/value database at
// dbPath. The database uses WAL with synchronous=FULL so that committed
// state survives power loss, which the resume logic depends on.
func NewSQLiteStore(dbPath string) (Store, error) {
	connStr := dbPath + "?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value BLOB NOT NULL)`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) ReadAll(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.ReadTransaction(ctx, func(tx Transaction) error {
		var err error
		value, err = tx.ReadAll(ctx, key)

		return err
	})

	return value, err
}

func (s *sqliteStore) Write(ctx context.Context, key string, value []byte) error {
	return s.WriteTransaction(ctx, func(tx Transaction) error {
		return tx.Write(ctx, key, value)
	})
}

func (s *sqliteStore) Remove(ctx context.Context, key string) error {
	return s.WriteTransaction(ctx, func(tx Transaction) error {
		return tx.Remove(ctx, key)
	})
}

func (s *sqliteStore) WriteTransaction(ctx context.Context, fn func(tx Transaction) error) error {
	return s.transaction(ctx, false, fn)
}

func (s *sqliteStore) ReadTransaction(ctx context.Context, fn func(tx Transaction) error) error {
	return s.transaction(ctx, true, fn)
}

func (s *sqliteStore) transaction(ctx context.Context, readOnly bool, fn func(tx Transaction) error) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		_ = tx.Rollback()

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) ReadAll(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %q: %w", key, err)
	}

	return value, nil
}

func (t *sqliteTx) Write(ctx context.Context, key string, value []byte) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}

	return nil
}

func (t *sqliteTx) Remove(ctx context.Context, key string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to remove key %q: %w", key, err)
	}

	return nil
}

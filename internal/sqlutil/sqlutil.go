// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sqlutil carries the small amount of plumbing shared by the
// SQLite and Postgres storage backends.
package sqlutil

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

// Writer serializes writes where the underlying engine needs it. SQLite
// allows a single writer at a time, so its Writer takes a mutex;
// Postgres handles concurrent writers itself.
type Writer interface {
	Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error
}

// ExclusiveWriter runs each write under a process-wide lock, each in its
// own transaction unless the caller supplied one.
type ExclusiveWriter struct {
	mu sync.Mutex
}

func NewExclusiveWriter() *ExclusiveWriter { return &ExclusiveWriter{} }

func (w *ExclusiveWriter) Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if txn != nil || db == nil {
		return fn(txn)
	}
	return WithTransaction(db, fn)
}

// DummyWriter runs the write directly, for engines that cope with
// concurrent writers.
type DummyWriter struct{}

func NewDummyWriter() *DummyWriter { return &DummyWriter{} }

func (w *DummyWriter) Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error {
	if txn != nil || db == nil {
		return fn(txn)
	}
	return WithTransaction(db, fn)
}

// WithTransaction runs fn in a transaction, rolling back on error or
// panic.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	succeeded := false
	defer func() {
		if succeeded {
			err = txn.Commit()
			return
		}
		txn.Rollback() // nolint: errcheck
	}()
	if err = fn(txn); err != nil {
		return err
	}
	succeeded = true
	return nil
}

// TxStmt wraps a prepared statement in the transaction when one is in
// progress.
func TxStmt(txn *sql.Tx, stmt *sql.Stmt) *sql.Stmt {
	if txn != nil {
		stmt = txn.Stmt(stmt)
	}
	return stmt
}

// StatementList prepares a batch of statements into their target
// pointers.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

func (s StatementList) Prepare(db *sql.DB) (err error) {
	for _, entry := range s {
		if *entry.Statement, err = db.Prepare(entry.SQL); err != nil {
			return fmt.Errorf("failed to prepare %q: %w", entry.SQL, err)
		}
	}
	return nil
}

// IsSQLite reports whether a connection string addresses a SQLite file
// rather than a Postgres server.
func IsSQLite(connectionString string) bool {
	return strings.HasPrefix(connectionString, "file:") ||
		strings.HasPrefix(connectionString, ":memory:")
}

// Open opens the database named by the connection string, picking the
// driver from its scheme.
func Open(connectionString string) (*sql.DB, Writer, error) {
	if IsSQLite(connectionString) {
		db, err := sql.Open("sqlite3", connectionString)
		if err != nil {
			return nil, nil, err
		}
		// A single connection sidesteps SQLITE_BUSY under concurrency.
		db.SetMaxOpenConns(1)
		return db, NewExclusiveWriter(), nil
	}
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, nil, err
	}
	return db, NewDummyWriter(), nil
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package postgres implements the store contract on PostgreSQL via sqlx over
// the pgx stdlib driver. Writes to the append-heavy tables are serialized by
// a per-table mutex; reads run concurrently on the pool.
package postgres

import (
	"context"
	"database/sql"
	"io"
	"net"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/scadaflow/scadaflow/pkg/store"
)

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	db *sqlx.DB

	// Write locks for the append-heavy tables. The pool serializes nothing
	// by itself; batch appends from the pipeline, alarm inserts and segment
	// appends each take their table's lock.
	telemetryMu sync.Mutex
	alarmMu     sync.Mutex
	segmentMu   sync.Mutex
}

// Open connects, verifies the connection and bootstraps the schema. A
// failure here is fatal for the host process: the store must be reachable
// before any traffic is accepted.
func Open(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store unreachable")
	}
	s := &Store{db: db}
	if err := s.bootstrap(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "bootstrap schema")
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// classify maps driver errors onto the store taxonomy: connection-level
// failures are transient and worth retrying, everything else is permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return store.Transient(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions. Class 57: operator intervention
		// (shutdown in progress). Both clear up on reconnect.
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57") {
			return store.Transient(err)
		}
		// 23505 is a refused duplicate, most importantly the partial unique
		// index guarding the single open alarm per (rule, device, tag).
		// Callers adopt the existing row on this signal.
		if pgErr.Code == "23505" {
			return store.Validationf("duplicate key: %s", pgErr.ConstraintName)
		}
	}
	return err
}

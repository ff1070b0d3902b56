// Package db opens the relational store behind the session repository.
// SQLite is the default; PostgreSQL is available for deployments that
// already run one.
package db

import "github.com/jmoiron/sqlx"

// Pool pairs a write connection with a read pool.
//
// Under SQLite the split matters: WAL mode supports many readers next to
// one writer, so the writer side is pinned to a single connection (no
// SQLITE_BUSY on contention) while reads fan out over a small read-only
// pool. Under PostgreSQL both sides are the same *sqlx.DB and pgx does
// the pooling.
type Pool struct {
	w *sqlx.DB
	r *sqlx.DB
}

// NewPool wraps already-opened writer and reader handles. The two may be
// the same handle.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{w: writer, r: reader}
}

// Writer is the handle for INSERT/UPDATE/DELETE and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.w }

// Reader is the handle for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.r }

// Close closes both sides, once each when they are shared.
func (p *Pool) Close() error {
	err := p.w.Close()
	if p.r == p.w {
		return err
	}
	if rerr := p.r.Close(); err == nil {
		err = rerr
	}
	return err
}

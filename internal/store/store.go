// Package store provides the data access layer over the research_jobs table.
// All queue coordination (claim, finalize, reclaim) is expressed as single
// atomic statements against pgxpool; there is no in-process locking and no
// state cached between calls.
package store

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the central data access object for the job queue.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need pgx native
// operations (the LISTEN wake-up connection, health checks).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// OpenOptions configure the metadata store connection pool.
type OpenOptions struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, opts OpenOptions) (*sql.DB, error) {
	db, err := sql.Open("postgres", opts.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// Store bundles the repositories over a shared connection pool.
type Store struct {
	DB         *sql.DB
	Documents  *DocumentRepository
	Elements   *ElementRepository
	Chunks     *ChunkRepository
	Jobs       *JobRepository
	APIKeys    *APIKeyRepository
	AnswerLogs *AnswerLogRepository
	Feedback   *FeedbackRepository
}

// NewStore builds repositories over db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		DB:         db,
		Documents:  NewDocumentRepository(db),
		Elements:   NewElementRepository(db),
		Chunks:     NewChunkRepository(db),
		Jobs:       NewJobRepository(db),
		APIKeys:    NewAPIKeyRepository(db),
		AnswerLogs: NewAnswerLogRepository(db),
		Feedback:   NewFeedbackRepository(db),
	}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

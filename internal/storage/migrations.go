package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order. Statements are idempotent so re-running
// Migrate is safe.
var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,

	`CREATE TABLE IF NOT EXISTS documents (
		id          BIGSERIAL PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		filename    TEXT NOT NULL,
		mime_type   TEXT NOT NULL,
		size_bytes  BIGINT NOT NULL,
		sha256      TEXT NOT NULL,
		object_key  TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'uploaded',
		error       TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents (tenant_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_sha ON documents (tenant_id, sha256)`,

	`CREATE TABLE IF NOT EXISTS elements (
		id             BIGSERIAL PRIMARY KEY,
		document_id    BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		tenant_id      TEXT NOT NULL,
		ordinal        INT NOT NULL,
		kind           TEXT NOT NULL,
		page           INT NOT NULL DEFAULT 0,
		level          INT NOT NULL DEFAULT 0,
		text           TEXT NOT NULL,
		table_markdown TEXT NOT NULL DEFAULT '',
		UNIQUE (document_id, ordinal)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_elements_document ON elements (document_id, ordinal)`,

	`CREATE TABLE IF NOT EXISTS chunks (
		id          BIGSERIAL PRIMARY KEY,
		document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		tenant_id   TEXT NOT NULL,
		ordinal     INT NOT NULL,
		page        INT NOT NULL DEFAULT 0,
		text        TEXT NOT NULL,
		token_count INT NOT NULL,
		header_path JSONB NOT NULL DEFAULT '[]',
		is_table    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (document_id, ordinal)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_tenant ON chunks (tenant_id)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id          BIGSERIAL PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		kind        TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'queued',
		attempts    INT NOT NULL DEFAULT 0,
		progress    INT NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		run_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (kind, status, run_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_document ON jobs (document_id)`,
	// At most one live job per document and stage.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_live
		ON jobs (document_id, kind) WHERE status IN ('queued', 'running')`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id           BIGSERIAL PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		name         TEXT NOT NULL,
		key_hash     TEXT NOT NULL UNIQUE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_used_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS answer_logs (
		id                BIGSERIAL PRIMARY KEY,
		tenant_id         TEXT NOT NULL,
		query_hash        TEXT NOT NULL,
		query             TEXT NOT NULL,
		prompt_tokens     INT NOT NULL DEFAULT 0,
		completion_tokens INT NOT NULL DEFAULT 0,
		cached            BOOLEAN NOT NULL DEFAULT FALSE,
		latency_ms        BIGINT NOT NULL DEFAULT 0,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_answer_logs_tenant ON answer_logs (tenant_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS feedback (
		id         BIGSERIAL PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		query_hash TEXT NOT NULL,
		rating     INT NOT NULL,
		comment    TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema, then creates the embedding table for the
// configured vector dimension. The ivfflat index is created after the table
// so list count tuning applies on first run.
func Migrate(ctx context.Context, db *sql.DB, dimension, ivfflatLists int) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}

	embTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunk_embeddings (
		chunk_id     BIGINT PRIMARY KEY REFERENCES chunks(id) ON DELETE CASCADE,
		tenant_id    TEXT NOT NULL,
		embedding    VECTOR(%d) NOT NULL,
		provider_tag TEXT NOT NULL DEFAULT '',
		dim          INT NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, dimension)
	if _, err := db.ExecContext(ctx, embTable); err != nil {
		return fmt.Errorf("create chunk_embeddings: %w", err)
	}

	if _, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_chunk_embeddings_tenant ON chunk_embeddings (tenant_id)`); err != nil {
		return fmt.Errorf("index chunk_embeddings tenant: %w", err)
	}

	ivf := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_chunk_embeddings_ivf
		ON chunk_embeddings USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)`, ivfflatLists)
	if _, err := db.ExecContext(ctx, ivf); err != nil {
		return fmt.Errorf("index chunk_embeddings ivfflat: %w", err)
	}

	return nil
}

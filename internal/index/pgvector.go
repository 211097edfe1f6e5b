package index

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/ragline-ai/ragline/internal/apperr"
)

// PgvectorIndex keeps embeddings in the chunk_embeddings table, searched
// with the pgvector cosine operator over an ivfflat index.
type PgvectorIndex struct {
	db     *sql.DB
	dim    int
	probes int
}

// NewPgvector creates an index over an existing connection pool. probes
// tunes ivfflat recall per query via SET LOCAL.
func NewPgvector(db *sql.DB, dim, probes int) *PgvectorIndex {
	if probes <= 0 {
		probes = 10
	}
	return &PgvectorIndex{db: db, dim: dim, probes: probes}
}

// Upsert writes the batch in one transaction. Re-embedding a chunk replaces
// its vector in place.
func (x *PgvectorIndex) Upsert(ctx context.Context, tenantID string, items []Item, providerTag string) error {
	if len(items) == 0 {
		return nil
	}
	if err := validateItems(items, x.dim); err != nil {
		return err
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindIndexUnavailable, "begin upsert", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_embeddings (chunk_id, tenant_id, embedding, provider_tag, dim, updated_at)
		VALUES ($1, $2, $3::vector, $4, $5, NOW())
		ON CONFLICT (chunk_id)
		DO UPDATE SET tenant_id = EXCLUDED.tenant_id, embedding = EXCLUDED.embedding,
			provider_tag = EXCLUDED.provider_tag, dim = EXCLUDED.dim, updated_at = NOW()
	`)
	if err != nil {
		return apperr.Wrap(apperr.KindIndexUnavailable, "prepare upsert", err)
	}
	defer stmt.Close()

	for _, item := range items {
		if _, err := stmt.ExecContext(ctx, item.ChunkID, tenantID, vectorLiteral(item.Vector), providerTag, x.dim); err != nil {
			return apperr.Wrap(apperr.KindIndexUnavailable, "upsert embedding", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindIndexUnavailable, "commit upsert", err)
	}
	return nil
}

// Search returns the topK nearest chunks for the tenant, best first.
// Score is 1 minus cosine distance. The probes hint is transaction-local.
func (x *PgvectorIndex) Search(ctx context.Context, tenantID string, vector []float32, topK int) ([]Hit, error) {
	if len(vector) != x.dim {
		return nil, apperr.Newf(apperr.KindValidation,
			"query vector dimension %d, want %d", len(vector), x.dim)
	}
	if topK <= 0 {
		return nil, nil
	}

	tx, err := x.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIndexUnavailable, "begin search", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL ivfflat.probes = %d", x.probes)); err != nil {
		return nil, apperr.Wrap(apperr.KindIndexUnavailable, "set probes", err)
	}

	lit := vectorLiteral(vector)
	rows, err := tx.QueryContext(ctx, `
		SELECT chunk_id, 1 - (embedding <=> $1::vector) AS score
		FROM chunk_embeddings
		WHERE tenant_id = $2
		ORDER BY embedding <=> $1::vector, chunk_id
		LIMIT $3
	`, lit, tenantID, topK)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIndexUnavailable, "search", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ChunkID, &h.Score); err != nil {
			return nil, apperr.Wrap(apperr.KindIndexUnavailable, "scan hit", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindIndexUnavailable, "iterate hits", err)
	}
	return hits, tx.Commit()
}

// Delete removes vectors for the given chunks.
func (x *PgvectorIndex) Delete(ctx context.Context, tenantID string, chunkIDs []int64) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(chunkIDs))
	args := make([]interface{}, 0, len(chunkIDs)+1)
	args = append(args, tenantID)
	for i, id := range chunkIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}
	query := fmt.Sprintf(
		`DELETE FROM chunk_embeddings WHERE tenant_id = $1 AND chunk_id IN (%s)`,
		strings.Join(placeholders, ", "))
	if _, err := x.db.ExecContext(ctx, query, args...); err != nil {
		return apperr.Wrap(apperr.KindIndexUnavailable, "delete embeddings", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (x *PgvectorIndex) Ping(ctx context.Context) error {
	if err := x.db.PingContext(ctx); err != nil {
		return apperr.Wrap(apperr.KindIndexUnavailable, "ping", err)
	}
	return nil
}

// vectorLiteral renders the pgvector input format: [x1,x2,...].
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

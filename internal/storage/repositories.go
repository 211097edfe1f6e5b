package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func marshalHeaderPath(path []string) ([]byte, error) {
	if path == nil {
		path = []string{}
	}
	return json.Marshal(path)
}

func unmarshalHeaderPath(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return []string{}, nil
	}
	var path []string
	if err := json.Unmarshal(raw, &path); err != nil {
		return nil, err
	}
	return path, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DocumentRepository handles document CRUD operations.
type DocumentRepository struct {
	db DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts a document and fills in its ID and timestamps.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	if doc.Status == "" {
		doc.Status = DocumentStatusUploaded
	}
	query := `
		INSERT INTO documents (tenant_id, filename, mime_type, size_bytes, sha256, object_key, safe_mode, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`
	return r.db.QueryRowContext(ctx, query,
		doc.TenantID, doc.Filename, doc.MimeType, doc.SizeBytes,
		doc.SHA256, doc.ObjectKey, doc.SafeMode, doc.Status,
	).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
}

const documentColumns = `id, tenant_id, filename, mime_type, size_bytes, sha256, object_key,
	safe_mode, status, error, created_at, updated_at`

func scanDocument(row interface{ Scan(...interface{}) error }) (*Document, error) {
	doc := &Document{}
	err := row.Scan(
		&doc.ID, &doc.TenantID, &doc.Filename, &doc.MimeType, &doc.SizeBytes,
		&doc.SHA256, &doc.ObjectKey, &doc.SafeMode, &doc.Status, &doc.Error,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// GetByID retrieves a document with tenant scoping.
func (r *DocumentRepository) GetByID(ctx context.Context, tenantID string, id int64) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1 AND tenant_id = $2`
	return scanDocument(r.db.QueryRowContext(ctx, query, id, tenantID))
}

// ListByTenant lists documents newest first.
func (r *DocumentRepository) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*Document, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + documentColumns + `
		FROM documents
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.QueryContext(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// FindBySHA looks up a prior upload of the same content for a tenant.
func (r *DocumentRepository) FindBySHA(ctx context.Context, tenantID, sha256 string) (*Document, error) {
	query := `SELECT ` + documentColumns + `
		FROM documents
		WHERE tenant_id = $1 AND sha256 = $2
		ORDER BY created_at DESC
		LIMIT 1`
	return scanDocument(r.db.QueryRowContext(ctx, query, tenantID, sha256))
}

// SetObjectKey records where the raw upload landed. The key embeds the
// document ID, so it is only known after Create.
func (r *DocumentRepository) SetObjectKey(ctx context.Context, tenantID string, id int64, objectKey string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE documents SET object_key = $1, updated_at = now() WHERE id = $2 AND tenant_id = $3`,
		objectKey, id, tenantID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateStatus transitions a document's aggregate status.
func (r *DocumentRepository) UpdateStatus(ctx context.Context, tenantID string, id int64, status DocumentStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE documents SET status = $1, updated_at = now() WHERE id = $2 AND tenant_id = $3`,
		status, id, tenantID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkFailed records a terminal failure on the document.
func (r *DocumentRepository) MarkFailed(ctx context.Context, tenantID string, id int64, cause string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE documents SET status = $1, error = $2, updated_at = now() WHERE id = $3 AND tenant_id = $4`,
		DocumentStatusFailed, cause, id, tenantID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Delete removes a document. Elements, chunks, jobs and embeddings cascade.
func (r *DocumentRepository) Delete(ctx context.Context, tenantID string, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM documents WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ElementRepository handles parsed document elements.
type ElementRepository struct {
	db *sql.DB
}

// NewElementRepository creates a new element repository.
func NewElementRepository(db *sql.DB) *ElementRepository {
	return &ElementRepository{db: db}
}

// ReplaceForDocument swaps the element set of a document and advances the
// document status in the same transaction. Re-running a parse job therefore
// never leaves partial state or a stale status behind.
func (r *ElementRepository) ReplaceForDocument(ctx context.Context, tenantID string, documentID int64, elements []*Element, status DocumentStatus) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM elements WHERE document_id = $1 AND tenant_id = $2`, documentID, tenantID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO elements (document_id, tenant_id, ordinal, kind, page, level, text, table_markdown)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, el := range elements {
		if err := stmt.QueryRowContext(ctx,
			documentID, tenantID, el.Ordinal, el.Kind, el.Page, el.Level, el.Text, el.TableMarkdown,
		).Scan(&el.ID); err != nil {
			return err
		}
		el.DocumentID = documentID
		el.TenantID = tenantID
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE documents SET status = $1, updated_at = now() WHERE id = $2 AND tenant_id = $3`,
		status, documentID, tenantID)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}

	return tx.Commit()
}

// ListByDocument returns elements in reading order.
func (r *ElementRepository) ListByDocument(ctx context.Context, tenantID string, documentID int64) ([]*Element, error) {
	query := `
		SELECT id, document_id, tenant_id, ordinal, kind, page, level, text, table_markdown
		FROM elements
		WHERE document_id = $1 AND tenant_id = $2
		ORDER BY ordinal
	`
	rows, err := r.db.QueryContext(ctx, query, documentID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var elements []*Element
	for rows.Next() {
		el := &Element{}
		if err := rows.Scan(&el.ID, &el.DocumentID, &el.TenantID, &el.Ordinal,
			&el.Kind, &el.Page, &el.Level, &el.Text, &el.TableMarkdown); err != nil {
			return nil, err
		}
		elements = append(elements, el)
	}
	return elements, rows.Err()
}

// ChunkRepository handles retrieval chunks.
type ChunkRepository struct {
	db *sql.DB
}

// NewChunkRepository creates a new chunk repository.
func NewChunkRepository(db *sql.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// ReplaceForDocument swaps a document's chunk set and advances the document
// status in the same transaction. Embeddings of the replaced chunks are
// removed by the foreign key cascade, so a re-chunked document always goes
// back through the embed stage.
func (r *ChunkRepository) ReplaceForDocument(ctx context.Context, tenantID string, documentID int64, chunks []*Chunk, status DocumentStatus) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = $1 AND tenant_id = $2`, documentID, tenantID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (document_id, tenant_id, ordinal, page, text, token_count, header_path, is_table)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		hp, err := marshalHeaderPath(c.HeaderPath)
		if err != nil {
			return err
		}
		if err := stmt.QueryRowContext(ctx,
			documentID, tenantID, c.Ordinal, c.Page, c.Text, c.TokenCount, hp, c.IsTable,
		).Scan(&c.ID, &c.CreatedAt); err != nil {
			return err
		}
		c.DocumentID = documentID
		c.TenantID = tenantID
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE documents SET status = $1, updated_at = now() WHERE id = $2 AND tenant_id = $3`,
		status, documentID, tenantID)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}

	return tx.Commit()
}

const chunkColumns = `id, document_id, tenant_id, ordinal, page, text, token_count, header_path, is_table, created_at`

func scanChunk(row interface{ Scan(...interface{}) error }) (*Chunk, error) {
	c := &Chunk{}
	var hp []byte
	err := row.Scan(&c.ID, &c.DocumentID, &c.TenantID, &c.Ordinal, &c.Page,
		&c.Text, &c.TokenCount, &hp, &c.IsTable, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.HeaderPath, err = unmarshalHeaderPath(hp); err != nil {
		return nil, err
	}
	return c, nil
}

// GetByID retrieves a chunk with tenant scoping.
func (r *ChunkRepository) GetByID(ctx context.Context, tenantID string, id int64) (*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE id = $1 AND tenant_id = $2`
	return scanChunk(r.db.QueryRowContext(ctx, query, id, tenantID))
}

// ListByIDs hydrates chunks preserving the order of ids. Missing or
// foreign-tenant ids are silently dropped.
func (r *ChunkRepository) ListByIDs(ctx context.Context, tenantID string, ids []int64) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, tenantID)
	for i, id := range ids {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}
	query := fmt.Sprintf(`SELECT `+chunkColumns+` FROM chunks WHERE tenant_id = $1 AND id IN (%s)`, placeholders)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]*Chunk, len(ids))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ordered := make([]*Chunk, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}

// ListByDocument returns a document's chunks in order.
func (r *ChunkRepository) ListByDocument(ctx context.Context, tenantID string, documentID int64) ([]*Chunk, error) {
	query := `SELECT ` + chunkColumns + `
		FROM chunks
		WHERE document_id = $1 AND tenant_id = $2
		ORDER BY ordinal`
	rows, err := r.db.QueryContext(ctx, query, documentID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// IDsByDocument returns the chunk ids of a document, for index cleanup.
func (r *ChunkRepository) IDsByDocument(ctx context.Context, tenantID string, documentID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM chunks WHERE document_id = $1 AND tenant_id = $2`, documentID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// JobRepository handles pipeline jobs.
type JobRepository struct {
	db DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, tenant_id, document_id, kind, status, attempts, progress, error,
	run_at, created_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	job := &Job{}
	err := row.Scan(
		&job.ID, &job.TenantID, &job.DocumentID, &job.Kind, &job.Status,
		&job.Attempts, &job.Progress, &job.Error,
		&job.RunAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// Enqueue inserts a queued job ready to run immediately. The partial unique
// index on live jobs maps a duplicate enqueue to ErrConflict.
func (r *JobRepository) Enqueue(ctx context.Context, job *Job) error {
	if job.Status == "" {
		job.Status = JobStatusQueued
	}
	query := `
		INSERT INTO jobs (tenant_id, document_id, kind, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, run_at, created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		job.TenantID, job.DocumentID, job.Kind, job.Status,
	).Scan(&job.ID, &job.RunAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// GetByID retrieves a job with tenant scoping.
func (r *JobRepository) GetByID(ctx context.Context, tenantID string, id int64) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 AND tenant_id = $2`
	return scanJob(r.db.QueryRowContext(ctx, query, id, tenantID))
}

// Claim atomically takes the oldest runnable job of a kind. SKIP LOCKED lets
// concurrent workers claim without blocking each other. Returns ErrNotFound
// when nothing is runnable.
func (r *JobRepository) Claim(ctx context.Context, kind JobKind) (*Job, error) {
	query := `
		UPDATE jobs SET status = $1, attempts = attempts + 1, updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE kind = $2 AND status = $3 AND run_at <= now()
			ORDER BY run_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns
	return scanJob(r.db.QueryRowContext(ctx, query, JobStatusRunning, kind, JobStatusQueued))
}

// SetProgress records pipeline progress for a running job.
func (r *JobRepository) SetProgress(ctx context.Context, id int64, progress int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET progress = $1, updated_at = now() WHERE id = $2`, progress, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkDone completes a job at 100 percent.
func (r *JobRepository) MarkDone(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, progress = 100, error = '', updated_at = now() WHERE id = $2`,
		JobStatusDone, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Requeue schedules a failed attempt to run again after the backoff delay.
func (r *JobRepository) Requeue(ctx context.Context, id int64, cause string, runAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, error = $2, run_at = $3, updated_at = now() WHERE id = $4`,
		JobStatusQueued, cause, runAt, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkFailed terminally fails a job.
func (r *JobRepository) MarkFailed(ctx context.Context, id int64, cause string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, error = $2, updated_at = now() WHERE id = $3`,
		JobStatusFailed, cause, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListByDocument returns a document's jobs oldest first.
func (r *JobRepository) ListByDocument(ctx context.Context, tenantID string, documentID int64) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE document_id = $1 AND tenant_id = $2
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, documentID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// APIKeyRepository handles tenant API keys.
type APIKeyRepository struct {
	db DB
}

// NewAPIKeyRepository creates a new API key repository.
func NewAPIKeyRepository(db DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Create stores a key hash for a tenant.
func (r *APIKeyRepository) Create(ctx context.Context, key *APIKey) error {
	query := `
		INSERT INTO api_keys (tenant_id, name, key_hash)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	return r.db.QueryRowContext(ctx, query,
		key.TenantID, key.Name, key.KeyHash,
	).Scan(&key.ID, &key.CreatedAt)
}

// FindByHash resolves a key hash to its tenant.
func (r *APIKeyRepository) FindByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	query := `
		SELECT id, tenant_id, name, key_hash, created_at, last_used_at
		FROM api_keys WHERE key_hash = $1
	`
	key := &APIKey{}
	err := r.db.QueryRowContext(ctx, query, keyHash).Scan(
		&key.ID, &key.TenantID, &key.Name, &key.KeyHash, &key.CreatedAt, &key.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return key, err
}

// TouchLastUsed records key usage. Best effort.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	return err
}

// AnswerLogRepository records answered queries for usage accounting.
type AnswerLogRepository struct {
	db DB
}

// NewAnswerLogRepository creates a new answer log repository.
func NewAnswerLogRepository(db DB) *AnswerLogRepository {
	return &AnswerLogRepository{db: db}
}

// Insert records one answered query.
func (r *AnswerLogRepository) Insert(ctx context.Context, log *AnswerLog) error {
	query := `
		INSERT INTO answer_logs (tenant_id, query_hash, query, prompt_tokens, completion_tokens, cached, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	return r.db.QueryRowContext(ctx, query,
		log.TenantID, log.QueryHash, log.Query,
		log.PromptTokens, log.CompletionTokens, log.Cached, log.LatencyMS,
	).Scan(&log.ID, &log.CreatedAt)
}

// TokensUsedSince sums prompt and completion tokens for quota checks.
func (r *AnswerLogRepository) TokensUsedSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var total sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT SUM(prompt_tokens + completion_tokens)
		FROM answer_logs
		WHERE tenant_id = $1 AND created_at >= $2
	`, tenantID, since).Scan(&total)
	if err != nil {
		return 0, err
	}
	return int(total.Int64), nil
}

// FeedbackRepository stores answer ratings.
type FeedbackRepository struct {
	db DB
}

// NewFeedbackRepository creates a new feedback repository.
func NewFeedbackRepository(db DB) *FeedbackRepository {
	return &FeedbackRepository{db: db}
}

// Insert records one rating.
func (r *FeedbackRepository) Insert(ctx context.Context, fb *Feedback) error {
	query := `
		INSERT INTO feedback (tenant_id, query_hash, rating, comment)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	return r.db.QueryRowContext(ctx, query,
		fb.TenantID, fb.QueryHash, fb.Rating, fb.Comment,
	).Scan(&fb.ID, &fb.CreatedAt)
}

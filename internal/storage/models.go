// Package storage provides database models and repositories for ragline.
package storage

import (
	"time"
)

// DocumentStatus is the aggregate pipeline status of a document. A failed
// stage leaves the status at the last stage that was entered, with Error
// recording the cause.
type DocumentStatus string

const (
	DocumentStatusUploaded  DocumentStatus = "uploaded"
	DocumentStatusParsing   DocumentStatus = "parsing"
	DocumentStatusChunking  DocumentStatus = "chunking"
	DocumentStatusEmbedding DocumentStatus = "embedding"
	DocumentStatusReady     DocumentStatus = "ready"
	DocumentStatusFailed    DocumentStatus = "failed"
)

// ElementKind classifies a parsed document element.
type ElementKind string

const (
	ElementKindHeading   ElementKind = "heading"
	ElementKindParagraph ElementKind = "paragraph"
	ElementKindListItem  ElementKind = "list_item"
	ElementKindTable     ElementKind = "table"
	ElementKindCode      ElementKind = "code"
	ElementKindOther     ElementKind = "other"
)

// JobKind names a pipeline stage.
type JobKind string

const (
	JobKindParse JobKind = "parse"
	JobKindChunk JobKind = "chunk"
	JobKindEmbed JobKind = "embed"
)

// JobStatus tracks a job through the runner.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Document is an uploaded source file and its pipeline state. SafeMode
// restricts parsing to plain text extraction for untrusted uploads.
type Document struct {
	ID        int64          `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Filename  string         `json:"filename"`
	MimeType  string         `json:"mime_type"`
	SizeBytes int64          `json:"size_bytes"`
	SHA256    string         `json:"sha256"`
	ObjectKey string         `json:"object_key"`
	SafeMode  bool           `json:"safe_mode,omitempty"`
	Status    DocumentStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Element is one structural unit produced by the parser. Ordinal is the
// zero-based reading order within the document. Level is the heading depth
// for heading elements, zero otherwise. Page is zero for unpaged sources.
// TableMarkdown carries the canonical pipe table for table elements.
type Element struct {
	ID            int64       `json:"id"`
	DocumentID    int64       `json:"document_id"`
	TenantID      string      `json:"tenant_id"`
	Ordinal       int         `json:"ordinal"`
	Kind          ElementKind `json:"kind"`
	Page          int         `json:"page,omitempty"`
	Level         int         `json:"level,omitempty"`
	Text          string      `json:"text"`
	TableMarkdown string      `json:"table_markdown,omitempty"`
}

// Chunk is a retrieval unit assembled from consecutive elements.
// HeaderPath is the heading trail in effect at the chunk's start.
type Chunk struct {
	ID         int64     `json:"id"`
	DocumentID int64     `json:"document_id"`
	TenantID   string    `json:"tenant_id"`
	Ordinal    int       `json:"ordinal"`
	Page       int       `json:"page,omitempty"`
	Text       string    `json:"text"`
	TokenCount int       `json:"token_count"`
	HeaderPath []string  `json:"header_path"`
	IsTable    bool      `json:"is_table"`
	CreatedAt  time.Time `json:"created_at"`
}

// Job is one unit of pipeline work. RunAt gates retry backoff; a job is
// claimable once RunAt has passed.
type Job struct {
	ID         int64     `json:"job_id"`
	TenantID   string    `json:"tenant_id"`
	DocumentID int64     `json:"document_id"`
	Kind       JobKind   `json:"kind"`
	Status     JobStatus `json:"status"`
	Attempts   int       `json:"attempts"`
	Progress   int       `json:"progress"`
	Error      string    `json:"error,omitempty"`
	RunAt      time.Time `json:"run_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// APIKey is a tenant credential. Only the SHA-256 of the key is stored.
type APIKey struct {
	ID         int64      `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// AnswerLog records one answered query for usage accounting.
type AnswerLog struct {
	ID               int64     `json:"id"`
	TenantID         string    `json:"tenant_id"`
	QueryHash        string    `json:"query_hash"`
	Query            string    `json:"query"`
	PromptTokens     int       `json:"in_tokens"`
	CompletionTokens int       `json:"out_tokens"`
	Cached           bool      `json:"cached"`
	LatencyMS        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// Feedback is a thumbs-style rating a client attaches to an answer.
type Feedback struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenant_id"`
	QueryHash string    `json:"query_hash"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

package jobs

import (
	"context"

	"github.com/ragline-ai/ragline/internal/chunk"
	"github.com/ragline-ai/ragline/internal/embed"
	"github.com/ragline-ai/ragline/internal/index"
	"github.com/ragline-ai/ragline/internal/objectstore"
	"github.com/ragline-ai/ragline/internal/parse"
	"github.com/ragline-ai/ragline/internal/storage"
)

// DocumentAccess is the document slice the stages need.
// Satisfied by *storage.DocumentRepository.
type DocumentAccess interface {
	GetByID(ctx context.Context, tenantID string, id int64) (*storage.Document, error)
	UpdateStatus(ctx context.Context, tenantID string, id int64, status storage.DocumentStatus) error
}

// ElementAccess is satisfied by *storage.ElementRepository. The replace
// also advances the document status, in the same transaction as the swap.
type ElementAccess interface {
	ReplaceForDocument(ctx context.Context, tenantID string, documentID int64, elements []*storage.Element, status storage.DocumentStatus) error
	ListByDocument(ctx context.Context, tenantID string, documentID int64) ([]*storage.Element, error)
}

// ChunkAccess is satisfied by *storage.ChunkRepository. The replace also
// advances the document status, in the same transaction as the swap.
type ChunkAccess interface {
	ReplaceForDocument(ctx context.Context, tenantID string, documentID int64, chunks []*storage.Chunk, status storage.DocumentStatus) error
	ListByDocument(ctx context.Context, tenantID string, documentID int64) ([]*storage.Chunk, error)
}

// ParseStage fetches the raw object and extracts ordered elements.
type ParseStage struct {
	Docs     DocumentAccess
	Elements ElementAccess
	Objects  objectstore.Store
	Parser   *parse.Parser
}

// Kind returns the stage name.
func (s *ParseStage) Kind() storage.JobKind { return storage.JobKindParse }

// Run parses the document and chains into the chunk stage. The element swap
// moves the document status to chunking in the same transaction.
func (s *ParseStage) Run(ctx context.Context, job *storage.Job, report func(int)) (storage.JobKind, error) {
	doc, err := s.Docs.GetByID(ctx, job.TenantID, job.DocumentID)
	if err != nil {
		return "", err
	}
	report(10)

	if err := s.Docs.UpdateStatus(ctx, job.TenantID, doc.ID, storage.DocumentStatusParsing); err != nil {
		return "", err
	}
	report(20)

	body, err := s.Objects.Get(ctx, doc.ObjectKey)
	if err != nil {
		return "", err
	}
	defer body.Close()
	report(40)

	var elements []*storage.Element
	if doc.SafeMode {
		elements, err = s.Parser.ParseSafe(doc.Filename, doc.MimeType, body)
	} else {
		elements, err = s.Parser.Parse(doc.Filename, doc.MimeType, body)
	}
	if err != nil {
		return "", err
	}
	report(65)

	if err := s.Elements.ReplaceForDocument(ctx, job.TenantID, doc.ID, elements, storage.DocumentStatusChunking); err != nil {
		return "", err
	}
	report(90)
	return storage.JobKindChunk, nil
}

// ChunkStage windows parsed elements into retrieval chunks.
type ChunkStage struct {
	Docs     DocumentAccess
	Elements ElementAccess
	Chunks   ChunkAccess
	Chunker  *chunk.Chunker
}

// Kind returns the stage name.
func (s *ChunkStage) Kind() storage.JobKind { return storage.JobKindChunk }

// Run chunks the document and chains into the embed stage. The chunk swap
// moves the document status to embedding in the same transaction.
func (s *ChunkStage) Run(ctx context.Context, job *storage.Job, report func(int)) (storage.JobKind, error) {
	if _, err := s.Docs.GetByID(ctx, job.TenantID, job.DocumentID); err != nil {
		return "", err
	}
	report(10)

	elements, err := s.Elements.ListByDocument(ctx, job.TenantID, job.DocumentID)
	if err != nil {
		return "", err
	}
	report(25)

	report(45)
	chunks := s.Chunker.Chunk(elements)
	report(70)

	if err := s.Chunks.ReplaceForDocument(ctx, job.TenantID, job.DocumentID, chunks, storage.DocumentStatusEmbedding); err != nil {
		return "", err
	}
	report(90)
	return storage.JobKindEmbed, nil
}

// EmbedStage embeds chunk text and upserts vectors into the index.
type EmbedStage struct {
	Docs      DocumentAccess
	Chunks    ChunkAccess
	Provider  embed.Provider
	Index     index.Index
	BatchSize int
}

// Kind returns the stage name.
func (s *EmbedStage) Kind() storage.JobKind { return storage.JobKindEmbed }

// Run is the terminal stage; a succeeding document ends up ready.
// Progress scales with embedded batches so long documents still report
// movement.
func (s *EmbedStage) Run(ctx context.Context, job *storage.Job, report func(int)) (storage.JobKind, error) {
	if _, err := s.Docs.GetByID(ctx, job.TenantID, job.DocumentID); err != nil {
		return "", err
	}
	report(10)

	chunks, err := s.Chunks.ListByDocument(ctx, job.TenantID, job.DocumentID)
	if err != nil {
		return "", err
	}
	report(25)

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := embed.EmbedBatches(ctx, s.Provider, texts, s.BatchSize, func(done, total int) {
		report(25 + 55*done/total)
	})
	if err != nil {
		return "", err
	}

	items := make([]index.Item, len(chunks))
	for i, c := range chunks {
		items[i] = index.Item{ChunkID: c.ID, Vector: vecs[i]}
	}
	if err := s.Index.Upsert(ctx, job.TenantID, items, s.Provider.Name()); err != nil {
		return "", err
	}
	report(90)

	if err := s.Docs.UpdateStatus(ctx, job.TenantID, job.DocumentID, storage.DocumentStatusReady); err != nil {
		return "", err
	}
	report(95)
	return "", nil
}

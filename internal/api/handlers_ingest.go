package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ragline-ai/ragline/internal/apperr"
	"github.com/ragline-ai/ragline/internal/objectstore"
	"github.com/ragline-ai/ragline/internal/parse"
	"github.com/ragline-ai/ragline/internal/storage"
)

type ingestResponse struct {
	JobID      int64  `json:"job_id"`
	DocumentID int64  `json:"document_id"`
	Status     string `json:"status"`
}

// Ingest accepts a multipart upload, stores the raw object and enqueues the
// parse job. Oversize uploads answer 413 and unsupported formats 415 before
// any state is written.
func (h *Handlers) Ingest(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, h.logger, apperr.Newf(apperr.KindPayloadTooLarge,
				"upload exceeds %d bytes", h.maxUploadBytes))
			return
		}
		writeError(w, h.logger, apperr.Wrap(apperr.KindValidation, "invalid multipart form", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, h.logger, apperr.Wrap(apperr.KindValidation, "missing file field", err))
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if parse.Strategy(header.Filename, mimeType) == "" {
		writeError(w, h.logger, apperr.Newf(apperr.KindUnsupportedMedia,
			"unsupported document type %q (%s)", mimeType, header.Filename))
		return
	}
	safeMode := r.FormValue("safe_mode") == "true" || r.FormValue("safe_mode") == "1"

	data, err := io.ReadAll(file)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, h.logger, apperr.Newf(apperr.KindPayloadTooLarge,
				"upload exceeds %d bytes", h.maxUploadBytes))
			return
		}
		writeError(w, h.logger, apperr.Wrap(apperr.KindValidation, "read upload", err))
		return
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	doc := &storage.Document{
		TenantID:  tenantID,
		Filename:  header.Filename,
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
		SHA256:    digest,
		SafeMode:  safeMode,
	}
	if err := h.store.Documents.Create(r.Context(), doc); err != nil {
		writeError(w, h.logger, apperr.Wrap(apperr.KindInternal, "create document", err))
		return
	}

	// The object key embeds the document id, so it is only known after Create.
	key := objectstore.Key(tenantID, doc.ID, digest, header.Filename)
	if err := h.objects.Put(r.Context(), key, bytes.NewReader(data), doc.SizeBytes, mimeType); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.store.Documents.SetObjectKey(r.Context(), tenantID, doc.ID, key); err != nil {
		writeError(w, h.logger, apperr.Wrap(apperr.KindInternal, "record object key", err))
		return
	}

	job := &storage.Job{TenantID: tenantID, DocumentID: doc.ID, Kind: storage.JobKindParse}
	if err := h.store.Jobs.Enqueue(r.Context(), job); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, h.logger, apperr.New(apperr.KindValidation, "document already has a live parse job"))
			return
		}
		writeError(w, h.logger, apperr.Wrap(apperr.KindInternal, "enqueue parse job", err))
		return
	}

	h.logger.Info().
		Str("tenant_id", tenantID).
		Int64("document_id", doc.ID).
		Int64("job_id", job.ID).
		Str("filename", header.Filename).
		Int64("size_bytes", doc.SizeBytes).
		Msg("document ingested")

	writeJSON(w, http.StatusAccepted, ingestResponse{
		JobID:      job.ID,
		DocumentID: doc.ID,
		Status:     string(storage.JobStatusQueued),
	})
}

// GetJob returns one job's state.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())
	jobID, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil {
		writeError(w, h.logger, apperr.New(apperr.KindValidation, "invalid job id"))
		return
	}

	job, err := h.store.Jobs.GetByID(r.Context(), tenantID, jobID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type documentJobsResponse struct {
	DocumentID int64                  `json:"document_id"`
	Status     storage.DocumentStatus `json:"status"`
	Error      string                 `json:"error,omitempty"`
	Jobs       []*storage.Job         `json:"jobs"`
}

// GetDocumentJobs returns the document's aggregate status plus all its jobs.
func (h *Handlers) GetDocumentJobs(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())
	docID, err := strconv.ParseInt(chi.URLParam(r, "documentID"), 10, 64)
	if err != nil {
		writeError(w, h.logger, apperr.New(apperr.KindValidation, "invalid document id"))
		return
	}

	doc, err := h.store.Documents.GetByID(r.Context(), tenantID, docID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	jobs, err := h.store.Jobs.ListByDocument(r.Context(), tenantID, docID)
	if err != nil {
		writeError(w, h.logger, apperr.Wrap(apperr.KindInternal, "list jobs", err))
		return
	}
	if jobs == nil {
		jobs = []*storage.Job{}
	}
	writeJSON(w, http.StatusOK, documentJobsResponse{
		DocumentID: doc.ID,
		Status:     doc.Status,
		Error:      doc.Error,
		Jobs:       jobs,
	})
}

// DeleteDocument removes a document, its metadata, its vectors and the
// stored object, then drops the tenant's cached answers.
func (h *Handlers) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())
	docID, err := strconv.ParseInt(chi.URLParam(r, "documentID"), 10, 64)
	if err != nil {
		writeError(w, h.logger, apperr.New(apperr.KindValidation, "invalid document id"))
		return
	}

	doc, err := h.store.Documents.GetByID(r.Context(), tenantID, docID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	chunkIDs, err := h.store.Chunks.IDsByDocument(r.Context(), tenantID, docID)
	if err != nil {
		writeError(w, h.logger, apperr.Wrap(apperr.KindInternal, "list chunk ids", err))
		return
	}
	if err := h.idx.Delete(r.Context(), tenantID, chunkIDs); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if doc.ObjectKey != "" {
		if err := h.objects.Delete(r.Context(), doc.ObjectKey); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}
	if err := h.store.Documents.Delete(r.Context(), tenantID, docID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.invalidateAnswers(r.Context(), tenantID)

	h.logger.Info().
		Str("tenant_id", tenantID).
		Int64("document_id", docID).
		Int("chunks", len(chunkIDs)).
		Msg("document deleted")
	w.WriteHeader(http.StatusNoContent)
}

// ListDocuments returns the tenant's documents, newest first.
func (h *Handlers) ListDocuments(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	docs, err := h.store.Documents.ListByTenant(r.Context(), tenantID, limit, offset)
	if err != nil {
		writeError(w, h.logger, apperr.Wrap(apperr.KindInternal, "list documents", err))
		return
	}
	if docs == nil {
		docs = []*storage.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

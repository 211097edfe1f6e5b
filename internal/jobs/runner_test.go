package jobs

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline-ai/ragline/internal/apperr"
	"github.com/ragline-ai/ragline/internal/chunk"
	"github.com/ragline-ai/ragline/internal/embed"
	"github.com/ragline-ai/ragline/internal/events"
	"github.com/ragline-ai/ragline/internal/index"
	"github.com/ragline-ai/ragline/internal/objectstore"
	"github.com/ragline-ai/ragline/internal/parse"
	"github.com/ragline-ai/ragline/internal/storage"
)

// fakeJobs is an in-memory JobStore.
type fakeJobs struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*storage.Job
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[int64]*storage.Job)}
}

func (f *fakeJobs) Enqueue(_ context.Context, job *storage.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	job.ID = f.nextID
	job.Status = storage.JobStatusQueued
	job.RunAt = time.Now()
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeJobs) Claim(_ context.Context, kind storage.JobKind) (*storage.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *storage.Job
	for _, j := range f.jobs {
		if j.Kind != kind || j.Status != storage.JobStatusQueued || j.RunAt.After(time.Now()) {
			continue
		}
		if best == nil || j.ID < best.ID {
			best = j
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	best.Status = storage.JobStatusRunning
	best.Attempts++
	cp := *best
	return &cp, nil
}

func (f *fakeJobs) SetProgress(_ context.Context, id int64, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].Progress = progress
	return nil
}

func (f *fakeJobs) MarkDone(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].Status = storage.JobStatusDone
	f.jobs[id].Progress = 100
	return nil
}

func (f *fakeJobs) Requeue(_ context.Context, id int64, cause string, runAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status = storage.JobStatusQueued
	j.Error = cause
	j.RunAt = runAt
	return nil
}

func (f *fakeJobs) MarkFailed(_ context.Context, id int64, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status = storage.JobStatusFailed
	j.Error = cause
	return nil
}

func (f *fakeJobs) get(id int64) storage.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *fakeJobs) byKind(kind storage.JobKind) *storage.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.Kind == kind {
			cp := *j
			return &cp
		}
	}
	return nil
}

// fakeDocs is an in-memory document store tracking status transitions.
type fakeDocs struct {
	mu       sync.Mutex
	docs     map[int64]*storage.Document
	statuses []storage.DocumentStatus
}

func newFakeDocs(docs ...*storage.Document) *fakeDocs {
	f := &fakeDocs{docs: make(map[int64]*storage.Document)}
	for _, d := range docs {
		f.docs[d.ID] = d
	}
	return f
}

func (f *fakeDocs) GetByID(_ context.Context, tenantID string, id int64) (*storage.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok || d.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDocs) UpdateStatus(_ context.Context, _ string, id int64, status storage.DocumentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[id].Status = status
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeDocs) MarkFailed(_ context.Context, _ string, id int64, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.docs[id]; ok {
		d.Status = storage.DocumentStatusFailed
		d.Error = cause
		f.statuses = append(f.statuses, storage.DocumentStatusFailed)
	}
	return nil
}

type fakeElements struct {
	mu       sync.Mutex
	docs     *fakeDocs
	elements []*storage.Element
}

func (f *fakeElements) ReplaceForDocument(ctx context.Context, tenantID string, documentID int64, elements []*storage.Element, status storage.DocumentStatus) error {
	f.mu.Lock()
	for i, el := range elements {
		el.ID = int64(i + 1)
		el.TenantID = tenantID
		el.DocumentID = documentID
	}
	f.elements = elements
	f.mu.Unlock()
	if f.docs != nil {
		return f.docs.UpdateStatus(ctx, tenantID, documentID, status)
	}
	return nil
}

func (f *fakeElements) ListByDocument(_ context.Context, _ string, _ int64) ([]*storage.Element, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.elements, nil
}

type fakeChunks struct {
	mu     sync.Mutex
	docs   *fakeDocs
	chunks []*storage.Chunk
}

func (f *fakeChunks) ReplaceForDocument(ctx context.Context, tenantID string, documentID int64, chunks []*storage.Chunk, status storage.DocumentStatus) error {
	f.mu.Lock()
	for i, c := range chunks {
		c.ID = int64(i + 1)
		c.TenantID = tenantID
		c.DocumentID = documentID
	}
	f.chunks = chunks
	f.mu.Unlock()
	if f.docs != nil {
		return f.docs.UpdateStatus(ctx, tenantID, documentID, status)
	}
	return nil
}

func (f *fakeChunks) ListByDocument(_ context.Context, _ string, _ int64) ([]*storage.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunks, nil
}

// recordingBus captures published events synchronously.
type recordingBus struct {
	mu     sync.Mutex
	events []events.JobEvent
}

func (b *recordingBus) Publish(_ string, ev events.JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) Subscribe(string) (<-chan events.JobEvent, func(), error) {
	ch := make(chan events.JobEvent)
	close(ch)
	return ch, func() {}, nil
}
func (b *recordingBus) Dropped() uint64 { return 0 }
func (b *recordingBus) Healthy() bool   { return true }

func (b *recordingBus) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Event
	}
	return out
}

const testMarkdown = `# Pump Manual

## Specifications

The pump delivers forty liters per minute at standard pressure.
Operating temperature stays between five and forty degrees.

## Maintenance

Replace the filter cartridge every six months of continuous duty.
`

func newPipelineRunner(t *testing.T, jobs *fakeJobs, docs *fakeDocs, bus events.Bus, objects objectstore.Store) (*Runner, *index.MemoryIndex) {
	t.Helper()
	elements := &fakeElements{docs: docs}
	chunks := &fakeChunks{docs: docs}
	idx := index.NewMemory(32)
	provider := embed.NewLocal(32)

	runner := NewRunner(jobs, docs, bus, Config{MaxAttempts: 3}, zerolog.Nop(),
		&ParseStage{Docs: docs, Elements: elements, Objects: objects, Parser: parse.NewParser()},
		&ChunkStage{Docs: docs, Elements: elements, Chunks: chunks, Chunker: chunk.NewChunker(chunk.Config{MinTokens: 5, MaxTokens: 200})},
		&EmbedStage{Docs: docs, Chunks: chunks, Provider: provider, Index: idx, BatchSize: 2},
	)
	return runner, idx
}

func seedDocument(t *testing.T, objects objectstore.Store, safeMode bool) *storage.Document {
	t.Helper()
	key := objectstore.Key("acme", 1, "abc123", "manual.md")
	body := strings.NewReader(testMarkdown)
	require.NoError(t, objects.Put(context.Background(), key, body, int64(len(testMarkdown)), "text/markdown"))
	return &storage.Document{
		ID: 1, TenantID: "acme", Filename: "manual.md", MimeType: "text/markdown",
		ObjectKey: key, SafeMode: safeMode, Status: storage.DocumentStatusUploaded,
	}
}

func TestRunner_FullPipeline(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemoryStore()
	jobs := newFakeJobs()
	bus := &recordingBus{}
	docs := newFakeDocs(seedDocument(t, objects, false))
	runner, idx := newPipelineRunner(t, jobs, docs, bus, objects)

	require.NoError(t, jobs.Enqueue(ctx, &storage.Job{TenantID: "acme", DocumentID: 1, Kind: storage.JobKindParse}))

	require.NoError(t, runner.RunOnce(ctx, storage.JobKindParse))
	require.NoError(t, runner.RunOnce(ctx, storage.JobKindChunk))
	require.NoError(t, runner.RunOnce(ctx, storage.JobKindEmbed))

	// Nothing left to claim.
	assert.ErrorIs(t, runner.RunOnce(ctx, storage.JobKindParse), storage.ErrNotFound)

	doc, err := docs.GetByID(ctx, "acme", 1)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusReady, doc.Status)
	assert.Equal(t, []storage.DocumentStatus{
		storage.DocumentStatusParsing,
		storage.DocumentStatusChunking,
		storage.DocumentStatusEmbedding,
		storage.DocumentStatusReady,
	}, docs.statuses)

	assert.Positive(t, idx.Len("acme"))

	// All three stage jobs finished.
	for _, kind := range []storage.JobKind{storage.JobKindParse, storage.JobKindChunk, storage.JobKindEmbed} {
		j := jobs.byKind(kind)
		require.NotNil(t, j, string(kind))
		assert.Equal(t, storage.JobStatusDone, j.Status)
		assert.Equal(t, 100, j.Progress)
	}
}

func TestRunner_EventPhases(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemoryStore()
	jobs := newFakeJobs()
	bus := &recordingBus{}
	docs := newFakeDocs(seedDocument(t, objects, false))
	runner, _ := newPipelineRunner(t, jobs, docs, bus, objects)

	require.NoError(t, jobs.Enqueue(ctx, &storage.Job{TenantID: "acme", DocumentID: 1, Kind: storage.JobKindParse}))
	require.NoError(t, runner.RunOnce(ctx, storage.JobKindParse))

	names := bus.names()
	require.NotEmpty(t, names)
	assert.Equal(t, "parse_started", names[0])
	assert.Equal(t, "parse_done", names[len(names)-1])
	for _, n := range names[1 : len(names)-1] {
		assert.Equal(t, "parse_progress", n)
	}

	// Every event carries tenant and document identity.
	for _, ev := range bus.events {
		assert.Equal(t, "acme", ev.TenantID)
		assert.Equal(t, int64(1), ev.DocumentID)
		assert.Equal(t, "parse", ev.Kind)
		assert.False(t, ev.TS.IsZero())
	}
}

func TestRunner_EachStageReportsAtLeastFiveProgressSteps(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemoryStore()
	jobs := newFakeJobs()
	bus := &recordingBus{}
	docs := newFakeDocs(seedDocument(t, objects, false))
	runner, _ := newPipelineRunner(t, jobs, docs, bus, objects)

	require.NoError(t, jobs.Enqueue(ctx, &storage.Job{TenantID: "acme", DocumentID: 1, Kind: storage.JobKindParse}))
	require.NoError(t, runner.RunOnce(ctx, storage.JobKindParse))
	require.NoError(t, runner.RunOnce(ctx, storage.JobKindChunk))
	require.NoError(t, runner.RunOnce(ctx, storage.JobKindEmbed))

	counts := map[string]int{}
	for _, n := range bus.names() {
		counts[n]++
	}
	for _, kind := range []string{"parse", "chunk", "embed"} {
		assert.GreaterOrEqual(t, counts[kind+"_progress"], 5, kind)
	}
}

func TestParseStage_StatusAdvancesWithElementSwap(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemoryStore()
	jobs := newFakeJobs()
	bus := &recordingBus{}
	docs := newFakeDocs(seedDocument(t, objects, false))
	elements := &fakeElements{docs: docs}

	stage := &ParseStage{Docs: docs, Elements: elements, Objects: objects, Parser: parse.NewParser()}
	runner := NewRunner(jobs, docs, bus, Config{}, zerolog.Nop(), stage)

	require.NoError(t, jobs.Enqueue(ctx, &storage.Job{TenantID: "acme", DocumentID: 1, Kind: storage.JobKindParse}))
	require.NoError(t, runner.RunOnce(ctx, storage.JobKindParse))

	// The element swap carries the status transition, so a finished parse
	// leaves the document already marked for the next stage.
	require.NotEmpty(t, elements.elements)
	doc, err := docs.GetByID(ctx, "acme", 1)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusChunking, doc.Status)
	assert.Equal(t, []storage.DocumentStatus{
		storage.DocumentStatusParsing,
		storage.DocumentStatusChunking,
	}, docs.statuses)
}

func TestRunner_ProgressClampedToInterior(t *testing.T) {
	ctx := context.Background()
	jobs := newFakeJobs()
	docs := newFakeDocs(&storage.Document{ID: 1, TenantID: "acme"})
	bus := &recordingBus{}

	handler := &stubHandler{kind: storage.JobKindParse, run: func(report func(int)) (storage.JobKind, error) {
		report(-5)
		report(250)
		return "", nil
	}}
	runner := NewRunner(jobs, docs, bus, Config{}, zerolog.Nop(), handler)

	require.NoError(t, jobs.Enqueue(ctx, &storage.Job{TenantID: "acme", DocumentID: 1, Kind: storage.JobKindParse}))
	require.NoError(t, runner.RunOnce(ctx, storage.JobKindParse))

	var progress []int
	for _, ev := range bus.events {
		if ev.Event == "parse_progress" {
			progress = append(progress, ev.Progress)
		}
	}
	assert.Equal(t, []int{1, 99}, progress)
}

type stubHandler struct {
	kind storage.JobKind
	run  func(report func(int)) (storage.JobKind, error)
}

func (h *stubHandler) Kind() storage.JobKind { return h.kind }
func (h *stubHandler) Run(_ context.Context, _ *storage.Job, report func(int)) (storage.JobKind, error) {
	return h.run(report)
}

func TestRunner_RetryableErrorRequeues(t *testing.T) {
	ctx := context.Background()
	jobs := newFakeJobs()
	docs := newFakeDocs(&storage.Document{ID: 1, TenantID: "acme"})
	bus := &recordingBus{}

	handler := &stubHandler{kind: storage.JobKindEmbed, run: func(func(int)) (storage.JobKind, error) {
		return "", apperr.New(apperr.KindEmbedUnavailable, "provider down")
	}}
	runner := NewRunner(jobs, docs, bus, Config{MaxAttempts: 3, BackoffBase: time.Millisecond}, zerolog.Nop(), handler)

	require.NoError(t, jobs.Enqueue(ctx, &storage.Job{TenantID: "acme", DocumentID: 1, Kind: storage.JobKindEmbed}))
	require.NoError(t, runner.RunOnce(ctx, storage.JobKindEmbed))

	j := jobs.get(1)
	assert.Equal(t, storage.JobStatusQueued, j.Status)
	assert.Contains(t, j.Error, "provider down")

	// The document is not failed while retries remain.
	doc, err := docs.GetByID(ctx, "acme", 1)
	require.NoError(t, err)
	assert.NotEqual(t, storage.DocumentStatusFailed, doc.Status)
	assert.NotContains(t, bus.names(), "embed_failed")
}

func TestRunner_RetriesExhaustedFailsDocument(t *testing.T) {
	ctx := context.Background()
	jobs := newFakeJobs()
	docs := newFakeDocs(&storage.Document{ID: 1, TenantID: "acme"})
	bus := &recordingBus{}

	handler := &stubHandler{kind: storage.JobKindEmbed, run: func(func(int)) (storage.JobKind, error) {
		return "", apperr.New(apperr.KindEmbedUnavailable, "provider down")
	}}
	runner := NewRunner(jobs, docs, bus, Config{MaxAttempts: 2, BackoffBase: time.Nanosecond}, zerolog.Nop(), handler)

	require.NoError(t, jobs.Enqueue(ctx, &storage.Job{TenantID: "acme", DocumentID: 1, Kind: storage.JobKindEmbed}))
	require.NoError(t, runner.RunOnce(ctx, storage.JobKindEmbed))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, runner.RunOnce(ctx, storage.JobKindEmbed))

	j := jobs.get(1)
	assert.Equal(t, storage.JobStatusFailed, j.Status)

	doc, err := docs.GetByID(ctx, "acme", 1)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusFailed, doc.Status)
	assert.Contains(t, doc.Error, "provider down")
	assert.Contains(t, bus.names(), "embed_failed")
}

func TestRunner_TerminalErrorFailsImmediately(t *testing.T) {
	ctx := context.Background()
	jobs := newFakeJobs()
	docs := newFakeDocs(&storage.Document{ID: 1, TenantID: "acme"})
	bus := &recordingBus{}

	handler := &stubHandler{kind: storage.JobKindParse, run: func(func(int)) (storage.JobKind, error) {
		return "", apperr.New(apperr.KindParseFailed, "binary garbage")
	}}
	runner := NewRunner(jobs, docs, bus, Config{MaxAttempts: 5}, zerolog.Nop(), handler)

	require.NoError(t, jobs.Enqueue(ctx, &storage.Job{TenantID: "acme", DocumentID: 1, Kind: storage.JobKindParse}))
	require.NoError(t, runner.RunOnce(ctx, storage.JobKindParse))

	j := jobs.get(1)
	assert.Equal(t, storage.JobStatusFailed, j.Status)
	assert.Equal(t, 1, j.Attempts)

	doc, err := docs.GetByID(ctx, "acme", 1)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusFailed, doc.Status)
}

func TestRunner_ChainsNextStage(t *testing.T) {
	ctx := context.Background()
	jobs := newFakeJobs()
	docs := newFakeDocs(&storage.Document{ID: 1, TenantID: "acme"})
	bus := &recordingBus{}

	handler := &stubHandler{kind: storage.JobKindParse, run: func(func(int)) (storage.JobKind, error) {
		return storage.JobKindChunk, nil
	}}
	runner := NewRunner(jobs, docs, bus, Config{}, zerolog.Nop(), handler)

	require.NoError(t, jobs.Enqueue(ctx, &storage.Job{TenantID: "acme", DocumentID: 1, Kind: storage.JobKindParse}))
	require.NoError(t, runner.RunOnce(ctx, storage.JobKindParse))

	chained := jobs.byKind(storage.JobKindChunk)
	require.NotNil(t, chained)
	assert.Equal(t, "acme", chained.TenantID)
	assert.Equal(t, int64(1), chained.DocumentID)
	assert.Equal(t, storage.JobStatusQueued, chained.Status)
}

func TestRunner_Backoff(t *testing.T) {
	r := NewRunner(newFakeJobs(), newFakeDocs(), &recordingBus{}, Config{
		BackoffBase: time.Second,
		BackoffMax:  4 * time.Second,
	}, zerolog.Nop())

	assert.Equal(t, time.Second, r.backoff(1))
	assert.Equal(t, 2*time.Second, r.backoff(2))
	assert.Equal(t, 4*time.Second, r.backoff(3))
	assert.Equal(t, 4*time.Second, r.backoff(10))
}

func TestParseStage_SafeModeStripsStructure(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemoryStore()
	jobs := newFakeJobs()
	bus := &recordingBus{}
	docs := newFakeDocs(seedDocument(t, objects, true))
	elements := &fakeElements{docs: docs}

	stage := &ParseStage{Docs: docs, Elements: elements, Objects: objects, Parser: parse.NewParser()}
	runner := NewRunner(jobs, docs, bus, Config{}, zerolog.Nop(), stage)

	require.NoError(t, jobs.Enqueue(ctx, &storage.Job{TenantID: "acme", DocumentID: 1, Kind: storage.JobKindParse}))
	require.NoError(t, runner.RunOnce(ctx, storage.JobKindParse))

	require.NotEmpty(t, elements.elements)
	for _, el := range elements.elements {
		assert.Equal(t, storage.ElementKindParagraph, el.Kind)
	}
}

package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fabfab/bookrag/chunk"
	"github.com/fabfab/bookrag/crawl"
	"github.com/fabfab/bookrag/embeddings"
	"github.com/fabfab/bookrag/extract"
	"github.com/fabfab/bookrag/pipeline"
	"github.com/fabfab/bookrag/retry"
	"github.com/fabfab/bookrag/store"
)

type fakeStore struct {
	points       []store.Point
	ensured      bool
	upsertReport *store.UpsertReport
	upsertErr    error
}

func (f *fakeStore) EnsureCollection(ctx context.Context, dimension int, distance string, recreate bool) error {
	f.ensured = true
	return nil
}

func (f *fakeStore) Upsert(ctx context.Context, points []store.Point) (store.UpsertReport, error) {
	f.points = append(f.points, points...)
	if f.upsertErr != nil {
		return store.UpsertReport{}, f.upsertErr
	}
	if f.upsertReport != nil {
		return *f.upsertReport, nil
	}
	return store.UpsertReport{Stored: len(points)}, nil
}

func (f *fakeStore) Search(ctx context.Context, vector []float32, topK int, scoreThreshold float32, filter store.Filter) ([]store.SearchResult, error) {
	return nil, nil
}

func (f *fakeStore) Delete(ctx context.Context, ids []string) error { return nil }

func (f *fakeStore) Update(ctx context.Context, id string, vector []float32, payload store.Payload) error {
	return nil
}

func (f *fakeStore) Close() {}

var _ store.VectorStore = (*fakeStore)(nil)

type fakeProvider struct {
	failBatchWith string
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string, mode embeddings.Mode) ([][]float32, error) {
	if f.failBatchWith != "" {
		for _, text := range texts {
			if strings.Contains(text, f.failBatchWith) {
				return nil, errors.New("provider refused the batch")
			}
		}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

var _ embeddings.Embedder = (*fakeProvider)(nil)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func newOrchestrator(vectors store.VectorStore, provider embeddings.Embedder, embedBatch int, opts pipeline.Options) *pipeline.Orchestrator {
	policy := retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond}
	fetcher := crawl.NewFetcher(crawl.Options{Policy: policy}, quiet())
	embedClient := embeddings.NewClient(provider, embedBatch, policy, quiet())
	chunker := chunk.NewChunker(50, 5, 2)
	if opts.Book == "" {
		opts.Book = "testbook"
	}
	if opts.Dimension == 0 {
		opts.Dimension = 3
	}
	return pipeline.NewOrchestrator(fetcher, extract.NewExtractor(), chunker, embedClient, vectors, opts, quiet())
}

func sampleSections() []pipeline.SectionInput {
	return []pipeline.SectionInput{
		{Chapter: "ch1", Section: "sec1", Content: "First fact about storage. Second fact about retrieval. Third fact about indexing."},
		{Chapter: "ch1", Section: "sec2", Content: "Vectors measure similarity. Distances rank results."},
	}
}

func TestRunSectionsStoresAllChunks(t *testing.T) {
	vectors := &fakeStore{}
	orch := newOrchestrator(vectors, &fakeProvider{}, 8, pipeline.Options{})

	report, err := orch.RunSections(context.Background(), sampleSections())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.State != pipeline.StateDone {
		t.Fatalf("state = %s, want done", report.State)
	}
	if !vectors.ensured {
		t.Error("EnsureCollection was never called")
	}
	if report.Stored == 0 || report.Stored != len(vectors.points) {
		t.Fatalf("stored = %d, fake store has %d points", report.Stored, len(vectors.points))
	}

	for _, p := range vectors.points {
		if p.ID != store.PointID(p.Payload.ChunkID) {
			t.Errorf("point id %q not derived from chunk id %q", p.ID, p.Payload.ChunkID)
		}
		if p.Payload.Book != "testbook" {
			t.Errorf("payload book = %q", p.Payload.Book)
		}
		if err := store.ValidatePayload(p.Payload); err != nil {
			t.Errorf("stored payload invalid: %v", err)
		}
	}
}

func TestRunSectionsEmptyInputFailsAtChunking(t *testing.T) {
	vectors := &fakeStore{}
	orch := newOrchestrator(vectors, &fakeProvider{}, 8, pipeline.Options{})

	report, err := orch.RunSections(context.Background(), []pipeline.SectionInput{
		{Chapter: "ch1", Section: "empty", Content: "   "},
	})
	if report.State != pipeline.StateFailed {
		t.Fatalf("state = %s, want failed", report.State)
	}
	var empty *pipeline.EmptyStageError
	if !errors.As(err, &empty) {
		t.Fatalf("err = %v, want EmptyStageError", err)
	}
	if empty.Stage != "chunking" {
		t.Errorf("failed stage = %q", empty.Stage)
	}
	if len(vectors.points) != 0 {
		t.Error("nothing should reach the store")
	}
}

func TestRunSectionsPartialEmbeddingFailure(t *testing.T) {
	vectors := &fakeStore{}
	// Batch size 1 scopes the provider failure to the poisoned chunk.
	provider := &fakeProvider{failBatchWith: "retrieval"}
	orch := newOrchestrator(vectors, provider, 1, pipeline.Options{})

	report, err := orch.RunSections(context.Background(), sampleSections())
	if err != nil {
		t.Fatalf("partial failure must not abort the run: %v", err)
	}
	if report.State != pipeline.StateDone {
		t.Fatalf("state = %s, want done", report.State)
	}

	embeddingStage, ok := report.Stage("embedding")
	if !ok {
		t.Fatal("no embedding stage metrics")
	}
	if embeddingStage.Failed == 0 {
		t.Error("expected failed items in the embedding stage")
	}
	if report.Stored != embeddingStage.Succeeded {
		t.Errorf("stored = %d, embedded = %d", report.Stored, embeddingStage.Succeeded)
	}
	for _, p := range vectors.points {
		if strings.Contains(p.Payload.Content, "retrieval") {
			t.Errorf("chunk from the failed batch reached the store: %q", p.Payload.Content)
		}
	}
}

func TestRunSectionsReportsFailedStoreBatches(t *testing.T) {
	vectors := &fakeStore{upsertReport: &store.UpsertReport{Stored: 1, FailedBatches: 1}}
	orch := newOrchestrator(vectors, &fakeProvider{}, 8, pipeline.Options{})

	report, err := orch.RunSections(context.Background(), sampleSections())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Stored != 1 {
		t.Errorf("stored = %d", report.Stored)
	}
	if report.FailedBatches != 1 {
		t.Errorf("failed batches = %d", report.FailedBatches)
	}
	if report.State != pipeline.StateDone {
		t.Errorf("partial storage is still a completed run, state = %s", report.State)
	}
}

func TestRunSectionsZeroStoredFails(t *testing.T) {
	vectors := &fakeStore{upsertReport: &store.UpsertReport{Stored: 0, FailedBatches: 1}}
	orch := newOrchestrator(vectors, &fakeProvider{}, 8, pipeline.Options{})

	report, err := orch.RunSections(context.Background(), sampleSections())
	if err == nil {
		t.Fatal("expected failure when nothing was stored")
	}
	if report.State != pipeline.StateFailed {
		t.Errorf("state = %s, want failed", report.State)
	}
	if report.FailedStage != "storing" {
		t.Errorf("failed stage = %q", report.FailedStage)
	}
}

func TestRunCrawlsAndIngestsPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			io.WriteString(w, `<html><head><title>Guide</title></head><body><main>
				<h1>Setup</h1><p>Install the binary. Configure the service. Start it up.</p>
			</main></body></html>`)
		}
	}))
	defer srv.Close()

	vectors := &fakeStore{}
	orch := newOrchestrator(vectors, &fakeProvider{}, 8, pipeline.Options{MaxConcurrent: 2})

	report, err := orch.Run(context.Background(), []pipeline.PageRequest{
		{URL: srv.URL + "/a"},
		{URL: srv.URL + "/missing"},
		{URL: srv.URL + "/b", Chapter: "Custom", Section: "Sec"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.State != pipeline.StateDone {
		t.Fatalf("state = %s: %s", report.State, report.Summary())
	}

	crawlStage, ok := report.Stage("crawling")
	if !ok {
		t.Fatal("no crawling stage metrics")
	}
	if crawlStage.Succeeded != 2 || crawlStage.Failed != 1 {
		t.Errorf("crawl metrics = %+v", crawlStage)
	}

	var sawTitleChapter, sawCustomChapter bool
	for _, p := range vectors.points {
		switch p.Payload.Chapter {
		case "Guide":
			sawTitleChapter = true
		case "Custom":
			sawCustomChapter = true
		}
	}
	if !sawTitleChapter {
		t.Error("page without an explicit chapter should fall back to the page title")
	}
	if !sawCustomChapter {
		t.Error("explicit chapter was not preserved")
	}
}

func TestRunBudgetExceeded(t *testing.T) {
	vectors := &fakeStore{}
	orch := newOrchestrator(vectors, &fakeProvider{}, 8, pipeline.Options{Budget: time.Nanosecond})

	_, err := orch.RunSections(context.Background(), sampleSections())
	if !errors.Is(err, pipeline.ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
}

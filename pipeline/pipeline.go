// Package pipeline sequences crawling, extraction, chunking, embedding and
// storage into one ingestion run. Per-item failures reduce the count carried
// forward; only a stage that produces nothing usable fails the run.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fabfab/bookrag/chunk"
	"github.com/fabfab/bookrag/crawl"
	"github.com/fabfab/bookrag/embeddings"
	"github.com/fabfab/bookrag/extract"
	"github.com/fabfab/bookrag/store"
)

// State of a pipeline run.
type State string

const (
	StateIdle      State = "idle"
	StateCrawling  State = "crawling"
	StateChunking  State = "chunking"
	StateEmbedding State = "embedding"
	StateStoring   State = "storing"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Stage names used in metrics and empty-stage errors.
const (
	stageCrawling  = "crawling"
	stageChunking  = "chunking"
	stageEmbedding = "embedding"
	stageStoring   = "storing"
)

// EmptyStageError reports the stage that emitted zero usable outputs.
type EmptyStageError struct {
	Stage string
}

func (e *EmptyStageError) Error() string {
	return fmt.Sprintf("stage %s produced no usable output", e.Stage)
}

// ErrBudgetExceeded aborts a run whose wall-clock budget ran out between
// stages.
var ErrBudgetExceeded = fmt.Errorf("pipeline wall-clock budget exceeded")

// PageRequest names one page to ingest and where its content belongs in the
// book structure. Empty Chapter/Section fall back to the page title and URL.
type PageRequest struct {
	URL     string
	Chapter string
	Section string
}

// SectionInput is pre-extracted content entering the pipeline after the
// crawl stage, e.g. from the ingest-a-batch API or local files.
type SectionInput struct {
	Chapter string
	Section string
	Content string
}

// Options tunes a pipeline run.
type Options struct {
	Book          string
	Strategy      chunk.Strategy
	MergeSmall    bool
	MaxConcurrent int
	Budget        time.Duration
	Recreate      bool
	Dimension     int
	Distance      string
}

// Orchestrator owns the end-to-end run. All collaborators are injected
// once at construction; no stage reaches for shared globals.
type Orchestrator struct {
	fetcher   *crawl.Fetcher
	extractor *extract.Extractor
	chunker   *chunk.Chunker
	embedder  *embeddings.Client
	vectors   store.VectorStore
	logger    *log.Logger
	opts      Options
}

func NewOrchestrator(
	fetcher *crawl.Fetcher,
	extractor *extract.Extractor,
	chunker *chunk.Chunker,
	embedder *embeddings.Client,
	vectors store.VectorStore,
	opts Options,
	logger *log.Logger,
) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 5
	}
	if opts.Book == "" {
		opts.Book = "default_book"
	}
	return &Orchestrator{
		fetcher:   fetcher,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		vectors:   vectors,
		logger:    logger,
		opts:      opts,
	}
}

// Run ingests the requested pages. The returned report is always populated,
// partial failure included; the error is non-nil only when the run aborts
// (empty stage, budget, cancellation, store setup).
func (o *Orchestrator) Run(ctx context.Context, requests []PageRequest) (*Report, error) {
	report := &Report{State: StateIdle, Started: time.Now()}

	docs, metrics := o.runCrawl(ctx, requests, report)
	report.addStage(metrics)
	if len(docs) == 0 {
		return o.fail(report, stageCrawling)
	}

	return o.runTail(ctx, docs, report)
}

// RunSections ingests pre-extracted (chapter, section, content) batches,
// entering the pipeline at the chunking stage.
func (o *Orchestrator) RunSections(ctx context.Context, sections []SectionInput) (*Report, error) {
	report := &Report{State: StateIdle, Started: time.Now()}
	return o.runTail(ctx, sections, report)
}

func (o *Orchestrator) runTail(ctx context.Context, sections []SectionInput, report *Report) (*Report, error) {
	if err := o.checkBudget(report); err != nil {
		return o.abort(report, err)
	}

	chunks, metrics := o.runChunking(ctx, sections, report)
	report.addStage(metrics)
	if len(chunks) == 0 {
		return o.fail(report, stageChunking)
	}

	if err := o.checkBudget(report); err != nil {
		return o.abort(report, err)
	}

	embedded, metrics := o.runEmbedding(ctx, chunks, report)
	report.addStage(metrics)
	if len(embedded) == 0 {
		return o.fail(report, stageEmbedding)
	}

	if err := o.checkBudget(report); err != nil {
		return o.abort(report, err)
	}

	metrics, err := o.runStoring(ctx, embedded, report)
	report.addStage(metrics)
	if err != nil {
		return o.abort(report, err)
	}
	if report.Stored == 0 {
		return o.fail(report, stageStoring)
	}

	report.State = StateDone
	report.Finished = time.Now()
	o.logger.Printf("pipeline done: %s", report.Summary())
	return report, nil
}

// runCrawl fetches and extracts pages with a bounded worker pool. Results
// keep request order; failed pages are dropped after being counted.
func (o *Orchestrator) runCrawl(ctx context.Context, requests []PageRequest, report *Report) ([]SectionInput, StageMetrics) {
	report.State = StateCrawling
	timer := startStage(stageCrawling)

	type crawled struct {
		index int
		doc   SectionInput
		ok    bool
	}

	jobs := make(chan int)
	results := make(chan crawled)

	var wg sync.WaitGroup
	for w := 0; w < o.opts.MaxConcurrent; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				req := requests[idx]
				doc, ok := o.crawlOne(ctx, req)
				results <- crawled{index: idx, doc: doc, ok: ok}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range requests {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	ordered := make([]*SectionInput, len(requests))
	for r := range results {
		if r.ok {
			timer.success(1)
			doc := r.doc
			ordered[r.index] = &doc
		} else {
			timer.failure(1)
		}
	}

	var docs []SectionInput
	for _, d := range ordered {
		if d != nil {
			docs = append(docs, *d)
		}
	}
	return docs, timer.done()
}

func (o *Orchestrator) crawlOne(ctx context.Context, req PageRequest) (SectionInput, bool) {
	result := o.fetcher.Fetch(ctx, req.URL)
	if !result.Success {
		return SectionInput{}, false
	}

	doc, err := o.extractor.Extract(result.RawContent, req.URL)
	if err != nil {
		o.logger.Printf("extract failed for %s: %v", req.URL, err)
		return SectionInput{}, false
	}

	chapter := req.Chapter
	if chapter == "" {
		chapter = doc.Title
	}
	section := req.Section
	if section == "" {
		section = req.URL
	}

	// A page with no content after filtering is a valid, empty section;
	// the chunker will simply emit nothing for it.
	return SectionInput{Chapter: chapter, Section: section, Content: doc.Text}, true
}

// embeddedChunk pairs a chunk with its vector; correlation is by chunk_id,
// never by position in some shared slice.
type embeddedChunk struct {
	chunk  chunk.Chunk
	vector []float32
}

// runChunking splits documents in parallel. Chunking is pure computation
// with no shared state, so every document gets its own goroutine.
func (o *Orchestrator) runChunking(ctx context.Context, sections []SectionInput, report *Report) ([]chunk.Chunk, StageMetrics) {
	report.State = StateChunking
	timer := startStage(stageChunking)

	results := make([][]chunk.Chunk, len(sections))
	var wg sync.WaitGroup
	for i := range sections {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sec := sections[i]
			ref := chunk.SourceRef{Book: o.opts.Book, Chapter: sec.Chapter, Section: sec.Section}
			chunks := o.chunker.Chunk(sec.Content, ref, o.opts.Strategy)
			if o.opts.MergeSmall {
				chunks = o.chunker.MergeSmall(chunks)
			}
			results[i] = chunks
		}(i)
	}
	wg.Wait()

	var all []chunk.Chunk
	for i, chunks := range results {
		if len(chunks) == 0 {
			// Not an error: empty sections chunk to nothing.
			timer.failure(1)
			o.logger.Printf("no chunks for %s/%s", sections[i].Chapter, sections[i].Section)
			continue
		}
		timer.success(1)
		all = append(all, chunks...)
	}
	return all, timer.done()
}

// runEmbedding embeds chunk contents in provider batches. Failed batches
// drop their chunks from the run; everything else carries forward.
func (o *Orchestrator) runEmbedding(ctx context.Context, chunks []chunk.Chunk, report *Report) ([]embeddedChunk, StageMetrics) {
	report.State = StateEmbedding
	timer := startStage(stageEmbedding)

	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Content
	}

	vectors, failures := o.embedder.EmbedDocuments(ctx, texts)
	for _, f := range failures {
		o.logger.Printf("embedding failure: %v", &f)
	}

	embedded := make([]embeddedChunk, 0, len(chunks))
	for i := range chunks {
		if vectors[i] == nil {
			timer.failure(1)
			continue
		}
		timer.success(1)
		embedded = append(embedded, embeddedChunk{chunk: chunks[i], vector: vectors[i]})
	}
	return embedded, timer.done()
}

// runStoring validates payloads up front (schema violations are per-item
// fatal, never sent) and upserts the remainder in batches.
func (o *Orchestrator) runStoring(ctx context.Context, embedded []embeddedChunk, report *Report) (StageMetrics, error) {
	report.State = StateStoring
	timer := startStage(stageStoring)

	if err := o.vectors.EnsureCollection(ctx, o.opts.Dimension, o.opts.Distance, o.opts.Recreate); err != nil {
		return timer.done(), fmt.Errorf("ensure collection: %w", err)
	}

	now := time.Now().UTC()
	points := make([]store.Point, 0, len(embedded))
	for _, e := range embedded {
		payload := store.Payload{
			Content:    e.chunk.Content,
			Book:       e.chunk.Source.Book,
			Chapter:    e.chunk.Source.Chapter,
			Section:    e.chunk.Source.Section,
			ChunkOrder: e.chunk.Order,
			ChunkID:    e.chunk.ChunkID,
			CreatedAt:  now,
		}
		if err := store.ValidatePayload(payload); err != nil {
			timer.failure(1)
			o.logger.Printf("invalid payload dropped: %v", err)
			continue
		}
		points = append(points, store.Point{
			ID:      store.PointID(e.chunk.ChunkID),
			Vector:  e.vector,
			Payload: payload,
		})
	}

	upsert, err := o.vectors.Upsert(ctx, points)
	report.Stored = upsert.Stored
	report.FailedBatches = upsert.FailedBatches
	if err != nil {
		return timer.done(), fmt.Errorf("upsert points: %w", err)
	}

	timer.success(upsert.Stored)
	timer.failure(len(points) - upsert.Stored)
	return timer.done(), nil
}

func (o *Orchestrator) checkBudget(report *Report) error {
	if o.opts.Budget <= 0 {
		return nil
	}
	if time.Since(report.Started) > o.opts.Budget {
		return ErrBudgetExceeded
	}
	return nil
}

func (o *Orchestrator) fail(report *Report, stage string) (*Report, error) {
	report.State = StateFailed
	report.FailedStage = stage
	report.Finished = time.Now()
	err := &EmptyStageError{Stage: stage}
	o.logger.Printf("pipeline failed: %s", report.Summary())
	return report, err
}

func (o *Orchestrator) abort(report *Report, err error) (*Report, error) {
	report.State = StateFailed
	report.Finished = time.Now()
	o.logger.Printf("pipeline aborted: %v (%s)", err, report.Summary())
	return report, err
}

package embeddings

import (
	"context"
	"fmt"
	"log"

	"github.com/fabfab/bookrag/retry"
)

// defaultBatchSize matches the provider request ceiling.
const defaultBatchSize = 96

// BatchError records a batch that failed for good: exhausted retries, a
// response whose length did not match the request, or a corrupt (empty)
// vector. Index points at the first offending position in the input slice so
// callers can count failed items without discarding the rest of the run.
type BatchError struct {
	Batch int
	Index int
	Size  int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("embedding batch %d (item %d, %d texts): %v", e.Batch, e.Index, e.Size, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Client batches texts against an Embedder, retrying each batch
// independently. One provider call is atomic: cancellation is checked
// between batches, never mid-call.
type Client struct {
	provider  Embedder
	batchSize int
	policy    retry.Policy
	logger    *log.Logger
}

func NewClient(provider Embedder, batchSize int, policy retry.Policy, logger *log.Logger) *Client {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		provider:  provider,
		batchSize: batchSize,
		policy:    policy,
		logger:    logger,
	}
}

// EmbedDocuments embeds texts in request-sized batches. The returned slice
// always has len(texts) entries in input order; entries belonging to a
// failed batch are nil and the batch is reported in the second return value.
// A failed batch never aborts the remaining batches.
func (c *Client) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, []BatchError) {
	vectors := make([][]float32, len(texts))
	var failures []BatchError

	batchIdx := 0
	for start := 0; start < len(texts); start += c.batchSize {
		if err := ctx.Err(); err != nil {
			failures = append(failures, BatchError{Batch: batchIdx, Index: start, Size: len(texts) - start, Err: err})
			break
		}

		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		result, err := c.embedBatch(ctx, batch, start)
		if err != nil {
			c.logger.Printf("embedding batch %d failed: %v", batchIdx, err)
			var batchErr *BatchError
			if be, ok := err.(*BatchError); ok {
				batchErr = be
				batchErr.Batch = batchIdx
			} else {
				batchErr = &BatchError{Batch: batchIdx, Index: start, Size: len(batch), Err: err}
			}
			failures = append(failures, *batchErr)
			batchIdx++
			continue
		}

		copy(vectors[start:end], result)
		batchIdx++
	}

	return vectors, failures
}

// EmbedQuery embeds a single query text with the query mode marker.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var result [][]float32
	err := c.policy.Do(ctx, func() error {
		vectors, err := c.provider.Embed(ctx, []string{text}, ModeQuery)
		if err != nil {
			return err
		}
		if len(vectors) != 1 || len(vectors[0]) == 0 {
			return fmt.Errorf("provider returned %d vectors for one query", len(vectors))
		}
		result = vectors
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return result[0], nil
}

func (c *Client) embedBatch(ctx context.Context, batch []string, offset int) ([][]float32, error) {
	var vectors [][]float32
	err := c.policy.Do(ctx, func() error {
		result, err := c.provider.Embed(ctx, batch, ModeDocument)
		if err != nil {
			return err
		}
		// A short or corrupt response is a provider bug, not a transient
		// condition: fail the batch without another attempt.
		if len(result) != len(batch) {
			return &BatchError{
				Index: offset + len(result),
				Size:  len(batch),
				Err:   fmt.Errorf("response length mismatch: sent %d texts, got %d vectors", len(batch), len(result)),
			}
		}
		for i, vec := range result {
			if len(vec) == 0 {
				return &BatchError{
					Index: offset + i,
					Size:  len(batch),
					Err:   fmt.Errorf("empty vector at position %d", i),
				}
			}
		}
		vectors = result
		return nil
	})
	return vectors, err
}

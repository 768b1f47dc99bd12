// Package store persists embedding vectors with their chunk payloads and
// serves filtered nearest-neighbor queries. Two backends implement the same
// interface: a Qdrant collection over gRPC and a pgvector table.
package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/bookrag/retry"
)

// Distance metrics supported by both backends.
const (
	DistanceCosine = "cosine"
	DistanceDot    = "dot"
	DistanceL2     = "l2"
)

// Payload is the metadata stored alongside every vector. All fields up to
// CreatedAt are mandatory; storage rejects incomplete payloads before any
// network call.
type Payload struct {
	Content    string
	Book       string
	Chapter    string
	Section    string
	ChunkOrder int
	ChunkID    string
	CreatedAt  time.Time
}

// Point is one (vector, id, payload) tuple keyed by the chunk's
// deterministic id.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// SearchResult is one similarity hit, ephemeral and per-query.
type SearchResult struct {
	ID      string
	Score   float32
	Payload Payload
}

// Filter restricts a search to chunks from a chapter and/or section.
// Zero-value fields do not constrain.
type Filter struct {
	Chapter string
	Section string
}

func (f Filter) Empty() bool {
	return f.Chapter == "" && f.Section == ""
}

// UpsertReport summarizes a batched upsert. FailedBatches counts batches
// that did not land after retry exhaustion; Stored counts points that did.
type UpsertReport struct {
	Stored        int
	FailedBatches int
}

// VectorStore is the narrow interface the pipeline and retrieval share.
type VectorStore interface {
	// EnsureCollection makes the target collection exist with the given
	// dimensionality and distance metric. With recreate=false an existing
	// collection is left untouched; with recreate=true it is dropped and
	// rebuilt. Never run concurrently with Upsert or Search.
	EnsureCollection(ctx context.Context, dimension int, distance string, recreate bool) error

	// Upsert writes points in fixed-size batches, each retried
	// independently; a batch failing after retries is recorded in the
	// report and the remaining batches still proceed.
	Upsert(ctx context.Context, points []Point) (UpsertReport, error)

	// Search returns up to topK results ordered best score first. When
	// scoreThreshold > 0 every result scores at least that much.
	Search(ctx context.Context, vector []float32, topK int, scoreThreshold float32, filter Filter) ([]SearchResult, error)

	// Delete removes points by id. Missing ids are not an error.
	Delete(ctx context.Context, ids []string) error

	// Update replaces one point as delete-then-insert. Not atomic:
	// a concurrent reader may observe the gap.
	Update(ctx context.Context, id string, vector []float32, payload Payload) error

	Close()
}

// upsertBatches drives the fixed-batch upsert loop shared by both backends.
// Each batch runs under the retry policy; a batch that still fails after
// retries is counted in the report and the remaining batches proceed, so
// partial success is an outcome, not an error. Context cancellation stops
// the loop with the current batch counted as failed.
func upsertBatches(ctx context.Context, points []Point, batchSize int, policy retry.Policy, logger *log.Logger, write func(ctx context.Context, batch []Point) error) (UpsertReport, error) {
	var report UpsertReport

	for start := 0; start < len(points); start += batchSize {
		if err := ctx.Err(); err != nil {
			report.FailedBatches++
			return report, err
		}

		end := start + batchSize
		if end > len(points) {
			end = len(points)
		}
		batch := points[start:end]

		err := policy.Do(ctx, func() error {
			return write(ctx, batch)
		})
		if err != nil {
			report.FailedBatches++
			logger.Printf("upsert batch starting at %d failed after retries: %v", start, err)
			continue
		}

		report.Stored += len(batch)
	}

	return report, nil
}

// PointID derives the stored point id from a chunk id. uuid.NewSHA1 is a
// pure function, so identical chunks always map to the same point and
// re-ingestion overwrites instead of duplicating.
func PointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(chunkID)).String()
}

// ValidatePayload rejects payloads missing mandatory fields. Runs before
// any network call; a failing payload is fatal for that point and never
// retried.
func ValidatePayload(p Payload) error {
	switch {
	case p.Content == "":
		return fmt.Errorf("payload for %q: empty content", p.ChunkID)
	case p.ChunkID == "":
		return fmt.Errorf("payload missing chunk_id")
	case p.Chapter == "":
		return fmt.Errorf("payload for %q: missing chapter", p.ChunkID)
	case p.Section == "":
		return fmt.Errorf("payload for %q: missing section", p.ChunkID)
	case p.ChunkOrder < 0:
		return fmt.Errorf("payload for %q: negative chunk_order %d", p.ChunkID, p.ChunkOrder)
	case p.CreatedAt.IsZero():
		return fmt.Errorf("payload for %q: missing created_at", p.ChunkID)
	}
	return nil
}

// ValidatePoints checks every point's payload and vector dimensionality
// up front. The first violation aborts the whole upsert: a schema bug is
// a programming error, not a partial-failure condition.
func ValidatePoints(points []Point, dimension int) error {
	for i := range points {
		if err := ValidatePayload(points[i].Payload); err != nil {
			return err
		}
		if dimension > 0 && len(points[i].Vector) != dimension {
			return fmt.Errorf("point %q: vector dimension %d does not match collection dimension %d",
				points[i].ID, len(points[i].Vector), dimension)
		}
	}
	return nil
}

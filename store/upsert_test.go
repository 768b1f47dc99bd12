package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fabfab/bookrag/retry"
)

func testPoints(n, dimension int) []Point {
	points := make([]Point, n)
	for i := range points {
		chunkID := fmt.Sprintf("book:ch:sec:%04d", i)
		points[i] = Point{
			ID:     PointID(chunkID),
			Vector: make([]float32, dimension),
			Payload: Payload{
				Content:    fmt.Sprintf("content %d", i),
				Book:       "book",
				Chapter:    "ch",
				Section:    "sec",
				ChunkOrder: i,
				ChunkID:    chunkID,
				CreatedAt:  time.Unix(1700000000, 0),
			},
		}
	}
	return points
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func TestUpsertBatchesPartialFailure(t *testing.T) {
	points := testPoints(100, 3)
	attempts := map[string]int{}

	// First batch recovers on the second attempt, second batch never lands.
	write := func(ctx context.Context, batch []Point) error {
		key := batch[0].Payload.ChunkID
		attempts[key]++
		switch key {
		case points[0].Payload.ChunkID:
			if attempts[key] == 1 {
				return retry.MarkTransient(errors.New("connection reset"))
			}
			return nil
		default:
			return retry.MarkTransient(errors.New("still down"))
		}
	}

	report, err := upsertBatches(context.Background(), points, 64, fastPolicy(),
		log.New(io.Discard, "", 0), write)
	if err != nil {
		t.Fatalf("upsertBatches: %v", err)
	}
	if report.Stored != 64 {
		t.Errorf("Stored = %d, want 64", report.Stored)
	}
	if report.FailedBatches != 1 {
		t.Errorf("FailedBatches = %d, want 1", report.FailedBatches)
	}
	if got := attempts[points[0].Payload.ChunkID]; got != 2 {
		t.Errorf("first batch attempts = %d, want 2", got)
	}
	if got := attempts[points[64].Payload.ChunkID]; got != 3 {
		t.Errorf("second batch attempts = %d, want 3", got)
	}
}

func TestUpsertBatchesNonRetryableFailureStopsBatchOnly(t *testing.T) {
	points := testPoints(100, 3)
	attempts := map[string]int{}

	write := func(ctx context.Context, batch []Point) error {
		key := batch[0].Payload.ChunkID
		attempts[key]++
		if key == points[0].Payload.ChunkID {
			return errors.New("invalid point format")
		}
		return nil
	}

	report, err := upsertBatches(context.Background(), points, 64, fastPolicy(),
		log.New(io.Discard, "", 0), write)
	if err != nil {
		t.Fatalf("upsertBatches: %v", err)
	}
	if got := attempts[points[0].Payload.ChunkID]; got != 1 {
		t.Errorf("non-retryable batch attempts = %d, want 1", got)
	}
	if report.Stored != 36 || report.FailedBatches != 1 {
		t.Errorf("report = %+v, want Stored 36, FailedBatches 1", report)
	}
}

func TestUpsertBatchesCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	report, err := upsertBatches(ctx, testPoints(10, 3), 5, fastPolicy(),
		log.New(io.Discard, "", 0), func(ctx context.Context, batch []Point) error {
			calls++
			return nil
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("write called %d times after cancellation", calls)
	}
	if report.Stored != 0 || report.FailedBatches != 1 {
		t.Errorf("report = %+v, want Stored 0, FailedBatches 1", report)
	}
}

// fakePointsClient stands in for the gRPC points service. Only Upsert is
// implemented; the embedded interface panics on anything else.
type fakePointsClient struct {
	qdrant.PointsClient
	attempts map[string]int
	fail     func(firstID string, attempt int) error
}

func (f *fakePointsClient) Upsert(ctx context.Context, in *qdrant.UpsertPoints, opts ...grpc.CallOption) (*qdrant.PointsOperationResponse, error) {
	firstID := in.GetPoints()[0].GetId().GetUuid()
	f.attempts[firstID]++
	if err := f.fail(firstID, f.attempts[firstID]); err != nil {
		return nil, err
	}
	return &qdrant.PointsOperationResponse{
		Result: &qdrant.UpdateResult{Status: qdrant.UpdateStatus_Completed},
	}, nil
}

func TestQdrantUpsertRetriesBatchesIndependently(t *testing.T) {
	points := testPoints(100, 3)

	fake := &fakePointsClient{
		attempts: map[string]int{},
		fail: func(firstID string, attempt int) error {
			switch firstID {
			case points[0].ID:
				if attempt == 1 {
					return status.Error(codes.Unavailable, "node restarting")
				}
				return nil
			default:
				return status.Error(codes.Unavailable, "node restarting")
			}
		},
	}

	s := &QdrantStore{
		points:     fake,
		collection: "book_embeddings",
		dimension:  3,
		batchSize:  64,
		policy:     fastPolicy(),
		logger:     log.New(io.Discard, "", 0),
	}

	report, err := s.Upsert(context.Background(), points)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if report.Stored != 64 {
		t.Errorf("Stored = %d, want 64", report.Stored)
	}
	if report.FailedBatches != 1 {
		t.Errorf("FailedBatches = %d, want 1", report.FailedBatches)
	}
	if got := fake.attempts[points[0].ID]; got != 2 {
		t.Errorf("first batch attempts = %d, want 2", got)
	}
	if got := fake.attempts[points[64].ID]; got != 3 {
		t.Errorf("failing batch attempts = %d, want 3", got)
	}
}

func TestQdrantUpsertRejectsBadDimensionUpfront(t *testing.T) {
	fake := &fakePointsClient{
		attempts: map[string]int{},
		fail:     func(string, int) error { return nil },
	}
	s := &QdrantStore{
		points:     fake,
		collection: "book_embeddings",
		dimension:  4,
		batchSize:  64,
		policy:     fastPolicy(),
		logger:     log.New(io.Discard, "", 0),
	}

	if _, err := s.Upsert(context.Background(), testPoints(3, 3)); err == nil {
		t.Fatal("dimension mismatch must fail validation")
	}
	if len(fake.attempts) != 0 {
		t.Errorf("client called despite failed validation: %v", fake.attempts)
	}
}

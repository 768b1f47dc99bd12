package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/fabfab/bookrag/retry"
)

// QdrantStore implements VectorStore against a Qdrant instance over gRPC.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      qdrant.PointsClient
	collections qdrant.CollectionsClient
	collection  string
	dimension   int
	batchSize   int
	policy      retry.Policy
	logger      *log.Logger
}

type QdrantOptions struct {
	Addr       string
	Collection string
	Dimension  int
	BatchSize  int
	Policy     retry.Policy
}

func NewQdrantStore(opts QdrantOptions, logger *log.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = log.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.DefaultPolicy()
	}

	conn, err := grpc.NewClient(opts.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect qdrant at %s: %w", opts.Addr, err)
	}

	return &QdrantStore{
		conn:        conn,
		points:      qdrant.NewPointsClient(conn),
		collections: qdrant.NewCollectionsClient(conn),
		collection:  opts.Collection,
		dimension:   opts.Dimension,
		batchSize:   opts.BatchSize,
		policy:      opts.Policy,
		logger:      logger,
	}, nil
}

func (s *QdrantStore) Close() {
	_ = s.conn.Close()
}

func qdrantDistance(distance string) (qdrant.Distance, error) {
	switch distance {
	case DistanceCosine, "":
		return qdrant.Distance_Cosine, nil
	case DistanceDot:
		return qdrant.Distance_Dot, nil
	case DistanceL2:
		return qdrant.Distance_Euclid, nil
	default:
		return qdrant.Distance_UnknownDistance, fmt.Errorf("unknown distance metric: %s", distance)
	}
}

func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension int, distance string, recreate bool) error {
	if dimension <= 0 {
		return fmt.Errorf("collection dimension must be positive, got %d", dimension)
	}
	metric, err := qdrantDistance(distance)
	if err != nil {
		return err
	}

	_, err = s.collections.Get(ctx, &qdrant.GetCollectionInfoRequest{CollectionName: s.collection})
	exists := err == nil
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("get collection %s: %w", s.collection, err)
	}

	if exists {
		if !recreate {
			return nil
		}
		if _, err := s.collections.Delete(ctx, &qdrant.DeleteCollection{CollectionName: s.collection}); err != nil {
			return fmt.Errorf("delete collection %s: %w", s.collection, err)
		}
	}

	_, err = s.collections.Create(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     uint64(dimension),
					Distance: metric,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", s.collection, err)
	}

	s.dimension = dimension
	s.logger.Printf("created qdrant collection %s (dim=%d, distance=%s)", s.collection, dimension, distance)
	return nil
}

// Upsert writes points in fixed-size batches, each batch retried on
// transient gRPC failures. A batch that still fails is recorded and the
// remaining batches proceed; partial success is the normal outcome, not an
// error.
func (s *QdrantStore) Upsert(ctx context.Context, points []Point) (UpsertReport, error) {
	if err := ValidatePoints(points, s.dimension); err != nil {
		return UpsertReport{}, err
	}
	return upsertBatches(ctx, points, s.batchSize, s.policy, s.logger, s.writeBatch)
}

func (s *QdrantStore) writeBatch(ctx context.Context, batch []Point) error {
	structs := make([]*qdrant.PointStruct, len(batch))
	for i, p := range batch {
		structs[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payloadToQdrant(p.Payload),
		}
	}

	wait := true
	resp, err := s.points.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         structs,
		Wait:           &wait,
	})
	if err != nil {
		return classifyGRPC(err)
	}
	st := resp.GetResult().GetStatus()
	if st != qdrant.UpdateStatus_Acknowledged && st != qdrant.UpdateStatus_Completed {
		return fmt.Errorf("upsert batch not acknowledged: status %s", st)
	}
	return nil
}

func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int, scoreThreshold float32, filter Filter) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}

	req := &qdrant.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	}
	if scoreThreshold > 0 {
		req.ScoreThreshold = &scoreThreshold
	}
	if !filter.Empty() {
		req.Filter = qdrantFilter(filter)
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	results := make([]SearchResult, 0, len(resp.GetResult()))
	for _, hit := range resp.GetResult() {
		results = append(results, SearchResult{
			ID:      hit.GetId().GetUuid(),
			Score:   hit.GetScore(),
			Payload: payloadFromQdrant(hit.GetPayload()),
		})
	}
	return results, nil
}

func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id)
	}

	wait := true
	_, err := s.points.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant delete: %w", err)
	}
	return nil
}

// Update is delete-then-insert, not atomic; a concurrent search can observe
// the point missing between the two calls.
func (s *QdrantStore) Update(ctx context.Context, id string, vector []float32, payload Payload) error {
	if err := s.Delete(ctx, []string{id}); err != nil {
		return err
	}
	report, err := s.Upsert(ctx, []Point{{ID: id, Vector: vector, Payload: payload}})
	if err != nil {
		return err
	}
	if report.Stored != 1 {
		return fmt.Errorf("update %s: point not stored", id)
	}
	return nil
}

func payloadToQdrant(p Payload) map[string]*qdrant.Value {
	return map[string]*qdrant.Value{
		"content":     {Kind: &qdrant.Value_StringValue{StringValue: p.Content}},
		"book":        {Kind: &qdrant.Value_StringValue{StringValue: p.Book}},
		"chapter":     {Kind: &qdrant.Value_StringValue{StringValue: p.Chapter}},
		"section":     {Kind: &qdrant.Value_StringValue{StringValue: p.Section}},
		"chunk_order": {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(p.ChunkOrder)}},
		"chunk_id":    {Kind: &qdrant.Value_StringValue{StringValue: p.ChunkID}},
		"created_at":  {Kind: &qdrant.Value_StringValue{StringValue: p.CreatedAt.UTC().Format(time.RFC3339)}},
	}
}

func payloadFromQdrant(values map[string]*qdrant.Value) Payload {
	p := Payload{
		Content:    values["content"].GetStringValue(),
		Book:       values["book"].GetStringValue(),
		Chapter:    values["chapter"].GetStringValue(),
		Section:    values["section"].GetStringValue(),
		ChunkOrder: int(values["chunk_order"].GetIntegerValue()),
		ChunkID:    values["chunk_id"].GetStringValue(),
	}
	if ts, err := time.Parse(time.RFC3339, values["created_at"].GetStringValue()); err == nil {
		p.CreatedAt = ts
	}
	return p
}

func qdrantFilter(f Filter) *qdrant.Filter {
	var must []*qdrant.Condition
	if f.Chapter != "" {
		must = append(must, keywordCondition("chapter", f.Chapter))
	}
	if f.Section != "" {
		must = append(must, keywordCondition("section", f.Section))
	}
	return &qdrant.Filter{Must: must}
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

// classifyGRPC marks server-side congestion and availability errors as
// transient so batch retries fire; invalid-argument style failures stay
// fatal.
func classifyGRPC(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return retry.MarkTransient(err)
	default:
		return err
	}
}

var _ VectorStore = (*QdrantStore)(nil)

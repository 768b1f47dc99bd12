package store

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/bookrag/retry"
)

// PgvectorStore implements VectorStore on Postgres with the pgvector
// extension. The collection maps to one table named after it.
type PgvectorStore struct {
	pool       *pgxpool.Pool
	collection string
	dimension  int
	batchSize  int
	policy     retry.Policy
	logger     *log.Logger
}

type PgvectorOptions struct {
	DSN        string
	Collection string
	Dimension  int
	BatchSize  int
	Policy     retry.Policy
}

func NewPgvectorStore(ctx context.Context, opts PgvectorOptions, logger *log.Logger) (*PgvectorStore, error) {
	if logger == nil {
		logger = log.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	tc := opts.Policy
	if tc.MaxAttempts == 0 {
		tc = retry.DefaultPolicy()
	}

	pool, err := pgxpool.New(ctx, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	return &PgvectorStore{
		pool:       pool,
		collection: opts.Collection,
		dimension:  opts.Dimension,
		batchSize:  opts.BatchSize,
		policy:     tc,
		logger:     logger,
	}, nil
}

func (s *PgvectorStore) Close() {
	s.pool.Close()
}

func pgvectorOps(distance string) (string, error) {
	switch distance {
	case DistanceCosine, "":
		return "vector_cosine_ops", nil
	case DistanceL2:
		return "vector_l2_ops", nil
	case DistanceDot:
		return "vector_ip_ops", nil
	default:
		return "", fmt.Errorf("unknown distance metric: %s", distance)
	}
}

func (s *PgvectorStore) EnsureCollection(ctx context.Context, dimension int, distance string, recreate bool) error {
	if dimension <= 0 {
		return fmt.Errorf("collection dimension must be positive, got %d", dimension)
	}
	ops, err := pgvectorOps(distance)
	if err != nil {
		return err
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
	}
	if recreate {
		stmts = append(stmts, fmt.Sprintf("DROP TABLE IF EXISTS %s", s.collection))
	}
	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			book TEXT NOT NULL,
			chapter TEXT NOT NULL,
			section TEXT NOT NULL,
			chunk_order INT NOT NULL,
			chunk_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			embedding VECTOR(%d) NOT NULL
		)`, s.collection, dimension),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_embedding ON %s USING ivfflat (embedding %s)", s.collection, s.collection, ops),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_source ON %s (chapter, section)", s.collection, s.collection),
	)

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	s.dimension = dimension
	return nil
}

func (s *PgvectorStore) Upsert(ctx context.Context, points []Point) (UpsertReport, error) {
	if err := ValidatePoints(points, s.dimension); err != nil {
		return UpsertReport{}, err
	}
	return upsertBatches(ctx, points, s.batchSize, s.policy, s.logger, func(ctx context.Context, batch []Point) error {
		if err := s.upsertBatch(ctx, batch); err != nil {
			return retry.MarkTransient(err)
		}
		return nil
	})
}

func (s *PgvectorStore) upsertBatch(ctx context.Context, batch []Point) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, content, book, chapter, section, chunk_order, chunk_id, created_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			book = EXCLUDED.book,
			chapter = EXCLUDED.chapter,
			section = EXCLUDED.section,
			chunk_order = EXCLUDED.chunk_order,
			chunk_id = EXCLUDED.chunk_id,
			created_at = EXCLUDED.created_at,
			embedding = EXCLUDED.embedding
	`, s.collection)

	for _, p := range batch {
		if _, err := tx.Exec(ctx, stmt,
			p.ID, p.Payload.Content, p.Payload.Book, p.Payload.Chapter, p.Payload.Section,
			p.Payload.ChunkOrder, p.Payload.ChunkID, p.Payload.CreatedAt,
			pgvector.NewVector(p.Vector),
		); err != nil {
			return fmt.Errorf("insert point %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *PgvectorStore) Search(ctx context.Context, vector []float32, topK int, scoreThreshold float32, filter Filter) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}

	query := fmt.Sprintf(`
		SELECT id, content, book, chapter, section, chunk_order, chunk_id, created_at,
		       1 - (embedding <=> $1) AS score
		FROM %s
		WHERE ($2 = '' OR chapter = $2)
		  AND ($3 = '' OR section = $3)
		  AND ($4::float4 <= 0 OR 1 - (embedding <=> $1) >= $4)
		ORDER BY embedding <=> $1
		LIMIT $5
	`, s.collection)

	rows, err := s.pool.Query(ctx, query,
		pgvector.NewVector(vector), filter.Chapter, filter.Section, scoreThreshold, topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var score float64
		if err := rows.Scan(&r.ID, &r.Payload.Content, &r.Payload.Book, &r.Payload.Chapter,
			&r.Payload.Section, &r.Payload.ChunkOrder, &r.Payload.ChunkID, &r.Payload.CreatedAt,
			&score); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		r.Score = float32(score)
		results = append(results, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return results, nil
}

func (s *PgvectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", s.collection)
	if _, err := s.pool.Exec(ctx, stmt, ids); err != nil {
		return fmt.Errorf("pgvector delete: %w", err)
	}
	return nil
}

func (s *PgvectorStore) Update(ctx context.Context, id string, vector []float32, payload Payload) error {
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

var _ VectorStore = (*PgvectorStore)(nil)

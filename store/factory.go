package store

import (
	"context"
	"fmt"
	"log"

	"github.com/fabfab/bookrag/config"
	"github.com/fabfab/bookrag/retry"
)

// New builds the configured VectorStore backend.
func New(ctx context.Context, cfg config.Config, policy retry.Policy, logger *log.Logger) (VectorStore, error) {
	switch cfg.Store.Backend {
	case config.BackendQdrant:
		return NewQdrantStore(QdrantOptions{
			Addr:       cfg.Store.QdrantAddr,
			Collection: cfg.Store.Collection,
			Dimension:  cfg.Embeddings.Dimension,
			BatchSize:  cfg.Store.BatchSize,
			Policy:     policy,
		}, logger)
	case config.BackendPgvector:
		return NewPgvectorStore(ctx, PgvectorOptions{
			DSN:        cfg.Store.PostgresDSN,
			Collection: cfg.Store.Collection,
			Dimension:  cfg.Embeddings.Dimension,
			BatchSize:  cfg.Store.BatchSize,
			Policy:     policy,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
}

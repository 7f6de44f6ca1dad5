package similarity

import (
	"context"

	"github.com/checkmate-sg/checkmate-core/internal/storage"
)

// Index is the vector-search surface the engine matches against. The primary
// implementation searches pgvector columns in Postgres; a Qdrant-backed
// implementation can be selected by config for deployments with a dedicated
// vector store.
type Index interface {
	SearchText(ctx context.Context, vec []float32, k int, opts storage.VectorSearchOptions) ([]storage.SimilarCheck, error)
	SearchCaption(ctx context.Context, vec []float32, k int, opts storage.VectorSearchOptions) ([]storage.SimilarCheck, error)
	SearchImage(ctx context.Context, vec []float32, k int, opts storage.VectorSearchOptions) ([]storage.SimilarCheck, error)
}

// PGVectorIndex adapts the storage layer's pgvector searches to the Index
// interface.
type PGVectorIndex struct {
	db *storage.DB
}

// NewPGVectorIndex creates the Postgres-backed index.
func NewPGVectorIndex(db *storage.DB) *PGVectorIndex {
	return &PGVectorIndex{db: db}
}

func (idx *PGVectorIndex) SearchText(ctx context.Context, vec []float32, k int, opts storage.VectorSearchOptions) ([]storage.SimilarCheck, error) {
	return idx.db.FindSimilarTextEmbedding(ctx, vec, k, opts)
}

func (idx *PGVectorIndex) SearchCaption(ctx context.Context, vec []float32, k int, opts storage.VectorSearchOptions) ([]storage.SimilarCheck, error) {
	return idx.db.FindSimilarCaptionEmbedding(ctx, vec, k, opts)
}

func (idx *PGVectorIndex) SearchImage(ctx context.Context, vec []float32, k int, opts storage.VectorSearchOptions) ([]storage.SimilarCheck, error) {
	return idx.db.FindSimilarImageEmbedding(ctx, vec, k, opts)
}

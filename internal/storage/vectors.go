package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/checkmate-sg/checkmate-core/internal/model"
)

// SimilarCheck is one vector-search candidate with the projected fields the
// similarity engine needs for re-verification and tie-breaking.
type SimilarCheck struct {
	ID          string
	Text        *string
	Caption     *string
	ImageHash   *string
	CaptionHash *string
	Timestamp   time.Time
	// Score is cosine similarity for text/caption searches and squared L2
	// distance for pdq searches.
	Score float64
}

// VectorSearchOptions control index-level filtering.
type VectorSearchOptions struct {
	// HumanAssessedOnly restricts candidates to human-assessed checks.
	HumanAssessedOnly bool
	// OnlyCaptioned (pdq search) keeps only checks with a caption when true,
	// only checks without one when false and Captioned is set.
	OnlyCaptioned *bool
}

// FindSimilarTextEmbedding searches the text-embedding index by cosine
// similarity. Candidates are over-fetched 10x at the index level (hnsw
// ef_search) and ordered by similarity, ties broken by earliest timestamp.
func (db *DB) FindSimilarTextEmbedding(ctx context.Context, vec []float32, k int, opts VectorSearchOptions) ([]SimilarCheck, error) {
	return db.findSimilarText(ctx, "text_embedding", vec, k, opts)
}

// FindSimilarCaptionEmbedding searches the caption-embedding index.
func (db *DB) FindSimilarCaptionEmbedding(ctx context.Context, vec []float32, k int, opts VectorSearchOptions) ([]SimilarCheck, error) {
	return db.findSimilarText(ctx, "caption_embedding", vec, k, opts)
}

func (db *DB) findSimilarText(ctx context.Context, column string, vec []float32, k int, opts VectorSearchOptions) ([]SimilarCheck, error) {
	if len(vec) != model.TextEmbeddingDim {
		return nil, fmt.Errorf("storage: embedding has %d dimensions, want %d", len(vec), model.TextEmbeddingDim)
	}
	if k <= 0 {
		k = 1
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin vector search: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// numCandidates = 10 * k at the index level.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", 10*k)); err != nil {
		return nil, fmt.Errorf("storage: set ef_search: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, text, caption, image_hash, caption_hash, timestamp,
			1 - (%[1]s <=> $1) AS score
		FROM checks
		WHERE %[1]s IS NOT NULL
			AND is_expired = false
			AND ($3 = false OR is_human_assessed = true)
		ORDER BY %[1]s <=> $1 ASC, timestamp ASC
		LIMIT $2`, column)

	rows, err := tx.Query(ctx, query, pgvector.NewVector(vec), k, opts.HumanAssessedOnly)
	if err != nil {
		return nil, fmt.Errorf("storage: vector search %s: %w", column, err)
	}
	results, err := scanSimilar(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit vector search: %w", err)
	}
	return results, nil
}

// FindSimilarImageEmbedding searches the pdq-embedding index by L2 distance.
// L2 over binary vectors approximates Hamming distance; callers re-verify
// the top candidates against the exact 64-hex hashes.
func (db *DB) FindSimilarImageEmbedding(ctx context.Context, vec []float32, k int, opts VectorSearchOptions) ([]SimilarCheck, error) {
	if len(vec) != model.PDQEmbeddingDim {
		return nil, fmt.Errorf("storage: pdq embedding has %d dimensions, want %d", len(vec), model.PDQEmbeddingDim)
	}
	if k <= 0 {
		k = 1
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin vector search: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", 10*k)); err != nil {
		return nil, fmt.Errorf("storage: set ef_search: %w", err)
	}

	captionFilter := ""
	if opts.OnlyCaptioned != nil {
		if *opts.OnlyCaptioned {
			captionFilter = "AND caption_hash IS NOT NULL"
		} else {
			captionFilter = "AND caption_hash IS NULL"
		}
	}

	query := fmt.Sprintf(`
		SELECT id, text, caption, image_hash, caption_hash, timestamp,
			pdq_embedding <-> $1 AS score
		FROM checks
		WHERE pdq_embedding IS NOT NULL
			AND is_expired = false
			AND ($3 = false OR is_human_assessed = true)
			%s
		ORDER BY pdq_embedding <-> $1 ASC, timestamp ASC
		LIMIT $2`, captionFilter)

	rows, err := tx.Query(ctx, query, pgvector.NewVector(vec), k, opts.HumanAssessedOnly)
	if err != nil {
		return nil, fmt.Errorf("storage: pdq vector search: %w", err)
	}
	results, err := scanSimilar(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit vector search: %w", err)
	}
	return results, nil
}

func scanSimilar(rows pgx.Rows) ([]SimilarCheck, error) {
	defer rows.Close()
	var results []SimilarCheck
	for rows.Next() {
		var s SimilarCheck
		if err := rows.Scan(&s.ID, &s.Text, &s.Caption, &s.ImageHash, &s.CaptionHash, &s.Timestamp, &s.Score); err != nil {
			return nil, fmt.Errorf("storage: scan similar check: %w", err)
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

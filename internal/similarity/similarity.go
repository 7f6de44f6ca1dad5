// Package similarity decides whether an incoming submission reuses an
// existing check. Matching routes by submission shape: exact hash lookups
// first, then vector search, then (for text) an LLM same-claim tiebreak.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/checkmate-sg/checkmate-core/internal/fingerprint"
	"github.com/checkmate-sg/checkmate-core/internal/llm"
	"github.com/checkmate-sg/checkmate-core/internal/model"
	"github.com/checkmate-sg/checkmate-core/internal/storage"
)

// ErrUpstream marks matching failures caused by an external dependency
// (embedder, vector index, tiebreak LLM). The orchestrator treats these as
// no-match and proceeds with a fresh check rather than blocking the pipeline.
var ErrUpstream = errors.New("similarity: upstream failure")

// Match types.
const (
	MatchTypeText  = "text"
	MatchTypeImage = "image"
	MatchTypeBoth  = "both"
)

// Match is the outcome of a similarity lookup.
type Match struct {
	IsMatch         bool
	CheckID         string
	MatchType       string
	SimilarityScore float64
	// HammingDistance is -1 when not applicable (text matches).
	HammingDistance int
	Reasoning       string
}

func noMatch(reasoning string) Match {
	return Match{HammingDistance: -1, Reasoning: reasoning}
}

// Store is the slice of the storage layer the engine does exact lookups on.
type Store interface {
	FindByTextHash(ctx context.Context, hash string) (model.Check, error)
	FindByImageHash(ctx context.Context, imageHash string, captionHash *string) (model.Check, error)
}

// Embedder produces 384-dim text embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SameClaimChecker is the LLM tiebreak call.
type SameClaimChecker interface {
	SameClaim(ctx context.Context, a, b string) (llm.SameClaimResult, error)
}

// Config holds the matching thresholds. All are operator-tunable.
type Config struct {
	// TextMatchThreshold is the minimum cosine similarity before a text
	// vector candidate is considered.
	TextMatchThreshold float64
	// PDQMatchMaxHamming is the exclusive upper bound on Hamming distance
	// for an image match.
	PDQMatchMaxHamming int
	// TopK is the number of vector candidates fetched.
	TopK int
	// HumanAssessedOnly restricts vector candidates to human-assessed
	// checks (production behavior).
	HumanAssessedOnly bool
}

// Engine routes similarity lookups.
type Engine struct {
	store    Store
	index    Index
	embedder Embedder
	// sameClaim may be nil, in which case the cosine threshold alone decides
	// text matches.
	sameClaim SameClaimChecker
	cfg       Config
	logger    *slog.Logger
}

// NewEngine creates a similarity engine.
func NewEngine(store Store, index Index, embedder Embedder, sameClaim SameClaimChecker, cfg Config, logger *slog.Logger) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Engine{
		store:     store,
		index:     index,
		embedder:  embedder,
		sameClaim: sameClaim,
		cfg:       cfg,
		logger:    logger,
	}
}

// MatchText matches a text submission against prior checks. Exact hash hit
// first; otherwise embed and search the text index, with the same-claim LLM
// as the authoritative tiebreak when a candidate clears the threshold.
func (e *Engine) MatchText(ctx context.Context, text string) (Match, error) {
	hash := fingerprint.HashText(text)

	existing, err := e.store.FindByTextHash(ctx, hash)
	if err == nil {
		return Match{
			IsMatch:         true,
			CheckID:         existing.ID,
			MatchType:       MatchTypeText,
			SimilarityScore: 1.0,
			HammingDistance: -1,
			Reasoning:       "exact text hash match",
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return noMatch(""), fmt.Errorf("similarity: text hash lookup: %w", err)
	}

	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return noMatch(""), fmt.Errorf("similarity: embed text: %v: %w", err, ErrUpstream)
	}

	candidates, err := e.index.SearchText(ctx, vec, e.cfg.TopK, storage.VectorSearchOptions{
		HumanAssessedOnly: e.cfg.HumanAssessedOnly,
	})
	if err != nil {
		return noMatch(""), fmt.Errorf("similarity: text vector search: %v: %w", err, ErrUpstream)
	}
	if len(candidates) == 0 {
		return noMatch("no vector candidates"), nil
	}

	top := candidates[0]
	if top.Score <= e.cfg.TextMatchThreshold {
		return noMatch(fmt.Sprintf("top score %.3f below threshold %.2f", top.Score, e.cfg.TextMatchThreshold)), nil
	}

	if e.sameClaim == nil || top.Text == nil {
		return Match{
			IsMatch:         true,
			CheckID:         top.ID,
			MatchType:       MatchTypeText,
			SimilarityScore: top.Score,
			HammingDistance: -1,
			Reasoning:       fmt.Sprintf("cosine similarity %.3f above threshold", top.Score),
		}, nil
	}

	verdict, err := e.sameClaim.SameClaim(ctx, text, *top.Text)
	if err != nil {
		return noMatch(""), fmt.Errorf("similarity: same-claim check: %v: %w", err, ErrUpstream)
	}
	if !verdict.AreVariantsOfSameClaim {
		return noMatch("same-claim check rejected candidate: " + verdict.Reasoning), nil
	}
	return Match{
		IsMatch:         true,
		CheckID:         top.ID,
		MatchType:       MatchTypeText,
		SimilarityScore: top.Score,
		HammingDistance: -1,
		Reasoning:       verdict.Reasoning,
	}, nil
}

// MatchImage matches an image submission by its PDQ hash. captionHash is nil
// for caption-less submissions. Exact lookup first, then a pdq vector search
// with exact Hamming re-verification on the candidates, since L2 over the
// binary vectors only approximates Hamming.
func (e *Engine) MatchImage(ctx context.Context, imageHash string, captionHash *string) (Match, error) {
	existing, err := e.store.FindByImageHash(ctx, imageHash, captionHash)
	if err == nil {
		matchType := MatchTypeImage
		if captionHash != nil {
			matchType = MatchTypeBoth
		}
		return Match{
			IsMatch:         true,
			CheckID:         existing.ID,
			MatchType:       matchType,
			SimilarityScore: 1.0,
			HammingDistance: 0,
			Reasoning:       "exact image hash match",
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return noMatch(""), fmt.Errorf("similarity: image hash lookup: %w", err)
	}

	vec, err := fingerprint.PDQToVector(imageHash)
	if err != nil {
		return noMatch(""), fmt.Errorf("similarity: pdq vector: %w", err)
	}

	if captionHash == nil {
		return e.matchImageOnly(ctx, imageHash, vec)
	}
	return e.matchImageWithCaption(ctx, imageHash, *captionHash, vec)
}

func (e *Engine) matchImageOnly(ctx context.Context, imageHash string, vec []float32) (Match, error) {
	captioned := false
	candidates, err := e.index.SearchImage(ctx, vec, 1, storage.VectorSearchOptions{
		HumanAssessedOnly: e.cfg.HumanAssessedOnly,
		OnlyCaptioned:     &captioned,
	})
	if err != nil {
		return noMatch(""), fmt.Errorf("similarity: pdq vector search: %v: %w", err, ErrUpstream)
	}
	if len(candidates) == 0 {
		return noMatch("no pdq candidates"), nil
	}

	top := candidates[0]
	if top.ImageHash == nil {
		return noMatch("candidate missing image hash"), nil
	}
	distance, err := fingerprint.HammingDistance(imageHash, *top.ImageHash)
	if err != nil {
		return noMatch(""), fmt.Errorf("similarity: hamming re-verify: %w", err)
	}
	if distance >= e.cfg.PDQMatchMaxHamming {
		return noMatch(fmt.Sprintf("hamming %d at or above limit %d", distance, e.cfg.PDQMatchMaxHamming)), nil
	}
	return Match{
		IsMatch:         true,
		CheckID:         top.ID,
		MatchType:       MatchTypeImage,
		SimilarityScore: top.Score,
		HammingDistance: distance,
		Reasoning:       fmt.Sprintf("pdq hamming %d", distance),
	}, nil
}

// matchImageWithCaption requires both the perceptual hash and the caption
// hash to agree before declaring a match.
func (e *Engine) matchImageWithCaption(ctx context.Context, imageHash, captionHash string, vec []float32) (Match, error) {
	captioned := true
	candidates, err := e.index.SearchImage(ctx, vec, 5, storage.VectorSearchOptions{
		HumanAssessedOnly: e.cfg.HumanAssessedOnly,
		OnlyCaptioned:     &captioned,
	})
	if err != nil {
		return noMatch(""), fmt.Errorf("similarity: pdq vector search: %v: %w", err, ErrUpstream)
	}

	for _, candidate := range candidates {
		if candidate.ImageHash == nil || candidate.CaptionHash == nil {
			continue
		}
		distance, err := fingerprint.HammingDistance(imageHash, *candidate.ImageHash)
		if err != nil {
			e.logger.Warn("skipping candidate with bad image hash", "check_id", candidate.ID, "error", err)
			continue
		}
		if distance < e.cfg.PDQMatchMaxHamming && *candidate.CaptionHash == captionHash {
			return Match{
				IsMatch:         true,
				CheckID:         candidate.ID,
				MatchType:       MatchTypeBoth,
				SimilarityScore: candidate.Score,
				HammingDistance: distance,
				Reasoning:       fmt.Sprintf("pdq hamming %d with equal caption hash", distance),
			}, nil
		}
	}
	return noMatch("no captioned candidate within hamming limit with equal caption hash"), nil
}

package similarity

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/checkmate-sg/checkmate-core/internal/model"
	"github.com/checkmate-sg/checkmate-core/internal/storage"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL    string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey string
	// CollectionPrefix namespaces the three collections, e.g. "checkmate"
	// yields checkmate_text, checkmate_caption, checkmate_pdq.
	CollectionPrefix string
}

// QdrantIndex implements Index backed by a Qdrant server, one collection per
// embedding kind. Postgres remains the source of truth; Qdrant only serves
// the nearest-neighbour queries, so points can always be rebuilt from the
// checks table.
type QdrantIndex struct {
	client *qdrant.Client
	logger *slog.Logger

	textCollection    string
	captionCollection string
	pdqCollection     string
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("similarity: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("similarity: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantIndex connects to the Qdrant server via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("similarity: connect to qdrant at %s:%d: %w", host, port, err)
	}

	prefix := cfg.CollectionPrefix
	if prefix == "" {
		prefix = "checkmate"
	}

	return &QdrantIndex{
		client:            client,
		logger:            logger,
		textCollection:    prefix + "_text",
		captionCollection: prefix + "_caption",
		pdqCollection:     prefix + "_pdq",
	}, nil
}

// EnsureCollections creates the three collections if missing and ensures the
// payload indexes used for filtering. CreateFieldIndex is idempotent on
// Qdrant, so index creation is always attempted.
func (q *QdrantIndex) EnsureCollections(ctx context.Context) error {
	collections := []struct {
		name     string
		dims     uint64
		distance qdrant.Distance
	}{
		{q.textCollection, model.TextEmbeddingDim, qdrant.Distance_Cosine},
		{q.captionCollection, model.TextEmbeddingDim, qdrant.Distance_Cosine},
		{q.pdqCollection, model.PDQEmbeddingDim, qdrant.Distance_Euclid},
	}

	for _, col := range collections {
		exists, err := q.client.CollectionExists(ctx, col.name)
		if err != nil {
			return fmt.Errorf("similarity: check collection %q exists: %w", col.name, err)
		}
		if !exists {
			if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: col.name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     col.dims,
					Distance: col.distance,
				}),
			}); err != nil {
				return fmt.Errorf("similarity: create collection %q: %w", col.name, err)
			}
			q.logger.Info("qdrant: created collection", "collection", col.name, "dims", col.dims)
		}

		boolType := qdrant.FieldType_FieldTypeBool
		for _, field := range []string{"is_expired", "is_human_assessed", "has_caption"} {
			if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: col.name,
				FieldName:      field,
				FieldType:      &boolType,
			}); err != nil {
				return fmt.Errorf("similarity: ensure index on %q.%q: %w", col.name, field, err)
			}
		}
	}
	return nil
}

// CheckPoint is the payload upserted for one check embedding.
type CheckPoint struct {
	CheckID         string
	Vector          []float32
	Text            *string
	Caption         *string
	ImageHash       *string
	CaptionHash     *string
	Timestamp       time.Time
	IsExpired       bool
	IsHumanAssessed bool
}

// pointID derives a stable Qdrant point id from a 24-hex check id.
func pointID(checkID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(checkID)).String())
}

// UpsertText writes a check's text embedding.
func (q *QdrantIndex) UpsertText(ctx context.Context, p CheckPoint) error {
	return q.upsert(ctx, q.textCollection, p)
}

// UpsertCaption writes a check's caption embedding.
func (q *QdrantIndex) UpsertCaption(ctx context.Context, p CheckPoint) error {
	return q.upsert(ctx, q.captionCollection, p)
}

// UpsertImage writes a check's pdq embedding.
func (q *QdrantIndex) UpsertImage(ctx context.Context, p CheckPoint) error {
	return q.upsert(ctx, q.pdqCollection, p)
}

func (q *QdrantIndex) upsert(ctx context.Context, collection string, p CheckPoint) error {
	payload := map[string]any{
		"check_id":          p.CheckID,
		"timestamp_unix":    p.Timestamp.Unix(),
		"is_expired":        p.IsExpired,
		"is_human_assessed": p.IsHumanAssessed,
		"has_caption":       p.Caption != nil,
	}
	if p.Text != nil {
		payload["text"] = *p.Text
	}
	if p.Caption != nil {
		payload["caption"] = *p.Caption
	}
	if p.ImageHash != nil {
		payload["image_hash"] = *p.ImageHash
	}
	if p.CaptionHash != nil {
		payload["caption_hash"] = *p.CaptionHash
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points: []*qdrant.PointStruct{{
			Id:      pointID(p.CheckID),
			Vectors: qdrant.NewVectorsDense(p.Vector),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return fmt.Errorf("similarity: qdrant upsert %s: %w", collection, err)
	}
	return nil
}

func (q *QdrantIndex) SearchText(ctx context.Context, vec []float32, k int, opts storage.VectorSearchOptions) ([]storage.SimilarCheck, error) {
	return q.search(ctx, q.textCollection, vec, k, opts)
}

func (q *QdrantIndex) SearchCaption(ctx context.Context, vec []float32, k int, opts storage.VectorSearchOptions) ([]storage.SimilarCheck, error) {
	return q.search(ctx, q.captionCollection, vec, k, opts)
}

func (q *QdrantIndex) SearchImage(ctx context.Context, vec []float32, k int, opts storage.VectorSearchOptions) ([]storage.SimilarCheck, error) {
	return q.search(ctx, q.pdqCollection, vec, k, opts)
}

func (q *QdrantIndex) search(ctx context.Context, collection string, vec []float32, k int, opts storage.VectorSearchOptions) ([]storage.SimilarCheck, error) {
	if k <= 0 {
		k = 1
	}

	must := []*qdrant.Condition{
		qdrant.NewMatchBool("is_expired", false),
	}
	if opts.HumanAssessedOnly {
		must = append(must, qdrant.NewMatchBool("is_human_assessed", true))
	}
	if opts.OnlyCaptioned != nil {
		must = append(must, qdrant.NewMatchBool("has_caption", *opts.OnlyCaptioned))
	}

	limit := uint64(k)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vec),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("similarity: qdrant search %s: %w", collection, err)
	}

	results := make([]storage.SimilarCheck, 0, len(scored))
	for _, point := range scored {
		payload := point.GetPayload()
		s := storage.SimilarCheck{
			ID:          payload["check_id"].GetStringValue(),
			Score:       float64(point.GetScore()),
			Timestamp:   time.Unix(payload["timestamp_unix"].GetIntegerValue(), 0).UTC(),
			Text:        payloadString(payload, "text"),
			Caption:     payloadString(payload, "caption"),
			ImageHash:   payloadString(payload, "image_hash"),
			CaptionHash: payloadString(payload, "caption_hash"),
		}
		results = append(results, s)
	}

	// Qdrant orders by score only; break exact ties by earliest timestamp to
	// keep parity with the Postgres index.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].Timestamp.Before(results[j].Timestamp)
		}
		return false
	})
	return results, nil
}

func payloadString(payload map[string]*qdrant.Value, key string) *string {
	v, ok := payload[key]
	if !ok {
		return nil
	}
	s := v.GetStringValue()
	if s == "" {
		return nil
	}
	return &s
}

package storage_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checkmate-sg/checkmate-core/internal/fingerprint"
	"github.com/checkmate-sg/checkmate-core/internal/model"
	"github.com/checkmate-sg/checkmate-core/internal/storage"
	"github.com/checkmate-sg/checkmate-core/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(0)
	}

	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

// textVec returns a unit 384-dim vector with weight concentrated at idx,
// so cosine ordering in tests is deterministic.
func textVec(idx int) []float32 {
	vec := make([]float32, model.TextEmbeddingDim)
	vec[idx%model.TextEmbeddingDim] = 1
	return vec
}

func newTextCheck(t *testing.T, text string) *model.Check {
	t.Helper()
	hash := fingerprint.HashText(text)
	return &model.Check{
		ID:       model.NewCheckID(),
		Type:     model.CheckTypeText,
		Text:     &text,
		TextHash: &hash,
	}
}

func TestInsertAndGetCheck(t *testing.T) {
	ctx := context.Background()

	c := newTextCheck(t, "insert-get "+uuid.NewString())
	require.NoError(t, testDB.InsertCheck(ctx, c))

	// Insert fills defaults on the passed record.
	assert.Equal(t, model.GenerationPending, c.GenerationStatus)
	assert.Equal(t, model.CrowdsourcedCategoryUnsure, c.CrowdsourcedCategory)
	assert.False(t, c.Timestamp.IsZero())

	got, err := testDB.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, model.CheckTypeText, got.Type)
	require.NotNil(t, got.Text)
	assert.Equal(t, *c.Text, *got.Text)
	require.NotNil(t, got.TextHash)
	assert.Equal(t, *c.TextHash, *got.TextHash)
	assert.Nil(t, got.LongformResponse)

	// Duplicate id is a conflict.
	dup := newTextCheck(t, "other text")
	dup.ID = c.ID
	require.ErrorIs(t, testDB.InsertCheck(ctx, dup), storage.ErrAlreadyExists)
}

func TestGetCheckNotFound(t *testing.T) {
	_, err := testDB.GetCheck(context.Background(), model.NewCheckID())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateCheckFields(t *testing.T) {
	ctx := context.Background()

	c := newTextCheck(t, "update-fields "+uuid.NewString())
	require.NoError(t, testDB.InsertCheck(ctx, c))

	note := "this claim is false"
	completed := model.GenerationCompleted
	err := testDB.UpdateCheckFields(ctx, c.ID, storage.CheckUpdate{
		GenerationStatus: &completed,
		ShortformResponse: &model.LocalizedResponse{
			EN:        &note,
			Links:     []string{"https://factcheck.example.com/a"},
			Downvoted: boolPtr(false),
			Timestamp: time.Now().UTC(),
		},
		Title:         strPtr("A false claim"),
		Slug:          strPtr("a-false-claim-" + c.ID[:6]),
		TextEmbedding: textVec(1),
	})
	require.NoError(t, err)

	got, err := testDB.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GenerationCompleted, got.GenerationStatus)
	require.NotNil(t, got.ShortformResponse)
	assert.Equal(t, note, *got.ShortformResponse.EN)
	assert.Equal(t, []string{"https://factcheck.example.com/a"}, got.ShortformResponse.Links)
	require.NotNil(t, got.Title)
	assert.Equal(t, "A false claim", *got.Title)

	// Empty update is a no-op, not an error.
	require.NoError(t, testDB.UpdateCheckFields(ctx, c.ID, storage.CheckUpdate{}))

	// Unknown id surfaces ErrNotFound.
	err = testDB.UpdateCheckFields(ctx, model.NewCheckID(), storage.CheckUpdate{Title: strPtr("x")})
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Wrong embedding dimension is rejected before touching the row.
	err = testDB.UpdateCheckFields(ctx, c.ID, storage.CheckUpdate{TextEmbedding: []float32{1, 2, 3}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimensions")
}

func TestFindByTextHash(t *testing.T) {
	ctx := context.Background()

	text := "find-by-text-hash " + uuid.NewString()
	first := newTextCheck(t, text)
	first.Timestamp = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, testDB.InsertCheck(ctx, first))

	second := newTextCheck(t, text)
	require.NoError(t, testDB.InsertCheck(ctx, second))

	// The earliest check with the hash wins.
	got, err := testDB.FindByTextHash(ctx, *first.TextHash)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = testDB.FindByTextHash(ctx, fingerprint.HashText("never submitted "+uuid.NewString()))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindByImageHash(t *testing.T) {
	ctx := context.Background()

	imageHash := strings.Repeat("ab", 32)
	captionHash := fingerprint.HashText("a caption")

	plain := &model.Check{
		ID:        model.NewCheckID(),
		Type:      model.CheckTypeImage,
		ImageURL:  strPtr("https://images.example.com/plain.jpg"),
		ImageHash: &imageHash,
	}
	require.NoError(t, testDB.InsertCheck(ctx, plain))

	captioned := &model.Check{
		ID:          model.NewCheckID(),
		Type:        model.CheckTypeImage,
		ImageURL:    strPtr("https://images.example.com/captioned.jpg"),
		Caption:     strPtr("a caption"),
		ImageHash:   &imageHash,
		CaptionHash: &captionHash,
	}
	require.NoError(t, testDB.InsertCheck(ctx, captioned))

	// nil caption hash only matches checks without a caption.
	got, err := testDB.FindByImageHash(ctx, imageHash, nil)
	require.NoError(t, err)
	assert.Equal(t, plain.ID, got.ID)

	got, err = testDB.FindByImageHash(ctx, imageHash, &captionHash)
	require.NoError(t, err)
	assert.Equal(t, captioned.ID, got.ID)

	otherCaption := fingerprint.HashText("different caption")
	_, err = testDB.FindByImageHash(ctx, imageHash, &otherCaption)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestApplyAssessmentDeltas(t *testing.T) {
	ctx := context.Background()

	c := newTextCheck(t, "assessment "+uuid.NewString())
	note := "note text"
	c.ShortformResponse = &model.LocalizedResponse{EN: &note, Downvoted: boolPtr(false)}
	require.NoError(t, testDB.InsertCheck(ctx, c))

	deltas, err := testDB.ApplyAssessment(ctx, c.ID, storage.AssessmentUpdate{
		IsHumanAssessed:      boolPtr(true),
		CrowdsourcedCategory: strPtr("scam"),
	})
	require.NoError(t, err)
	assert.True(t, deltas.BecameHumanAssessed)
	require.NotNil(t, deltas.CategoryChangedFrom)
	assert.Equal(t, model.CrowdsourcedCategoryUnsure, *deltas.CategoryChangedFrom)
	assert.False(t, deltas.BecameDownvoted)

	// Re-applying the same assessment produces no deltas.
	deltas, err = testDB.ApplyAssessment(ctx, c.ID, storage.AssessmentUpdate{
		IsHumanAssessed:      boolPtr(true),
		CrowdsourcedCategory: strPtr("scam"),
	})
	require.NoError(t, err)
	assert.False(t, deltas.BecameHumanAssessed)
	assert.Nil(t, deltas.CategoryChangedFrom)

	// Downvote flips the flag inside the stored shortform response.
	deltas, err = testDB.ApplyAssessment(ctx, c.ID, storage.AssessmentUpdate{
		IsCommunityNoteDownvoted: boolPtr(true),
	})
	require.NoError(t, err)
	assert.True(t, deltas.BecameDownvoted)

	got, err := testDB.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.IsHumanAssessed)
	assert.Equal(t, "scam", got.CrowdsourcedCategory)
	require.NotNil(t, got.ShortformResponse)
	require.NotNil(t, got.ShortformResponse.Downvoted)
	assert.True(t, *got.ShortformResponse.Downvoted)
	assert.Equal(t, note, *got.ShortformResponse.EN)

	_, err = testDB.ApplyAssessment(ctx, model.NewCheckID(), storage.AssessmentUpdate{
		IsHumanAssessed: boolPtr(true),
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetApprovedForPublishing(t *testing.T) {
	ctx := context.Background()

	c := newTextCheck(t, "approval "+uuid.NewString())
	require.NoError(t, testDB.InsertCheck(ctx, c))

	require.NoError(t, testDB.SetApprovedForPublishing(ctx, c.ID, true, strPtr("alice")))
	got, err := testDB.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.IsApprovedForPublishing)
	require.NotNil(t, got.ApprovedBy)
	assert.Equal(t, "alice", *got.ApprovedBy)

	require.NoError(t, testDB.SetApprovedForPublishing(ctx, c.ID, false, nil))
	got, err = testDB.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.IsApprovedForPublishing)
	assert.Nil(t, got.ApprovedBy)
}

func TestSubmissionLifecycle(t *testing.T) {
	ctx := context.Background()

	text := "submission text"
	sub := &model.Submission{
		RequestID:    uuid.New(),
		SourceType:   model.SourceAPI,
		ConsumerName: "test-consumer",
		Type:         model.CheckTypeText,
		Text:         &text,
	}
	require.NoError(t, testDB.InsertSubmission(ctx, sub))
	assert.Equal(t, model.SubmissionPending, sub.CheckStatus)

	c := newTextCheck(t, text+" "+uuid.NewString())
	require.NoError(t, testDB.InsertCheck(ctx, c))
	require.NoError(t, testDB.ResolveSubmission(ctx, sub.RequestID, c.ID, model.SubmissionCompleted))

	got, err := testDB.GetSubmission(ctx, sub.RequestID)
	require.NoError(t, err)
	require.NotNil(t, got.CheckID)
	assert.Equal(t, c.ID, *got.CheckID)
	assert.Equal(t, model.SubmissionCompleted, got.CheckStatus)
	assert.Equal(t, "test-consumer", got.ConsumerName)

	err = testDB.ResolveSubmission(ctx, uuid.New(), c.ID, model.SubmissionCompleted)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConsumerLifecycle(t *testing.T) {
	ctx := context.Background()
	name := "consumer-" + uuid.NewString()[:8]

	consumer := &model.Consumer{
		Name:                   name,
		KeyPrefix:              "abcd1234",
		KeyHash:                "$argon2id$v=19$m=65536,t=3,p=2$salt$hash",
		AllowedAPIs:            []string{model.APIGetCommunityNote},
		MillisecondsPerRequest: model.DefaultMillisecondsPerRequest,
		Capacity:               model.DefaultBucketCapacity,
		MillisecondsForUpdates: model.DefaultMillisecondsForUpdates,
		Tokens:                 float64(model.DefaultBucketCapacity),
		IsActive:               true,
	}
	require.NoError(t, testDB.CreateConsumer(ctx, consumer))
	require.ErrorIs(t, testDB.CreateConsumer(ctx, consumer), storage.ErrAlreadyExists)

	matches, err := testDB.GetActiveConsumersByKeyPrefix(ctx, "abcd1234")
	require.NoError(t, err)
	found := false
	for _, m := range matches {
		if m.Name == name {
			found = true
			assert.Equal(t, []string{model.APIGetCommunityNote}, m.AllowedAPIs)
		}
	}
	assert.True(t, found)

	require.NoError(t, testDB.UpdateConsumerAPIs(ctx, name, []string{model.APIGetCheck, model.APIGetEmbedding}))

	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	require.NoError(t, testDB.IncrementCallCounters(ctx, name, model.APIGetCheck, at))
	require.NoError(t, testDB.IncrementCallCounters(ctx, name, model.APIGetCheck, at))

	got, err := testDB.GetConsumerByName(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, []string{model.APIGetCheck, model.APIGetEmbedding}, got.AllowedAPIs)
	lifetime, monthly := model.CounterKeys(model.APIGetCheck, at)
	assert.Equal(t, int64(2), got.CallCounters[lifetime])
	assert.Equal(t, int64(2), got.CallCounters[monthly])

	require.NoError(t, testDB.SaveBucketState(ctx, name, 3.5, at))
	got, err = testDB.GetConsumerByName(ctx, name)
	require.NoError(t, err)
	assert.InDelta(t, 3.5, got.Tokens, 0.001)

	require.NoError(t, testDB.DeleteConsumer(ctx, name))
	_, err = testDB.GetConsumerByName(ctx, name)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.ErrorIs(t, testDB.DeleteConsumer(ctx, name), storage.ErrNotFound)
}

func TestFindSimilarTextEmbedding(t *testing.T) {
	ctx := context.Background()

	// Two checks on orthogonal axes plus one close neighbour of the query.
	near := newTextCheck(t, "vector near "+uuid.NewString())
	require.NoError(t, testDB.InsertCheck(ctx, near))
	require.NoError(t, testDB.UpdateCheckFields(ctx, near.ID, storage.CheckUpdate{TextEmbedding: textVec(10)}))

	far := newTextCheck(t, "vector far "+uuid.NewString())
	require.NoError(t, testDB.InsertCheck(ctx, far))
	require.NoError(t, testDB.UpdateCheckFields(ctx, far.ID, storage.CheckUpdate{TextEmbedding: textVec(20)}))

	results, err := testDB.FindSimilarTextEmbedding(ctx, textVec(10), 2, storage.VectorSearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, near.ID, results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 0.001)

	// Human-assessed filter excludes the unassessed neighbour entirely.
	results, err = testDB.FindSimilarTextEmbedding(ctx, textVec(10), 2, storage.VectorSearchOptions{HumanAssessedOnly: true})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, near.ID, r.ID)
	}

	_, err = testDB.FindSimilarTextEmbedding(ctx, []float32{1, 2}, 2, storage.VectorSearchOptions{})
	require.Error(t, err)
}

func TestFindSimilarImageEmbedding(t *testing.T) {
	ctx := context.Background()

	imageHash := strings.Repeat("0f", 32)
	pdqVec, err := fingerprint.PDQToVector(imageHash)
	require.NoError(t, err)

	captioned := &model.Check{
		ID:          model.NewCheckID(),
		Type:        model.CheckTypeImage,
		ImageURL:    strPtr("https://images.example.com/pdq-captioned.jpg"),
		Caption:     strPtr("pdq caption"),
		ImageHash:   &imageHash,
		CaptionHash: strPtr(fingerprint.HashText("pdq caption")),
	}
	require.NoError(t, testDB.InsertCheck(ctx, captioned))
	require.NoError(t, testDB.UpdateCheckFields(ctx, captioned.ID, storage.CheckUpdate{PDQEmbedding: pdqVec}))

	plain := &model.Check{
		ID:        model.NewCheckID(),
		Type:      model.CheckTypeImage,
		ImageURL:  strPtr("https://images.example.com/pdq-plain.jpg"),
		ImageHash: &imageHash,
	}
	require.NoError(t, testDB.InsertCheck(ctx, plain))
	require.NoError(t, testDB.UpdateCheckFields(ctx, plain.ID, storage.CheckUpdate{PDQEmbedding: pdqVec}))

	// An exact pdq match scores distance 0.
	results, err := testDB.FindSimilarImageEmbedding(ctx, pdqVec, 5, storage.VectorSearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.InDelta(t, 0.0, results[0].Score, 0.001)

	// Caption filter partitions the candidates.
	results, err = testDB.FindSimilarImageEmbedding(ctx, pdqVec, 5, storage.VectorSearchOptions{OnlyCaptioned: boolPtr(true)})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotNil(t, r.CaptionHash)
	}
	results, err = testDB.FindSimilarImageEmbedding(ctx, pdqVec, 5, storage.VectorSearchOptions{OnlyCaptioned: boolPtr(false)})
	require.NoError(t, err)
	for _, r := range results {
		assert.Nil(t, r.CaptionHash)
	}
}

func TestBlobRoundtrip(t *testing.T) {
	ctx := context.Background()
	key := "blob-" + uuid.NewString()

	require.NoError(t, testDB.PutBlob(ctx, key, "image/jpeg", []byte{0xff, 0xd8, 0xff}))
	// Write-once: repeated put is a no-op.
	require.NoError(t, testDB.PutBlob(ctx, key, "image/png", []byte{0x89}))

	contentType, data, err := testDB.GetBlob(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", contentType)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, data)

	_, _, err = testDB.GetBlob(ctx, "missing-"+uuid.NewString())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

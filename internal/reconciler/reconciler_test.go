package reconciler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checkmate-sg/checkmate-core/internal/model"
	"github.com/checkmate-sg/checkmate-core/internal/storage"
	"github.com/checkmate-sg/checkmate-core/internal/testutil"
)

type fakeStore struct {
	check   model.Check
	deltas  storage.AssessmentDeltas
	applied []storage.AssessmentUpdate
	err     error
}

func (f *fakeStore) GetCheck(context.Context, string) (model.Check, error) {
	return f.check, nil
}

func (f *fakeStore) ApplyAssessment(_ context.Context, _ string, u storage.AssessmentUpdate) (storage.AssessmentDeltas, error) {
	if f.err != nil {
		return storage.AssessmentDeltas{}, f.err
	}
	f.applied = append(f.applied, u)
	return f.deltas, nil
}

type fakeNotifier struct {
	assessed  int
	category  []string
	downvoted int
	err       error
}

func (f *fakeNotifier) NotifyNewlyAssessed(context.Context, *model.Check) error {
	f.assessed++
	return f.err
}

func (f *fakeNotifier) NotifyCategoryChange(_ context.Context, _ *model.Check, from string) error {
	f.category = append(f.category, from)
	return f.err
}

func (f *fakeNotifier) NotifyCommunityNoteDownvoted(context.Context, *model.Check) error {
	f.downvoted++
	return f.err
}

func boolptr(b bool) *bool    { return &b }
func strptr(s string) *string { return &s }

func TestApplyEmitsNotificationsPerDelta(t *testing.T) {
	store := &fakeStore{
		check: model.Check{ID: "c1", CrowdsourcedCategory: "scam"},
		deltas: storage.AssessmentDeltas{
			BecameHumanAssessed: true,
			CategoryChangedFrom: strptr("unsure"),
		},
	}
	notifier := &fakeNotifier{}
	r := New(store, notifier, testutil.DiscardLogger())

	check, err := r.Apply(context.Background(), "c1", Update{
		IsHumanAssessed:      boolptr(true),
		CrowdsourcedCategory: strptr("scam"),
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", check.ID)

	assert.Equal(t, 1, notifier.assessed)
	assert.Equal(t, []string{"unsure"}, notifier.category)
	assert.Zero(t, notifier.downvoted)
}

func TestApplyNoDeltasNoNotifications(t *testing.T) {
	store := &fakeStore{check: model.Check{ID: "c1"}}
	notifier := &fakeNotifier{}
	r := New(store, notifier, testutil.DiscardLogger())

	_, err := r.Apply(context.Background(), "c1", Update{CrowdsourcedCategory: strptr("scam")})
	require.NoError(t, err)
	assert.Zero(t, notifier.assessed)
	assert.Empty(t, notifier.category)
	assert.Zero(t, notifier.downvoted)
}

func TestApplyDownvoteDelta(t *testing.T) {
	store := &fakeStore{
		check:  model.Check{ID: "c1"},
		deltas: storage.AssessmentDeltas{BecameDownvoted: true},
	}
	notifier := &fakeNotifier{}
	r := New(store, notifier, testutil.DiscardLogger())

	_, err := r.Apply(context.Background(), "c1", Update{IsCommunityNoteDownvoted: boolptr(true)})
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.downvoted)
}

func TestApplyNotifierFailureIsNotFatal(t *testing.T) {
	store := &fakeStore{
		check:  model.Check{ID: "c1"},
		deltas: storage.AssessmentDeltas{BecameHumanAssessed: true},
	}
	notifier := &fakeNotifier{err: errors.New("telegram down")}
	r := New(store, notifier, testutil.DiscardLogger())

	_, err := r.Apply(context.Background(), "c1", Update{IsHumanAssessed: boolptr(true)})
	require.NoError(t, err)
}

func TestApplyStoreFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	r := New(store, &fakeNotifier{}, testutil.DiscardLogger())

	_, err := r.Apply(context.Background(), "c1", Update{IsHumanAssessed: boolptr(true)})
	require.Error(t, err)
}

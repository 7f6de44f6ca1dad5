// Package reconciler applies crowdsourced assessment updates to checks and
// notifies moderators when an observable state flips.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/checkmate-sg/checkmate-core/internal/model"
	"github.com/checkmate-sg/checkmate-core/internal/storage"
)

// Store is the storage surface the reconciler writes through.
type Store interface {
	GetCheck(ctx context.Context, id string) (model.Check, error)
	ApplyAssessment(ctx context.Context, id string, u storage.AssessmentUpdate) (storage.AssessmentDeltas, error)
}

// Notifier posts delta announcements to the moderator channel.
type Notifier interface {
	NotifyNewlyAssessed(ctx context.Context, check *model.Check) error
	NotifyCategoryChange(ctx context.Context, check *model.Check, from string) error
	NotifyCommunityNoteDownvoted(ctx context.Context, check *model.Check) error
}

// Update carries the crowdsourcing fields a voting round may change. Nil
// fields are left untouched.
type Update struct {
	IsHumanAssessed          *bool
	CrowdsourcedCategory     *string
	IsCommunityNoteDownvoted *bool
}

// Reconciler folds voting outcomes into check records.
type Reconciler struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// New creates a reconciler.
func New(store Store, notifier Notifier, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, notifier: notifier, logger: logger}
}

// Apply persists an assessment update atomically and emits one notification
// per flipped state. Notification failures are logged, never returned: the
// database write is the source of truth and already committed.
func (r *Reconciler) Apply(ctx context.Context, checkID string, u Update) (model.Check, error) {
	deltas, err := r.store.ApplyAssessment(ctx, checkID, storage.AssessmentUpdate{
		IsHumanAssessed:          u.IsHumanAssessed,
		CrowdsourcedCategory:     u.CrowdsourcedCategory,
		IsCommunityNoteDownvoted: u.IsCommunityNoteDownvoted,
	})
	if err != nil {
		return model.Check{}, fmt.Errorf("reconciler: apply assessment: %w", err)
	}

	check, err := r.store.GetCheck(ctx, checkID)
	if err != nil {
		return model.Check{}, fmt.Errorf("reconciler: reload check: %w", err)
	}

	if deltas.BecameHumanAssessed {
		if err := r.notifier.NotifyNewlyAssessed(ctx, &check); err != nil {
			r.logger.Warn("newly-assessed notification failed", "check_id", checkID, "error", err)
		}
	}
	if deltas.CategoryChangedFrom != nil {
		if err := r.notifier.NotifyCategoryChange(ctx, &check, *deltas.CategoryChangedFrom); err != nil {
			r.logger.Warn("category-change notification failed", "check_id", checkID, "error", err)
		}
	}
	if deltas.BecameDownvoted {
		if err := r.notifier.NotifyCommunityNoteDownvoted(ctx, &check); err != nil {
			r.logger.Warn("downvote notification failed", "check_id", checkID, "error", err)
		}
	}

	return check, nil
}

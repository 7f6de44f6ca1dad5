package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/checkmate-sg/checkmate-core/internal/model"
)

const checkColumns = `id, type, timestamp, text, image_url, caption,
	text_hash, caption_hash, image_hash,
	longform_response, shortform_response, human_response, title, slug,
	generation_status, is_controversial, is_access_blocked, is_video,
	is_expired, is_human_assessed, is_vote_triggered, is_approved_for_publishing,
	machine_category, crowdsourced_category, poll_id,
	notification_id, community_note_notification_id, approved_by`

// InsertCheck inserts a new check record. The caller reserves the id ahead
// of the write (model.NewCheckID). Embeddings may be nil and written later.
func (db *DB) InsertCheck(ctx context.Context, c *model.Check) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	if c.GenerationStatus == "" {
		c.GenerationStatus = model.GenerationPending
	}
	if c.CrowdsourcedCategory == "" {
		c.CrowdsourcedCategory = model.CrowdsourcedCategoryUnsure
	}

	longform, shortform, human, err := marshalResponses(c)
	if err != nil {
		return err
	}

	_, err = db.pool.Exec(ctx, `
		INSERT INTO checks (
			id, type, timestamp, text, image_url, caption,
			text_hash, caption_hash, image_hash,
			text_embedding, caption_embedding, pdq_embedding,
			longform_response, shortform_response, human_response, title, slug,
			generation_status, is_controversial, is_access_blocked, is_video,
			is_expired, is_human_assessed, is_vote_triggered, is_approved_for_publishing,
			machine_category, crowdsourced_category, poll_id,
			notification_id, community_note_notification_id, approved_by
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28,
			$29, $30, $31
		)`,
		c.ID, c.Type, c.Timestamp, c.Text, c.ImageURL, c.Caption,
		c.TextHash, c.CaptionHash, c.ImageHash,
		nullableVector(c.TextEmbedding), nullableVector(c.CaptionEmbedding), nullableVector(c.PDQEmbedding),
		longform, shortform, human, c.Title, c.Slug,
		c.GenerationStatus, c.IsControversial, c.IsAccessBlocked, c.IsVideo,
		c.IsExpired, c.IsHumanAssessed, c.IsVoteTriggered, c.IsApprovedForPublishing,
		c.MachineCategory, c.CrowdsourcedCategory, c.PollID,
		c.NotificationID, c.CommunityNoteNotificationID, c.ApprovedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: check %s: %w", c.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("storage: insert check: %w", err)
	}
	return nil
}

// GetCheck retrieves a check by id.
func (db *DB) GetCheck(ctx context.Context, id string) (model.Check, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+checkColumns+` FROM checks WHERE id = $1`, id)
	c, err := scanCheck(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Check{}, fmt.Errorf("storage: check %s: %w", id, ErrNotFound)
		}
		return model.Check{}, fmt.Errorf("storage: get check: %w", err)
	}
	return c, nil
}

// FindByTextHash returns the earliest non-expired check with the given text
// hash, or ErrNotFound.
func (db *DB) FindByTextHash(ctx context.Context, hash string) (model.Check, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT `+checkColumns+` FROM checks
		WHERE text_hash = $1 AND is_expired = false
		ORDER BY timestamp ASC LIMIT 1`, hash)
	c, err := scanCheck(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Check{}, ErrNotFound
		}
		return model.Check{}, fmt.Errorf("storage: find by text hash: %w", err)
	}
	return c, nil
}

// FindByImageHash returns the earliest non-expired check whose image hash
// matches. When captionHash is nil only checks without a caption qualify;
// otherwise both hashes must match.
func (db *DB) FindByImageHash(ctx context.Context, imageHash string, captionHash *string) (model.Check, error) {
	var row pgx.Row
	if captionHash == nil {
		row = db.pool.QueryRow(ctx, `
			SELECT `+checkColumns+` FROM checks
			WHERE image_hash = $1 AND caption_hash IS NULL AND is_expired = false
			ORDER BY timestamp ASC LIMIT 1`, imageHash)
	} else {
		row = db.pool.QueryRow(ctx, `
			SELECT `+checkColumns+` FROM checks
			WHERE image_hash = $1 AND caption_hash = $2 AND is_expired = false
			ORDER BY timestamp ASC LIMIT 1`, imageHash, *captionHash)
	}
	c, err := scanCheck(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Check{}, ErrNotFound
		}
		return model.Check{}, fmt.Errorf("storage: find by image hash: %w", err)
	}
	return c, nil
}

// CheckUpdate is a sparse update over mutable check fields. Nil fields are
// left untouched; updates use set-semantics and are idempotent under retry.
type CheckUpdate struct {
	GenerationStatus  *model.GenerationStatus
	LongformResponse  *model.LocalizedResponse
	ShortformResponse *model.LocalizedResponse
	HumanResponse     *model.LocalizedResponse
	Title             *string
	Slug              *string
	IsControversial   *bool
	IsAccessBlocked   *bool
	IsVideo           *bool
	IsVoteTriggered   *bool
	MachineCategory   *string
	PollID            *string

	NotificationID              *int
	CommunityNoteNotificationID *int

	TextEmbedding    []float32
	CaptionEmbedding []float32
	PDQEmbedding     []float32
}

// UpdateCheckFields applies a sparse update atomically.
func (db *DB) UpdateCheckFields(ctx context.Context, id string, u CheckUpdate) error {
	set := make([]string, 0, 16)
	args := make([]any, 0, 16)
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)+1))
	}

	if u.GenerationStatus != nil {
		add("generation_status", *u.GenerationStatus)
	}
	if u.LongformResponse != nil {
		b, err := json.Marshal(u.LongformResponse)
		if err != nil {
			return fmt.Errorf("storage: marshal longform: %w", err)
		}
		add("longform_response", b)
	}
	if u.ShortformResponse != nil {
		b, err := json.Marshal(u.ShortformResponse)
		if err != nil {
			return fmt.Errorf("storage: marshal shortform: %w", err)
		}
		add("shortform_response", b)
	}
	if u.HumanResponse != nil {
		b, err := json.Marshal(u.HumanResponse)
		if err != nil {
			return fmt.Errorf("storage: marshal human response: %w", err)
		}
		add("human_response", b)
	}
	if u.Title != nil {
		add("title", *u.Title)
	}
	if u.Slug != nil {
		add("slug", *u.Slug)
	}
	if u.IsControversial != nil {
		add("is_controversial", *u.IsControversial)
	}
	if u.IsAccessBlocked != nil {
		add("is_access_blocked", *u.IsAccessBlocked)
	}
	if u.IsVideo != nil {
		add("is_video", *u.IsVideo)
	}
	if u.IsVoteTriggered != nil {
		add("is_vote_triggered", *u.IsVoteTriggered)
	}
	if u.MachineCategory != nil {
		add("machine_category", *u.MachineCategory)
	}
	if u.PollID != nil {
		add("poll_id", *u.PollID)
	}
	if u.NotificationID != nil {
		add("notification_id", *u.NotificationID)
	}
	if u.CommunityNoteNotificationID != nil {
		add("community_note_notification_id", *u.CommunityNoteNotificationID)
	}
	if u.TextEmbedding != nil {
		if len(u.TextEmbedding) != model.TextEmbeddingDim {
			return fmt.Errorf("storage: text embedding has %d dimensions, want %d", len(u.TextEmbedding), model.TextEmbeddingDim)
		}
		add("text_embedding", pgvector.NewVector(u.TextEmbedding))
	}
	if u.CaptionEmbedding != nil {
		if len(u.CaptionEmbedding) != model.TextEmbeddingDim {
			return fmt.Errorf("storage: caption embedding has %d dimensions, want %d", len(u.CaptionEmbedding), model.TextEmbeddingDim)
		}
		add("caption_embedding", pgvector.NewVector(u.CaptionEmbedding))
	}
	if u.PDQEmbedding != nil {
		if len(u.PDQEmbedding) != model.PDQEmbeddingDim {
			return fmt.Errorf("storage: pdq embedding has %d dimensions, want %d", len(u.PDQEmbedding), model.PDQEmbeddingDim)
		}
		add("pdq_embedding", pgvector.NewVector(u.PDQEmbedding))
	}

	if len(set) == 0 {
		return nil
	}

	query := "UPDATE checks SET " + strings.Join(set, ", ") + " WHERE id = $1"
	tag, err := db.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("storage: update check: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: check %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetApprovedForPublishing sets or clears the moderator approval state.
func (db *DB) SetApprovedForPublishing(ctx context.Context, id string, approved bool, approvedBy *string) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE checks SET is_approved_for_publishing = $2, approved_by = $3 WHERE id = $1`,
		id, approved, approvedBy)
	if err != nil {
		return fmt.Errorf("storage: set approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: check %s: %w", id, ErrNotFound)
	}
	return nil
}

// AssessmentUpdate is the reconciler's atomic edit to a check.
type AssessmentUpdate struct {
	IsHumanAssessed          *bool
	CrowdsourcedCategory     *string
	IsCommunityNoteDownvoted *bool
}

// AssessmentDeltas reports which observable states flipped as a result of an
// assessment update, computed against the row's before-image.
type AssessmentDeltas struct {
	BecameHumanAssessed bool
	BecameDownvoted     bool
	CategoryChangedFrom *string // nil when the category did not change
}

// ApplyAssessment applies an assessment update atomically, locking the row
// and returning the deltas relative to its before-image. This is the only
// write path outside the owning orchestrator, so lost updates cannot occur.
func (db *DB) ApplyAssessment(ctx context.Context, id string, u AssessmentUpdate) (AssessmentDeltas, error) {
	var (
		wasAssessed  bool
		oldCategory  string
		wasDownvoted bool
	)
	err := db.pool.QueryRow(ctx, `
		UPDATE checks c SET
			is_human_assessed = COALESCE($2, c.is_human_assessed),
			crowdsourced_category = COALESCE($3, c.crowdsourced_category),
			shortform_response = CASE
				WHEN $4::boolean IS NULL THEN c.shortform_response
				ELSE jsonb_set(COALESCE(c.shortform_response, '{}'::jsonb), '{downvoted}', to_jsonb($4::boolean))
			END
		FROM (
			SELECT id,
				is_human_assessed AS was_assessed,
				crowdsourced_category AS old_category,
				COALESCE((shortform_response->>'downvoted')::boolean, false) AS was_downvoted
			FROM checks WHERE id = $1 FOR UPDATE
		) prev
		WHERE c.id = prev.id
		RETURNING prev.was_assessed, prev.old_category, prev.was_downvoted`,
		id, u.IsHumanAssessed, u.CrowdsourcedCategory, u.IsCommunityNoteDownvoted,
	).Scan(&wasAssessed, &oldCategory, &wasDownvoted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AssessmentDeltas{}, fmt.Errorf("storage: check %s: %w", id, ErrNotFound)
		}
		return AssessmentDeltas{}, fmt.Errorf("storage: apply assessment: %w", err)
	}

	var deltas AssessmentDeltas
	if u.IsHumanAssessed != nil && *u.IsHumanAssessed && !wasAssessed {
		deltas.BecameHumanAssessed = true
	}
	if u.IsCommunityNoteDownvoted != nil && *u.IsCommunityNoteDownvoted && !wasDownvoted {
		deltas.BecameDownvoted = true
	}
	if u.CrowdsourcedCategory != nil && *u.CrowdsourcedCategory != oldCategory {
		old := oldCategory
		deltas.CategoryChangedFrom = &old
	}
	return deltas, nil
}

func marshalResponses(c *model.Check) (longform, shortform, human []byte, err error) {
	if c.LongformResponse != nil {
		if longform, err = json.Marshal(c.LongformResponse); err != nil {
			return nil, nil, nil, fmt.Errorf("storage: marshal longform: %w", err)
		}
	}
	if c.ShortformResponse != nil {
		if shortform, err = json.Marshal(c.ShortformResponse); err != nil {
			return nil, nil, nil, fmt.Errorf("storage: marshal shortform: %w", err)
		}
	}
	if c.HumanResponse != nil {
		if human, err = json.Marshal(c.HumanResponse); err != nil {
			return nil, nil, nil, fmt.Errorf("storage: marshal human response: %w", err)
		}
	}
	return longform, shortform, human, nil
}

func scanCheck(row pgx.Row) (model.Check, error) {
	var (
		c                          model.Check
		longform, shortform, human []byte
	)
	err := row.Scan(
		&c.ID, &c.Type, &c.Timestamp, &c.Text, &c.ImageURL, &c.Caption,
		&c.TextHash, &c.CaptionHash, &c.ImageHash,
		&longform, &shortform, &human, &c.Title, &c.Slug,
		&c.GenerationStatus, &c.IsControversial, &c.IsAccessBlocked, &c.IsVideo,
		&c.IsExpired, &c.IsHumanAssessed, &c.IsVoteTriggered, &c.IsApprovedForPublishing,
		&c.MachineCategory, &c.CrowdsourcedCategory, &c.PollID,
		&c.NotificationID, &c.CommunityNoteNotificationID, &c.ApprovedBy,
	)
	if err != nil {
		return model.Check{}, err
	}
	if len(longform) > 0 {
		c.LongformResponse = &model.LocalizedResponse{}
		if err := json.Unmarshal(longform, c.LongformResponse); err != nil {
			return model.Check{}, fmt.Errorf("unmarshal longform: %w", err)
		}
	}
	if len(shortform) > 0 {
		c.ShortformResponse = &model.LocalizedResponse{}
		if err := json.Unmarshal(shortform, c.ShortformResponse); err != nil {
			return model.Check{}, fmt.Errorf("unmarshal shortform: %w", err)
		}
	}
	if len(human) > 0 {
		c.HumanResponse = &model.LocalizedResponse{}
		if err := json.Unmarshal(human, c.HumanResponse); err != nil {
			return model.Check{}, fmt.Errorf("unmarshal human response: %w", err)
		}
	}
	return c, nil
}

func nullableVector(v []float32) any {
	if v == nil {
		return nil
	}
	return pgvector.NewVector(v)
}

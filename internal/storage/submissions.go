package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/checkmate-sg/checkmate-core/internal/model"
)

// InsertSubmission records the audit entry for one inbound request.
// Inserted at admission, before any LLM spend.
func (db *DB) InsertSubmission(ctx context.Context, s *model.Submission) error {
	if s.RequestID == uuid.Nil {
		s.RequestID = uuid.New()
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	if s.CheckStatus == "" {
		s.CheckStatus = model.SubmissionPending
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO submissions (
			request_id, timestamp, source_type, consumer_name, type,
			text, image_url, caption, check_id, check_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.RequestID, s.Timestamp, s.SourceType, s.ConsumerName, s.Type,
		s.Text, s.ImageURL, s.Caption, s.CheckID, s.CheckStatus,
	)
	if err != nil {
		return fmt.Errorf("storage: insert submission: %w", err)
	}
	return nil
}

// ResolveSubmission links a submission to its check and final status.
// Idempotent: repeated calls with the same values are no-ops.
func (db *DB) ResolveSubmission(ctx context.Context, requestID uuid.UUID, checkID string, status model.SubmissionStatus) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE submissions SET check_id = $2, check_status = $3 WHERE request_id = $1`,
		requestID, checkID, status,
	)
	if err != nil {
		return fmt.Errorf("storage: resolve submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: submission %s: %w", requestID, ErrNotFound)
	}
	return nil
}

// GetSubmission retrieves a submission by request id.
func (db *DB) GetSubmission(ctx context.Context, requestID uuid.UUID) (model.Submission, error) {
	var s model.Submission
	err := db.pool.QueryRow(ctx, `
		SELECT request_id, timestamp, source_type, consumer_name, type,
			text, image_url, caption, check_id, check_status
		FROM submissions WHERE request_id = $1`, requestID,
	).Scan(
		&s.RequestID, &s.Timestamp, &s.SourceType, &s.ConsumerName, &s.Type,
		&s.Text, &s.ImageURL, &s.Caption, &s.CheckID, &s.CheckStatus,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Submission{}, fmt.Errorf("storage: submission %s: %w", requestID, ErrNotFound)
		}
		return model.Submission{}, fmt.Errorf("storage: get submission: %w", err)
	}
	return s, nil
}

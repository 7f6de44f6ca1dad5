package model

import (
	"time"

	"github.com/google/uuid"
)

// SourceType distinguishes internal bot traffic from external API consumers.
type SourceType string

const (
	SourceInternal SourceType = "internal"
	SourceAPI      SourceType = "api"
)

// InternalConsumerName is the consumer whose submissions are classified as
// internal traffic.
const InternalConsumerName = "checkmate-whatsapp"

// SubmissionStatus tracks whether the submission's check resolved.
type SubmissionStatus string

const (
	SubmissionPending   SubmissionStatus = "pending"
	SubmissionCompleted SubmissionStatus = "completed"
	SubmissionError     SubmissionStatus = "error"
)

// Submission is the per-request audit entry. Many submissions may point at
// the same check when similarity matching deduplicates them.
type Submission struct {
	RequestID    uuid.UUID        `json:"requestId"`
	Timestamp    time.Time        `json:"timestamp"`
	SourceType   SourceType       `json:"sourceType"`
	ConsumerName string           `json:"consumerName"`
	Type         CheckType        `json:"type"`
	Text         *string          `json:"text,omitempty"`
	ImageURL     *string          `json:"imageUrl,omitempty"`
	Caption      *string          `json:"caption,omitempty"`
	CheckID      *string          `json:"checkId,omitempty"`
	CheckStatus  SubmissionStatus `json:"checkStatus"`
}

// ClassifySource maps a consumer name to its source type.
func ClassifySource(consumerName string) SourceType {
	if consumerName == InternalConsumerName {
		return SourceInternal
	}
	return SourceAPI
}

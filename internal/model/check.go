// Package model defines the core data types shared across the CheckMate
// backend: checks, submissions, consumers, and the HTTP API envelopes.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// CheckType is the shape of the submitted content.
type CheckType string

const (
	CheckTypeText  CheckType = "text"
	CheckTypeImage CheckType = "image"
)

// GenerationStatus tracks a check through its pipeline lifecycle.
// The happy path is pending → completed; error statuses are terminal
// unless the reconciler explicitly resets them.
type GenerationStatus string

const (
	GenerationPending            GenerationStatus = "pending"
	GenerationCompleted          GenerationStatus = "completed"
	GenerationUnusable           GenerationStatus = "unusable"
	GenerationError              GenerationStatus = "error"
	GenerationErrorPreprocessing GenerationStatus = "error-preprocessing"
	GenerationErrorAgentLoop     GenerationStatus = "error-agentLoop"
	GenerationErrorSummarization GenerationStatus = "error-summarization"
	GenerationErrorTranslation   GenerationStatus = "error-translation"
	GenerationErrorOther         GenerationStatus = "error-other"
)

// TextEmbeddingDim is the required dimensionality of text and caption embeddings.
const TextEmbeddingDim = 384

// PDQEmbeddingDim is the dimensionality of the binary PDQ vector.
const PDQEmbeddingDim = 256

// CrowdsourcedCategoryUnsure is the initial crowdsourced category for new checks.
const CrowdsourcedCategoryUnsure = "unsure"

// LocalizedResponse is a report or community note with its translations.
// Shortform responses additionally carry Downvoted; human responses carry
// UpdatedBy.
type LocalizedResponse struct {
	EN        *string   `json:"en,omitempty"`
	CN        *string   `json:"cn,omitempty"`
	MS        *string   `json:"ms,omitempty"`
	ID        *string   `json:"id,omitempty"`
	TA        *string   `json:"ta,omitempty"`
	Links     []string  `json:"links,omitempty"`
	Downvoted *bool     `json:"downvoted,omitempty"`
	UpdatedBy *string   `json:"updatedBy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Check is the persistent unit of fact-checking work. One check may be
// referenced by many submissions; the pipeline orchestrator is its single
// writer until generation reaches a terminal status, after which the
// reconciler may apply human-assessment edits.
type Check struct {
	ID        string    `json:"id"`
	Type      CheckType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Inputs: exactly one of Text or ImageURL is set, per Type.
	Text     *string `json:"text,omitempty"`
	ImageURL *string `json:"imageUrl,omitempty"`
	Caption  *string `json:"caption,omitempty"`

	// Fingerprints, derived once at creation and never mutated.
	TextHash    *string `json:"textHash,omitempty"`
	CaptionHash *string `json:"captionHash,omitempty"`
	ImageHash   *string `json:"imageHash,omitempty"` // 64-hex PDQ

	// Embeddings. Dimensions are strict: 384 for text/caption, 256 for pdq.
	TextEmbedding    []float32 `json:"-"`
	CaptionEmbedding []float32 `json:"-"`
	PDQEmbedding     []float32 `json:"-"`

	// Artifacts.
	LongformResponse  *LocalizedResponse `json:"longformResponse,omitempty"`
	ShortformResponse *LocalizedResponse `json:"shortformResponse,omitempty"`
	HumanResponse     *LocalizedResponse `json:"humanResponse,omitempty"`
	Title             *string            `json:"title,omitempty"`
	Slug              *string            `json:"slug,omitempty"`

	GenerationStatus GenerationStatus `json:"generationStatus"`

	IsControversial         bool `json:"isControversial"`
	IsAccessBlocked         bool `json:"isAccessBlocked"`
	IsVideo                 bool `json:"isVideo"`
	IsExpired               bool `json:"isExpired"`
	IsHumanAssessed         bool `json:"isHumanAssessed"`
	IsVoteTriggered         bool `json:"isVoteTriggered"`
	IsApprovedForPublishing bool `json:"isApprovedForPublishing"`

	MachineCategory      *string `json:"machineCategory,omitempty"`
	CrowdsourcedCategory string  `json:"crowdsourcedCategory"`
	PollID               *string `json:"pollId,omitempty"`

	NotificationID              *int    `json:"notificationId,omitempty"`
	CommunityNoteNotificationID *int    `json:"communityNoteNotificationId,omitempty"`
	ApprovedBy                  *string `json:"approvedBy,omitempty"`
}

// NewCheckID generates an opaque 24-hex-character check identifier from
// 12 bytes of cryptographic randomness.
func NewCheckID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; if it does the
		// process is not in a state worth preserving.
		panic(fmt.Sprintf("model: read random bytes: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// ValidCheckID reports whether id is a well-formed 24-hex check identifier.
func ValidCheckID(id string) bool {
	if len(id) != 24 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// Validate checks the structural invariants of a check record.
func (c *Check) Validate() error {
	switch c.Type {
	case CheckTypeText:
		if c.Text == nil || c.ImageURL != nil {
			return fmt.Errorf("model: text check must have text and no imageUrl")
		}
	case CheckTypeImage:
		if c.ImageURL == nil {
			return fmt.Errorf("model: image check must have imageUrl")
		}
	default:
		return fmt.Errorf("model: unknown check type %q", c.Type)
	}
	if n := len(c.TextEmbedding); n != 0 && n != TextEmbeddingDim {
		return fmt.Errorf("model: text embedding has %d dimensions, want %d", n, TextEmbeddingDim)
	}
	if n := len(c.CaptionEmbedding); n != 0 && n != TextEmbeddingDim {
		return fmt.Errorf("model: caption embedding has %d dimensions, want %d", n, TextEmbeddingDim)
	}
	if n := len(c.PDQEmbedding); n != 0 && n != PDQEmbeddingDim {
		return fmt.Errorf("model: pdq embedding has %d dimensions, want %d", n, PDQEmbeddingDim)
	}
	return nil
}

// IsErrorStatus reports whether s is one of the terminal error statuses.
func IsErrorStatus(s GenerationStatus) bool {
	switch s {
	case GenerationError, GenerationErrorPreprocessing, GenerationErrorAgentLoop,
		GenerationErrorSummarization, GenerationErrorTranslation, GenerationErrorOther:
		return true
	}
	return false
}

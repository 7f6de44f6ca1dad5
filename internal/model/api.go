package model

import "time"

// ErrorCode constants for the API error envelope.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeUpstreamTimeout    = "UPSTREAM_TIMEOUT"
	ErrCodeUpstreamFailure    = "UPSTREAM_FAILURE"
	ErrCodeInvalidFingerprint = "INVALID_FINGERPRINT"
	ErrCodeQuotaExhausted     = "QUOTA_EXHAUSTED"
	ErrCodeAgentLoopExhausted = "AGENT_LOOP_EXHAUSTED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// APIResponse is the standard success envelope.
type APIResponse struct {
	Success bool         `json:"success"`
	ID      string       `json:"id,omitempty"`
	Result  any          `json:"result,omitempty"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Success bool         `json:"success"`
	Error   ErrorDetail  `json:"error"`
	Meta    ResponseMeta `json:"meta"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta carries request metadata echoed on every response.
type ResponseMeta struct {
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
}

// SubmitRequest is the body for POST /getAgentResult and /getCommunityNote.
// Exactly one of Text or ImageURL must be set.
type SubmitRequest struct {
	Text        *string `json:"text,omitempty"`
	ImageURL    *string `json:"imageUrl,omitempty"`
	Caption     *string `json:"caption,omitempty"`
	Provider    *string `json:"provider,omitempty"`
	FindSimilar bool    `json:"findSimilar"`
}

// Validate checks the exactly-one-of constraint.
func (r *SubmitRequest) Validate() error {
	hasText := r.Text != nil && *r.Text != ""
	hasImage := r.ImageURL != nil && *r.ImageURL != ""
	if hasText == hasImage {
		return errExactlyOne
	}
	if !hasImage && r.Caption != nil {
		return errCaptionWithoutImage
	}
	return nil
}

// Type returns the check type implied by the request shape.
func (r *SubmitRequest) Type() CheckType {
	if r.ImageURL != nil && *r.ImageURL != "" {
		return CheckTypeImage
	}
	return CheckTypeText
}

// CheckResult is the result payload for getAgentResult, getCommunityNote and
// GET /check/{id}. getCommunityNote omits Report.
type CheckResult struct {
	Report               *string            `json:"report,omitempty"`
	CommunityNote        *LocalizedResponse `json:"communityNote,omitempty"`
	HumanNote            *LocalizedResponse `json:"humanNote,omitempty"`
	IsControversial      bool               `json:"isControversial"`
	Text                 *string            `json:"text,omitempty"`
	ImageURL             *string            `json:"imageUrl,omitempty"`
	Caption              *string            `json:"caption,omitempty"`
	IsVideo              bool               `json:"isVideo"`
	IsAccessBlocked      bool               `json:"isAccessBlocked"`
	Title                *string            `json:"title,omitempty"`
	Slug                 *string            `json:"slug,omitempty"`
	Timestamp            time.Time          `json:"timestamp"`
	IsHumanAssessed      bool               `json:"isHumanAssessed"`
	IsVoteTriggered      bool               `json:"isVoteTriggered"`
	CrowdsourcedCategory string             `json:"crowdsourcedCategory"`
	GenerationStatus     GenerationStatus   `json:"generationStatus"`
}

// ResultFromCheck projects a check onto the API result shape.
// includeReport controls whether the longform report is exposed.
func ResultFromCheck(c *Check, includeReport bool) CheckResult {
	res := CheckResult{
		CommunityNote:        c.ShortformResponse,
		HumanNote:            c.HumanResponse,
		IsControversial:      c.IsControversial,
		Text:                 c.Text,
		ImageURL:             c.ImageURL,
		Caption:              c.Caption,
		IsVideo:              c.IsVideo,
		IsAccessBlocked:      c.IsAccessBlocked,
		Title:                c.Title,
		Slug:                 c.Slug,
		Timestamp:            c.Timestamp,
		IsHumanAssessed:      c.IsHumanAssessed,
		IsVoteTriggered:      c.IsVoteTriggered,
		CrowdsourcedCategory: c.CrowdsourcedCategory,
		GenerationStatus:     c.GenerationStatus,
	}
	if includeReport && c.LongformResponse != nil {
		res.Report = c.LongformResponse.EN
	}
	return res
}

// EmbeddingRequest is the body for POST /getEmbedding and /getNeedsChecking.
type EmbeddingRequest struct {
	Text string `json:"text"`
}

// EmbeddingResult is the result payload for POST /getEmbedding.
type EmbeddingResult struct {
	Embedding []float32 `json:"embedding"`
}

// NeedsCheckingResult is the result payload for POST /getNeedsChecking.
type NeedsCheckingResult struct {
	NeedsChecking bool `json:"needsChecking"`
}

// PatchCheckRequest is the body for PATCH /check/{id}.
type PatchCheckRequest struct {
	IsHumanAssessed          *bool   `json:"isHumanAssessed,omitempty"`
	CrowdsourcedCategory     *string `json:"crowdsourcedCategory,omitempty"`
	IsCommunityNoteDownvoted *bool   `json:"isCommunityNoteDownvoted,omitempty"`
}

// PatchHumanNoteRequest is the body for PATCH /check/{id}/humanNote.
type PatchHumanNoteRequest struct {
	EN        string   `json:"en"`
	CN        string   `json:"cn"`
	Links     []string `json:"links,omitempty"`
	UpdatedBy string   `json:"updatedBy"`
}

// CreateConsumerRequest is the body for POST /consumers.
type CreateConsumerRequest struct {
	Name                   string   `json:"name"`
	AllowedAPIs            []string `json:"allowedAPIs"`
	MillisecondsPerRequest *int     `json:"millisecondsPerRequest,omitempty"`
	Capacity               *int     `json:"capacity,omitempty"`
	MillisecondsForUpdates *int     `json:"millisecondsForUpdates,omitempty"`
}

// CreateConsumerResult is the result payload for POST /consumers. The API key
// is only ever returned here.
type CreateConsumerResult struct {
	Name   string `json:"name"`
	APIKey string `json:"apiKey"`
}

// UpdateConsumerRequest is the body for PATCH /consumers/{name}.
type UpdateConsumerRequest struct {
	AllowedAPIs []string `json:"allowedAPIs"`
}

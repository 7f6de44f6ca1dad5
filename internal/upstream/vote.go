package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/checkmate-sg/checkmate-core/internal/model"
)

// VoteClient triggers crowdsourced voting through the polls webhook.
type VoteClient struct {
	webhookURL string
	httpClient *http.Client
}

// NewVoteClient creates a client for the voting webhook.
func NewVoteClient(webhookURL string, timeout time.Duration) *VoteClient {
	return &VoteClient{webhookURL: webhookURL, httpClient: newHTTPClient(timeout)}
}

type votePayload struct {
	CheckID           string                   `json:"checkId"`
	Text              *string                  `json:"text,omitempty"`
	ImageURL          *string                  `json:"imageUrl,omitempty"`
	Caption           *string                  `json:"caption,omitempty"`
	LongformResponse  *model.LocalizedResponse `json:"longformResponse,omitempty"`
	ShortformResponse *model.LocalizedResponse `json:"shortformResponse,omitempty"`
}

type voteResponse struct {
	ID string `json:"id"`
}

// TriggerVote registers a poll for the check and returns the poll id. The
// webhook deduplicates by check id: a 409 carries the id of the existing
// poll, which makes retries idempotent.
func (c *VoteClient) TriggerVote(ctx context.Context, check *model.Check) (string, error) {
	body, err := json.Marshal(votePayload{
		CheckID:           check.ID,
		Text:              check.Text,
		ImageURL:          check.ImageURL,
		Caption:           check.Caption,
		LongformResponse:  check.LongformResponse,
		ShortformResponse: check.ShortformResponse,
	})
	if err != nil {
		return "", fmt.Errorf("upstream: vote: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("upstream: vote: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upstream: vote: send request: %v: %w", err, ErrUpstream)
	}
	defer func() { _ = resp.Body.Close() }()

	// 2xx carries the new poll id, 409 the id of a poll created earlier.
	if (resp.StatusCode < 200 || resp.StatusCode >= 300) && resp.StatusCode != http.StatusConflict {
		return "", statusError("vote", resp)
	}

	var result voteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("upstream: vote: decode response: %v: %w", err, ErrUpstream)
	}
	if result.ID == "" {
		return "", fmt.Errorf("upstream: vote: empty poll id: %w", ErrUpstream)
	}
	return result.ID, nil
}

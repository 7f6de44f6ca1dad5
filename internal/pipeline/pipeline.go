// Package pipeline runs the end-to-end check lifecycle: similarity lookup,
// check creation, preprocessing, the agent loop, summarisation, translation,
// moderator notification, and voting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/checkmate-sg/checkmate-core/internal/agent"
	"github.com/checkmate-sg/checkmate-core/internal/fingerprint"
	"github.com/checkmate-sg/checkmate-core/internal/llm"
	"github.com/checkmate-sg/checkmate-core/internal/model"
	"github.com/checkmate-sg/checkmate-core/internal/similarity"
	"github.com/checkmate-sg/checkmate-core/internal/storage"
	"github.com/checkmate-sg/checkmate-core/internal/tools"
	"github.com/checkmate-sg/checkmate-core/internal/upstream"
)

// Store is the storage surface the orchestrator writes through.
type Store interface {
	InsertCheck(ctx context.Context, c *model.Check) error
	GetCheck(ctx context.Context, id string) (model.Check, error)
	UpdateCheckFields(ctx context.Context, id string, u storage.CheckUpdate) error
	InsertSubmission(ctx context.Context, s *model.Submission) error
	ResolveSubmission(ctx context.Context, requestID uuid.UUID, checkID string, status model.SubmissionStatus) error
}

// Matcher is the similarity engine surface.
type Matcher interface {
	MatchText(ctx context.Context, text string) (similarity.Match, error)
	MatchImage(ctx context.Context, imageHash string, captionHash *string) (similarity.Match, error)
}

// Notifier posts to the moderator channel. Returned ints are the channel
// message ids used to thread later messages.
type Notifier interface {
	NotifyNewCheck(ctx context.Context, check *model.Check) (int, error)
	NotifyCompleted(ctx context.Context, check *model.Check, isError bool) (int, error)
}

// Embedder produces text embeddings for background persistence.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ImageHasher computes PDQ hashes.
type ImageHasher interface {
	HashBytes(ctx context.Context, data []byte, contentType string) (upstream.PDQResult, error)
}

// ImageFetcher downloads submitted images through the blob cache.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (*upstream.Image, error)
}

// VoteTrigger registers a poll for a check.
type VoteTrigger interface {
	TriggerVote(ctx context.Context, check *model.Check) (string, error)
}

// AgentRunner is one agent-loop run.
type AgentRunner interface {
	Run(ctx context.Context, tc *tools.Context, startingContent string) (agent.Outcome, error)
}

// LLM is the slice of the LLM client the orchestrator calls directly.
type LLM interface {
	Preprocess(ctx context.Context, in llm.PreprocessInput) (llm.PreprocessResult, error)
	Summarise(ctx context.Context, report string) (string, error)
	Translate(ctx context.Context, text, lang string) (string, error)
	ExtractImageURLs(ctx context.Context, imageDataURL string) ([]string, error)
}

// IndexWriter mirrors embeddings into an external vector index. Nil when
// pgvector serves the searches directly.
type IndexWriter interface {
	UpsertText(ctx context.Context, p similarity.CheckPoint) error
	UpsertCaption(ctx context.Context, p similarity.CheckPoint) error
	UpsertImage(ctx context.Context, p similarity.CheckPoint) error
}

// Config holds orchestrator tunables.
type Config struct {
	// TranslateConcurrent bounds parallel translation calls.
	TranslateConcurrent int
	// ScreenshotConcurrent bounds parallel screenshot fetches during
	// preprocessing.
	ScreenshotConcurrent int
}

// translationTargets are the community-note languages beyond English.
var translationTargets = []string{"cn", "ms", "id", "ta"}

var tracer = otel.Tracer("checkmate/pipeline")

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store         Store
	Matcher       Matcher
	Notifier      Notifier
	Embedder      Embedder
	ImageHasher   ImageHasher
	ImageFetcher  ImageFetcher
	Screenshotter tools.Screenshotter
	Vote          VoteTrigger
	LLM           LLM
	IndexWriter   IndexWriter
	Background    *Executor
	// NewAgent builds a fresh agent run (with its own quota-scoped tool
	// registry) for one check.
	NewAgent func(tc *tools.Context) AgentRunner
	Logger   *slog.Logger
}

// Orchestrator owns check records from creation to terminal status.
type Orchestrator struct {
	deps  Deps
	cfg   Config
	locks *checkLocks
}

// New creates an orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.TranslateConcurrent <= 0 {
		cfg.TranslateConcurrent = len(translationTargets)
	}
	if cfg.ScreenshotConcurrent <= 0 {
		cfg.ScreenshotConcurrent = 4
	}
	return &Orchestrator{deps: deps, cfg: cfg, locks: newCheckLocks()}
}

// Request is one admitted submission.
type Request struct {
	RequestID    uuid.UUID
	ConsumerName string
	Text         *string
	ImageURL     *string
	Caption      *string
	FindSimilar  bool
}

// Outcome is the orchestrator's answer: the check the submission resolved to.
type Outcome struct {
	Check  model.Check
	Reused bool
	Match  *similarity.Match
}

// Process runs a submission end to end. Matched submissions return the prior
// check; fresh ones run the full generation pipeline synchronously.
func (o *Orchestrator) Process(ctx context.Context, req Request) (Outcome, error) {
	checkType := model.CheckTypeText
	if req.ImageURL != nil {
		checkType = model.CheckTypeImage
	}

	ctx, span := tracer.Start(ctx, "pipeline.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("checkmate.request_id", req.RequestID.String()),
		attribute.String("checkmate.check_type", string(checkType)),
	)

	sub := &model.Submission{
		RequestID:    req.RequestID,
		Timestamp:    time.Now().UTC(),
		SourceType:   model.ClassifySource(req.ConsumerName),
		ConsumerName: req.ConsumerName,
		Type:         checkType,
		Text:         req.Text,
		ImageURL:     req.ImageURL,
		Caption:      req.Caption,
		CheckStatus:  model.SubmissionPending,
	}

	// Image submissions need the bytes and the PDQ hash both for matching
	// and for the fresh-check record.
	var img *upstream.Image
	var imageHash *string
	var captionHash *string
	if checkType == model.CheckTypeImage {
		fetched, err := o.deps.ImageFetcher.Fetch(ctx, *req.ImageURL)
		if err != nil {
			return Outcome{}, fmt.Errorf("pipeline: fetch image: %w", err)
		}
		img = fetched

		pdq, err := o.deps.ImageHasher.HashBytes(ctx, img.Data, img.ContentType)
		if err != nil {
			return Outcome{}, fmt.Errorf("pipeline: hash image: %w", err)
		}
		imageHash = &pdq.HashHex

		if req.Caption != nil {
			h := fingerprint.HashText(*req.Caption)
			captionHash = &h
		}
	}

	if req.FindSimilar {
		if outcome, matched := o.trySimilarity(ctx, sub, req, imageHash, captionHash); matched {
			return outcome, nil
		}
	}

	return o.runFresh(ctx, sub, req, img, imageHash, captionHash)
}

// trySimilarity attempts to resolve the submission against a prior check.
// Upstream failures degrade to no-match so a flaky embedder or tiebreak LLM
// never blocks the pipeline.
func (o *Orchestrator) trySimilarity(ctx context.Context, sub *model.Submission, req Request, imageHash, captionHash *string) (Outcome, bool) {
	var match similarity.Match
	var err error

	if req.Text != nil {
		match, err = o.deps.Matcher.MatchText(ctx, *req.Text)
	} else {
		match, err = o.deps.Matcher.MatchImage(ctx, *imageHash, captionHash)
	}
	if err != nil {
		if errors.Is(err, similarity.ErrUpstream) {
			o.deps.Logger.Warn("similarity degraded, proceeding with fresh check",
				"request_id", sub.RequestID, "error", err)
			return Outcome{}, false
		}
		o.deps.Logger.Error("similarity lookup failed, proceeding with fresh check",
			"request_id", sub.RequestID, "error", err)
		return Outcome{}, false
	}
	if !match.IsMatch {
		return Outcome{}, false
	}

	check, err := o.deps.Store.GetCheck(ctx, match.CheckID)
	if err != nil {
		o.deps.Logger.Error("matched check vanished, proceeding with fresh check",
			"check_id", match.CheckID, "error", err)
		return Outcome{}, false
	}

	sub.CheckID = &check.ID
	sub.CheckStatus = model.SubmissionCompleted
	if check.GenerationStatus != model.GenerationCompleted {
		sub.CheckStatus = model.SubmissionPending
	}
	if err := o.deps.Store.InsertSubmission(ctx, sub); err != nil {
		o.deps.Logger.Error("failed to record matched submission",
			"request_id", sub.RequestID, "error", err)
	}

	return Outcome{Check: check, Reused: true, Match: &match}, true
}

// runFresh reserves a check id, records the submission, creates the check,
// and runs generation under the per-id lock.
func (o *Orchestrator) runFresh(ctx context.Context, sub *model.Submission, req Request, img *upstream.Image, imageHash, captionHash *string) (Outcome, error) {
	id := model.NewCheckID()
	sub.CheckID = &id

	if err := o.deps.Store.InsertSubmission(ctx, sub); err != nil {
		return Outcome{}, fmt.Errorf("pipeline: insert submission: %w", err)
	}

	check := &model.Check{
		ID:                   id,
		Type:                 sub.Type,
		Timestamp:            sub.Timestamp,
		Text:                 req.Text,
		ImageURL:             req.ImageURL,
		Caption:              req.Caption,
		ImageHash:            imageHash,
		CaptionHash:          captionHash,
		GenerationStatus:     model.GenerationPending,
		CrowdsourcedCategory: model.CrowdsourcedCategoryUnsure,
	}
	if req.Text != nil {
		h := fingerprint.HashText(*req.Text)
		check.TextHash = &h
	}
	if imageHash != nil {
		if vec, err := fingerprint.PDQToVector(*imageHash); err == nil {
			check.PDQEmbedding = vec
		}
	}

	if err := o.deps.Store.InsertCheck(ctx, check); err != nil {
		return Outcome{}, fmt.Errorf("pipeline: insert check: %w", err)
	}

	o.scheduleEmbeddings(check)

	// Moderators see the new check before any LLM spend. The notification id
	// threads every later message for this check.
	if notificationID, err := o.deps.Notifier.NotifyNewCheck(ctx, check); err != nil {
		o.deps.Logger.Warn("new-check notification failed", "check_id", id, "error", err)
	} else {
		check.NotificationID = &notificationID
		if err := o.deps.Store.UpdateCheckFields(ctx, id, storage.CheckUpdate{NotificationID: &notificationID}); err != nil {
			o.deps.Logger.Warn("failed to persist notification id", "check_id", id, "error", err)
		}
	}

	unlock := o.locks.Lock(id)
	defer unlock()

	if err := o.runGeneration(ctx, check, img); err != nil {
		o.finishWithError(ctx, sub, check, err)
		return Outcome{Check: *check}, nil
	}

	if err := o.deps.Store.ResolveSubmission(ctx, sub.RequestID, id, model.SubmissionCompleted); err != nil {
		o.deps.Logger.Warn("failed to resolve submission", "request_id", sub.RequestID, "error", err)
	}
	return Outcome{Check: *check}, nil
}

// scheduleEmbeddings kicks off the background embedding writes. Completion is
// out of band; failures are logged by the executor and never fatal.
func (o *Orchestrator) scheduleEmbeddings(check *model.Check) {
	id := check.ID

	if check.Text != nil {
		text := *check.Text
		o.deps.Background.Submit("embed-text", func(ctx context.Context) error {
			vec, err := o.deps.Embedder.Embed(ctx, text)
			if err != nil {
				return err
			}
			if err := o.deps.Store.UpdateCheckFields(ctx, id, storage.CheckUpdate{TextEmbedding: vec}); err != nil {
				return err
			}
			if o.deps.IndexWriter != nil {
				return o.deps.IndexWriter.UpsertText(ctx, similarity.CheckPoint{
					CheckID: id, Vector: vec, Text: check.Text, Timestamp: check.Timestamp,
				})
			}
			return nil
		})
	}

	if check.Caption != nil {
		caption := *check.Caption
		o.deps.Background.Submit("embed-caption", func(ctx context.Context) error {
			vec, err := o.deps.Embedder.Embed(ctx, caption)
			if err != nil {
				return err
			}
			if err := o.deps.Store.UpdateCheckFields(ctx, id, storage.CheckUpdate{CaptionEmbedding: vec}); err != nil {
				return err
			}
			if o.deps.IndexWriter != nil {
				return o.deps.IndexWriter.UpsertCaption(ctx, similarity.CheckPoint{
					CheckID: id, Vector: vec, Caption: check.Caption, Timestamp: check.Timestamp,
				})
			}
			return nil
		})
	}

	if o.deps.IndexWriter != nil && len(check.PDQEmbedding) == model.PDQEmbeddingDim {
		vec := check.PDQEmbedding
		o.deps.Background.Submit("index-pdq", func(ctx context.Context) error {
			return o.deps.IndexWriter.UpsertImage(ctx, similarity.CheckPoint{
				CheckID: id, Vector: vec, Caption: check.Caption,
				ImageHash: check.ImageHash, CaptionHash: check.CaptionHash,
				Timestamp: check.Timestamp,
			})
		})
	}
}

// runGeneration executes pipeline steps 5-13 strictly in order. Each step
// wraps its failures with a phase keyword that statusForError maps to the
// terminal generation status.
func (o *Orchestrator) runGeneration(ctx context.Context, check *model.Check, img *upstream.Image) (err error) {
	ctx, span := tracer.Start(ctx, "pipeline.generate")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("checkmate.check_id", check.ID))

	tc := &tools.Context{
		RequestID: check.ID,
		CheckID:   check.ID,
		Logger:    o.deps.Logger.With("check_id", check.ID),
		Scratch:   &tools.Scratch{Type: string(check.Type)},
		Span:      span,
	}
	if check.Text != nil {
		tc.Scratch.Text = *check.Text
	}
	if check.ImageURL != nil {
		tc.Scratch.ImageURL = *check.ImageURL
	}
	if check.Caption != nil {
		tc.Scratch.Caption = *check.Caption
	}

	// URL extraction: regex over the text content plus OCR over the image.
	var texts []string
	if check.Text != nil {
		texts = append(texts, *check.Text)
	}
	if check.Caption != nil {
		texts = append(texts, *check.Caption)
	}
	urls := extractURLs(texts...)
	if img != nil {
		ocrURLs, err := o.deps.LLM.ExtractImageURLs(ctx, img.DataURL())
		if err != nil {
			o.deps.Logger.Warn("image url extraction failed", "check_id", check.ID, "error", err)
		} else {
			urls = mergeURLs(urls, ocrURLs)
		}
	}

	screenshots := o.captureScreenshots(ctx, check.ID, urls)

	// Preprocess.
	pin := llm.PreprocessInput{ScreenshotURLs: screenshots}
	if check.Text != nil {
		pin.Text = *check.Text
	}
	if img != nil {
		pin.ImageDataURL = img.DataURL()
		if check.Caption != nil {
			pin.Caption = *check.Caption
		}
	}
	pre, err := o.deps.LLM.Preprocess(ctx, pin)
	if err != nil {
		return fmt.Errorf("preprocessing failed: %w", err)
	}

	tc.Scratch.Intent = pre.Intent
	slug := slugify(pre.Title, check.ID)
	check.Title = &pre.Title
	check.Slug = &slug
	check.IsAccessBlocked = pre.IsAccessBlocked
	check.IsVideo = pre.IsVideo
	check.MachineCategory = &pre.MachineCategory
	if err := o.deps.Store.UpdateCheckFields(ctx, check.ID, storage.CheckUpdate{
		Title:           check.Title,
		Slug:            check.Slug,
		IsAccessBlocked: &pre.IsAccessBlocked,
		IsVideo:         &pre.IsVideo,
		MachineCategory: check.MachineCategory,
	}); err != nil {
		return fmt.Errorf("preprocessing persist failed: %w", err)
	}

	// Videos cannot be researched; the check is terminal but not an error.
	if pre.IsVideo {
		status := model.GenerationUnusable
		check.GenerationStatus = status
		if err := o.deps.Store.UpdateCheckFields(ctx, check.ID, storage.CheckUpdate{GenerationStatus: &status}); err != nil {
			return fmt.Errorf("preprocessing persist failed: %w", err)
		}
		if _, err := o.deps.Notifier.NotifyCompleted(ctx, check, false); err != nil {
			o.deps.Logger.Warn("unusable notification failed", "check_id", check.ID, "error", err)
		}
		return nil
	}

	// Agent loop.
	run := o.deps.NewAgent(tc)
	outcome, err := run.Run(ctx, tc, pre.StartingContent)
	if err != nil {
		return fmt.Errorf("agent loop failed: %w", err)
	}

	now := time.Now().UTC()
	check.LongformResponse = &model.LocalizedResponse{
		EN:        &outcome.Report,
		Links:     outcome.Sources,
		Timestamp: now,
	}
	check.IsControversial = outcome.IsControversial
	if err := o.deps.Store.UpdateCheckFields(ctx, check.ID, storage.CheckUpdate{
		LongformResponse: check.LongformResponse,
		IsControversial:  &outcome.IsControversial,
	}); err != nil {
		return fmt.Errorf("agent loop persist failed: %w", err)
	}

	// Summarise.
	note, err := o.deps.LLM.Summarise(ctx, outcome.Report)
	if err != nil {
		return fmt.Errorf("summarise failed: %w", err)
	}

	// Translate in parallel.
	translations, err := o.translate(ctx, note)
	if err != nil {
		return fmt.Errorf("translate failed: %w", err)
	}

	downvoted := false
	check.ShortformResponse = &model.LocalizedResponse{
		EN:        &note,
		CN:        translations["cn"],
		MS:        translations["ms"],
		ID:        translations["id"],
		TA:        translations["ta"],
		Links:     outcome.Sources,
		Downvoted: &downvoted,
		Timestamp: time.Now().UTC(),
	}
	status := model.GenerationCompleted
	check.GenerationStatus = status
	if err := o.deps.Store.UpdateCheckFields(ctx, check.ID, storage.CheckUpdate{
		ShortformResponse: check.ShortformResponse,
		GenerationStatus:  &status,
	}); err != nil {
		return fmt.Errorf("summarise persist failed: %w", err)
	}

	// Completion notification with the approve/unpublish controls.
	if noteMsgID, err := o.deps.Notifier.NotifyCompleted(ctx, check, false); err != nil {
		o.deps.Logger.Warn("completion notification failed", "check_id", check.ID, "error", err)
	} else {
		check.CommunityNoteNotificationID = &noteMsgID
		if err := o.deps.Store.UpdateCheckFields(ctx, check.ID, storage.CheckUpdate{CommunityNoteNotificationID: &noteMsgID}); err != nil {
			o.deps.Logger.Warn("failed to persist note notification id", "check_id", check.ID, "error", err)
		}
	}

	o.triggerVote(ctx, check)
	return nil
}

// captureScreenshots renders the extracted URLs in parallel, keeping only
// successful captures. Failures are per-URL and non-fatal.
func (o *Orchestrator) captureScreenshots(ctx context.Context, checkID string, urls []string) []string {
	if len(urls) == 0 {
		return nil
	}

	results := make([]string, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ScreenshotConcurrent)
	for i, u := range urls {
		g.Go(func() error {
			shot, err := o.deps.Screenshotter.Capture(gctx, u, checkID)
			if err != nil {
				o.deps.Logger.Warn("screenshot failed during preprocessing", "check_id", checkID, "url", u, "error", err)
				return nil
			}
			results[i] = shot.ImageURL
			return nil
		})
	}
	_ = g.Wait()

	var captured []string
	for _, s := range results {
		if s != "" {
			captured = append(captured, s)
		}
	}
	return captured
}

// translate renders the community note into all target languages in
// parallel. Any failure fails the whole step.
func (o *Orchestrator) translate(ctx context.Context, note string) (map[string]*string, error) {
	translations := make(map[string]*string, len(translationTargets))
	results := make([]string, len(translationTargets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.TranslateConcurrent)
	for i, lang := range translationTargets {
		g.Go(func() error {
			out, err := o.deps.LLM.Translate(gctx, note, lang)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, lang := range translationTargets {
		out := results[i]
		translations[lang] = &out
	}
	return translations, nil
}

// finishWithError records the terminal error status, still notifies the
// moderators, and still attempts voting with whatever artifacts exist.
func (o *Orchestrator) finishWithError(ctx context.Context, sub *model.Submission, check *model.Check, cause error) {
	status := statusForError(cause)
	check.GenerationStatus = status
	o.deps.Logger.Error("pipeline failed", "check_id", check.ID, "status", string(status), "error", cause)

	if err := o.deps.Store.UpdateCheckFields(ctx, check.ID, storage.CheckUpdate{GenerationStatus: &status}); err != nil {
		o.deps.Logger.Error("failed to persist error status", "check_id", check.ID, "error", err)
	}
	if err := o.deps.Store.ResolveSubmission(ctx, sub.RequestID, check.ID, model.SubmissionError); err != nil {
		o.deps.Logger.Warn("failed to resolve submission", "request_id", sub.RequestID, "error", err)
	}
	if _, err := o.deps.Notifier.NotifyCompleted(ctx, check, true); err != nil {
		o.deps.Logger.Warn("error notification failed", "check_id", check.ID, "error", err)
	}
	o.triggerVote(ctx, check)
}

// triggerVote registers the poll exactly once per check; the webhook's 409
// path makes retries idempotent.
func (o *Orchestrator) triggerVote(ctx context.Context, check *model.Check) {
	if check.IsVoteTriggered {
		return
	}

	pollID, err := o.deps.Vote.TriggerVote(ctx, check)
	if err != nil {
		o.deps.Logger.Warn("vote trigger failed", "check_id", check.ID, "error", err)
		return
	}

	triggered := true
	check.PollID = &pollID
	check.IsVoteTriggered = true
	if err := o.deps.Store.UpdateCheckFields(ctx, check.ID, storage.CheckUpdate{
		PollID:          &pollID,
		IsVoteTriggered: &triggered,
	}); err != nil {
		o.deps.Logger.Error("failed to persist poll id", "check_id", check.ID, "error", err)
	}
}

func mergeURLs(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base))
	for _, u := range base {
		seen[u] = struct{}{}
	}
	for _, raw := range extra {
		u := normalizeURL(raw)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		base = append(base, u)
	}
	return base
}

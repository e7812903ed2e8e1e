package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/guideforge-backend/internal/clients/search"
	"github.com/yungbote/guideforge-backend/internal/clients/writer"
	"github.com/yungbote/guideforge-backend/internal/data/repos"
	types "github.com/yungbote/guideforge-backend/internal/domain"
	"github.com/yungbote/guideforge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/guideforge-backend/internal/pkg/errors"
	"github.com/yungbote/guideforge-backend/internal/pkg/logger"
)

const searchResultLimit = 5

const (
	reasonNoResults = "No matching content was found in the converted documents for this guide."
	reasonExhausted = "This guide couldn't be generated automatically after several tries. A skeleton outline was saved for manual completion."
	reasonCrashed   = "Guide processing stopped unexpectedly. Retry the guide to try again."
)

// GenerateGuideResult is the structured outcome of one guide operation.
// Terminal failures (needs_attention) are reported with a nil error; only
// retryable failures leave Run as a raised error.
type GenerateGuideResult struct {
	GuideID       uuid.UUID `json:"guide_id"`
	Status        string    `json:"status"`
	Completed     bool      `json:"completed"`
	Attempts      int       `json:"attempts"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

type GenerateGuideDeps struct {
	Log         *logger.Logger
	Files       repos.SourceFileRepo
	Guides      repos.GuideRepo
	Search      search.Client
	Writer      writer.Client
	LeaseExpiry time.Duration
}

type GenerateGuideStep struct {
	deps GenerateGuideDeps
}

func NewGenerateGuideStep(deps GenerateGuideDeps) *GenerateGuideStep {
	return &GenerateGuideStep{deps: deps}
}

// LeaseToken is exposed so the hosting activity can renew the app-level
// lease from its heartbeat loop while Run is inside a long external call.
type LeaseToken struct {
	GuideID uuid.UUID
	Token   uuid.UUID
}

// Run executes the guide state machine once: guard -> lease -> search ->
// generate -> finalize. manualRetry marks the explicit operator path that is
// allowed to re-enter needs_attention. onLease fires exactly once, right
// after lease acquisition, handing the token to the caller's heartbeat loop.
func (s *GenerateGuideStep) Run(ctx context.Context, guideID uuid.UUID, manualRetry bool, lastHostAttempt bool, onLease func(LeaseToken)) (GenerateGuideResult, error) {
	dbc := dbctx.Context{Ctx: ctx}

	g, err := s.deps.Guides.GetByID(dbc, guideID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			return GenerateGuideResult{}, fmt.Errorf("guide %s: %w", guideID, err)
		}
		return GenerateGuideResult{}, &TransientError{ItemID: guideID, Stage: "load", Err: err}
	}

	// Idempotency guard. needs_attention short-circuits only on the
	// automatic path; a manual retry is explicitly allowed back in.
	if res, done := guideOutcome(g, manualRetry); done {
		return res, nil
	}

	token := uuid.New()
	cutoff := time.Now().UTC().Add(-s.deps.LeaseExpiry)
	ok, err := s.deps.Guides.AcquireLease(dbc, guideID, token, cutoff, manualRetry)
	if err != nil {
		return GenerateGuideResult{}, &TransientError{ItemID: guideID, Stage: "acquire", Err: err}
	}
	if !ok {
		cur, err := s.deps.Guides.GetByID(dbc, guideID)
		if err != nil {
			return GenerateGuideResult{}, &TransientError{ItemID: guideID, Stage: "acquire-reread", Err: err}
		}
		if res, done := guideOutcome(cur, manualRetry); done {
			return res, nil
		}
		return GenerateGuideResult{}, &ContentionError{ItemID: guideID}
	}
	if onLease != nil {
		onLease(LeaseToken{GuideID: guideID, Token: token})
	}

	// Re-read for the post-acquisition attempt number; it drives the
	// degrading policy. We hold the lease, so the row is ours.
	g, err = s.deps.Guides.GetByID(dbc, guideID)
	if err != nil {
		return GenerateGuideResult{}, &TransientError{ItemID: guideID, Stage: "attempt-reread", Err: err}
	}
	attempt := g.Attempts

	if BudgetExhausted(attempt) {
		return s.finalizeExhausted(dbc, g, token, attempt)
	}

	snippets, searchErr := s.searchStage(ctx, g)
	if searchErr != nil {
		return s.transientOrAbsorb(dbc, g, token, attempt, "searching", searchErr, lastHostAttempt)
	}
	if len(snippets) == 0 {
		// Exhausted business failure: no evidence means no guide, however
		// many attempts remain.
		return s.finalizeNoResults(dbc, g, token, attempt)
	}

	resultSet := types.SearchResultSet{Query: searchQuery(g), Results: snippets}
	advanced, err := s.deps.Guides.AdvanceWithToken(dbc, guideID, token, types.GuideStatusGenerating, map[string]interface{}{
		"search_results": mustJSON(resultSet),
	})
	if err != nil {
		return GenerateGuideResult{}, &TransientError{ItemID: guideID, Stage: "advance", Err: err}
	}
	if !advanced {
		// The lease was taken over mid-operation; stop immediately rather
		// than keep working on an item we no longer own.
		return s.recordedOutcome(dbc, guideID, manualRetry)
	}

	content, genErr := s.deps.Writer.Generate(ctx, writer.Request{
		GuideName:   g.Name,
		Description: g.Description,
		Snippets:    EvidenceForAttempt(attempt, snippets),
		Tier:        TierForAttempt(attempt),
	})
	if genErr != nil {
		return s.transientOrAbsorb(dbc, g, token, attempt, "generating", genErr, lastHostAttempt)
	}

	wrote, err := s.deps.Guides.FinalizeWithToken(dbc, guideID, token, map[string]interface{}{
		"status":            types.GuideStatusCompleted,
		"generated_content": content,
		"failure_reason":    nil,
		"failure_detail":    nil,
	})
	if err != nil {
		return GenerateGuideResult{}, &TransientError{ItemID: guideID, Stage: "finalize", Err: err}
	}
	if !wrote {
		return s.recordedOutcome(dbc, guideID, manualRetry)
	}
	return GenerateGuideResult{GuideID: guideID, Status: types.GuideStatusCompleted, Completed: true, Attempts: attempt}, nil
}

// Cleanup is the catastrophic-failure safety net. The hosting activity calls
// it when Run panics or errors past its absorb point: first a conditional
// terminal write under the held token, then, only if the item is observed
// lease-free and non-terminal, an unconditional one. It never overwrites a
// state written by a concurrent successful holder.
func (s *GenerateGuideStep) Cleanup(ctx context.Context, lt LeaseToken) {
	if lt.GuideID == uuid.Nil {
		return
	}
	dbc := dbctx.Context{Ctx: ctx}
	detail := types.FailureDetail{Kind: "crash", Stage: "cleanup"}
	updates := map[string]interface{}{
		"status":            types.GuideStatusNeedsAttention,
		"generated_content": nil,
		"failure_reason":    reasonCrashed,
		"failure_detail":    mustJSON(detail),
	}
	if lt.Token != uuid.Nil {
		if wrote, err := s.deps.Guides.FinalizeWithToken(dbc, lt.GuideID, lt.Token, updates); err == nil && wrote {
			return
		}
	}
	delete(updates, "status")
	if _, err := s.deps.Guides.ForceNeedsAttentionIfAbandoned(dbc, lt.GuideID, updates); err != nil {
		s.deps.Log.Warn("guide cleanup failed", "guide_id", lt.GuideID, "error", err)
	}
}

func (s *GenerateGuideStep) searchStage(ctx context.Context, g *types.Guide) ([]types.SearchSnippet, error) {
	// The force-failure flag simulates the no-results business outcome
	// end to end; it must not look like a backend error.
	if g.ForceFailure {
		return nil, nil
	}
	files, err := s.deps.Files.ListConvertedByRun(dbctx.Context{Ctx: ctx}, g.GuideRunID)
	if err != nil {
		return nil, err
	}
	corpus := make([]search.Doc, 0, len(files))
	for _, f := range files {
		if f.ExtractedContent == nil {
			continue
		}
		corpus = append(corpus, search.Doc{FileID: f.ID, Filename: f.Filename, Content: *f.ExtractedContent})
	}
	return s.deps.Search.Search(ctx, searchQuery(g), corpus, searchResultLimit)
}

// transientOrAbsorb applies the boundary rule of the retry policy: while the
// host has attempts left the guide resets to pending and the failure is
// rethrown, so the next acquisition re-enters at its degraded tier (and a
// third acquisition lands the skeleton); on the final host attempt it is
// absorbed into a terminal needs_attention write that never crosses the
// operation boundary.
func (s *GenerateGuideStep) transientOrAbsorb(dbc dbctx.Context, g *types.Guide, token uuid.UUID, attempt int, stage string, cause error, lastHostAttempt bool) (GenerateGuideResult, error) {
	if !lastHostAttempt {
		if _, relErr := s.deps.Guides.ReleaseToPending(dbc, g.ID, token); relErr != nil {
			s.deps.Log.Warn("release guide lease failed", "guide_id", g.ID, "error", relErr)
		}
		return GenerateGuideResult{}, &TransientError{ItemID: g.ID, Stage: stage, Err: cause}
	}

	s.deps.Log.Warn("guide retries exhausted; marking needs_attention", "guide_id", g.ID, "attempt", attempt, "stage", stage, "error", cause)
	detail := types.FailureDetail{Kind: "transient_exhausted", Stage: stage, Attempts: attempt, Cause: cause.Error()}
	wrote, err := s.deps.Guides.FinalizeWithToken(dbc, g.ID, token, map[string]interface{}{
		"status":            types.GuideStatusNeedsAttention,
		"generated_content": writer.Skeleton(g.Name, g.Description),
		"failure_reason":    reasonExhausted,
		"failure_detail":    mustJSON(detail),
	})
	if err != nil {
		return GenerateGuideResult{}, &TransientError{ItemID: g.ID, Stage: "absorb", Err: err}
	}
	if !wrote {
		return s.recordedOutcome(dbc, g.ID, false)
	}
	return GenerateGuideResult{GuideID: g.ID, Status: types.GuideStatusNeedsAttention, Attempts: attempt, FailureReason: reasonExhausted}, nil
}

func (s *GenerateGuideStep) finalizeExhausted(dbc dbctx.Context, g *types.Guide, token uuid.UUID, attempt int) (GenerateGuideResult, error) {
	detail := types.FailureDetail{Kind: "attempts_exhausted", Stage: "searching", Attempts: attempt}
	wrote, err := s.deps.Guides.FinalizeWithToken(dbc, g.ID, token, map[string]interface{}{
		"status":            types.GuideStatusNeedsAttention,
		"generated_content": writer.Skeleton(g.Name, g.Description),
		"failure_reason":    reasonExhausted,
		"failure_detail":    mustJSON(detail),
	})
	if err != nil {
		return GenerateGuideResult{}, &TransientError{ItemID: g.ID, Stage: "exhausted", Err: err}
	}
	if !wrote {
		return s.recordedOutcome(dbc, g.ID, false)
	}
	return GenerateGuideResult{GuideID: g.ID, Status: types.GuideStatusNeedsAttention, Attempts: attempt, FailureReason: reasonExhausted}, nil
}

func (s *GenerateGuideStep) finalizeNoResults(dbc dbctx.Context, g *types.Guide, token uuid.UUID, attempt int) (GenerateGuideResult, error) {
	detail := types.FailureDetail{Kind: "no_results", Stage: "searching", Attempts: attempt}
	empty := types.SearchResultSet{Query: searchQuery(g), Results: []types.SearchSnippet{}}
	wrote, err := s.deps.Guides.FinalizeWithToken(dbc, g.ID, token, map[string]interface{}{
		"status":            types.GuideStatusNeedsAttention,
		"search_results":    mustJSON(empty),
		"generated_content": nil,
		"failure_reason":    reasonNoResults,
		"failure_detail":    mustJSON(detail),
	})
	if err != nil {
		return GenerateGuideResult{}, &TransientError{ItemID: g.ID, Stage: "no-results", Err: err}
	}
	if !wrote {
		return s.recordedOutcome(dbc, g.ID, false)
	}
	return GenerateGuideResult{GuideID: g.ID, Status: types.GuideStatusNeedsAttention, Attempts: attempt, FailureReason: reasonNoResults}, nil
}

func (s *GenerateGuideStep) recordedOutcome(dbc dbctx.Context, guideID uuid.UUID, manualRetry bool) (GenerateGuideResult, error) {
	cur, err := s.deps.Guides.GetByID(dbc, guideID)
	if err != nil {
		return GenerateGuideResult{}, &TransientError{ItemID: guideID, Stage: "outcome-reread", Err: err}
	}
	if res, done := guideOutcome(cur, manualRetry); done {
		return res, nil
	}
	return GenerateGuideResult{}, &ContentionError{ItemID: guideID}
}

func guideOutcome(g *types.Guide, manualRetry bool) (GenerateGuideResult, bool) {
	switch g.Status {
	case types.GuideStatusCompleted:
		return GenerateGuideResult{GuideID: g.ID, Status: g.Status, Completed: true, Attempts: g.Attempts}, true
	case types.GuideStatusNeedsAttention:
		if manualRetry {
			return GenerateGuideResult{}, false
		}
		reason := ""
		if g.FailureReason != nil {
			reason = *g.FailureReason
		}
		return GenerateGuideResult{GuideID: g.ID, Status: g.Status, Attempts: g.Attempts, FailureReason: reason}, true
	}
	return GenerateGuideResult{}, false
}

func searchQuery(g *types.Guide) string {
	q := strings.TrimSpace(g.Name + " " + g.Description)
	return q
}

func mustJSON(v interface{}) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte(`{}`))
	}
	return datatypes.JSON(b)
}

package steps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/guideforge-backend/internal/clients/search"
	"github.com/yungbote/guideforge-backend/internal/clients/writer"
	"github.com/yungbote/guideforge-backend/internal/data/repos"
	"github.com/yungbote/guideforge-backend/internal/data/repos/testutil"
	types "github.com/yungbote/guideforge-backend/internal/domain"
	"github.com/yungbote/guideforge-backend/internal/pkg/dbctx"
	"github.com/yungbote/guideforge-backend/internal/pkg/pointers"
)

type fakeSearch struct {
	calls     int
	err       error
	snippets  []types.SearchSnippet
	lastQuery string
}

func (c *fakeSearch) Search(ctx context.Context, query string, corpus []search.Doc, limit int) ([]types.SearchSnippet, error) {
	c.calls++
	c.lastQuery = query
	if c.err != nil {
		return nil, c.err
	}
	return c.snippets, nil
}

type fakeWriter struct {
	calls   int
	err     error
	content string
	lastReq writer.Request
}

func (c *fakeWriter) Generate(ctx context.Context, req writer.Request) (string, error) {
	c.calls++
	c.lastReq = req
	if c.err != nil {
		return "", c.err
	}
	return c.content, nil
}

type guideStepEnv struct {
	step   *GenerateGuideStep
	guides repos.GuideRepo
	files  repos.SourceFileRepo
	search *fakeSearch
	writer *fakeWriter
}

func newGuideStepEnv(tb testing.TB) *guideStepEnv {
	tb.Helper()
	log := testutil.Logger(tb)
	db := testutil.DB(tb)
	files := repos.NewSourceFileRepo(db, log)
	guides := repos.NewGuideRepo(db, log)
	fs := &fakeSearch{}
	fw := &fakeWriter{content: "# Guide\n\nbody"}
	step := NewGenerateGuideStep(GenerateGuideDeps{
		Log:         log,
		Files:       files,
		Guides:      guides,
		Search:      fs,
		Writer:      fw,
		LeaseExpiry: 5 * time.Minute,
	})
	return &guideStepEnv{step: step, guides: guides, files: files, search: fs, writer: fw}
}

func seedCorpus(tb testing.TB, ctx context.Context, runID uuid.UUID) {
	tb.Helper()
	db := testutil.DB(tb)
	f := testutil.SeedFile(tb, ctx, db, runID, 0, types.FileStatusConverted)
	f.ExtractedContent = pointers.String("Section 1: overview. Section 2: procedures.")
	if err := db.Save(f).Error; err != nil {
		tb.Fatalf("save corpus file: %v", err)
	}
}

func someSnippets() []types.SearchSnippet {
	return []types.SearchSnippet{
		{SourceFileID: uuid.New(), Filename: "a.pdf", Snippet: "alpha", Score: 0.9},
		{SourceFileID: uuid.New(), Filename: "b.pdf", Snippet: "beta", Score: 0.5},
		{SourceFileID: uuid.New(), Filename: "c.pdf", Snippet: "gamma", Score: 0.1},
	}
}

func TestGenerateGuideHappyPath(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	env := newGuideStepEnv(t)
	env.search.snippets = someSnippets()

	run := testutil.SeedRun(t, ctx, db, "guide-happy")
	seedCorpus(t, ctx, run.ID)
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusPending)
	g.Name = "Onboarding"
	g.Description = "first week"
	if err := db.Save(g).Error; err != nil {
		t.Fatalf("save: %v", err)
	}

	var leases []LeaseToken
	res, err := env.step.Run(ctx, g.ID, false, false, func(lt LeaseToken) { leases = append(leases, lt) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Completed || res.Status != types.GuideStatusCompleted || res.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(leases) != 1 || leases[0].GuideID != g.ID || leases[0].Token == uuid.Nil {
		t.Fatalf("onLease should fire exactly once with the held token, got %v", leases)
	}
	if env.writer.lastReq.Tier != writer.TierFull || len(env.writer.lastReq.Snippets) != 3 {
		t.Fatalf("first attempt should generate the full tier from all evidence: %+v", env.writer.lastReq)
	}
	if env.search.lastQuery != "Onboarding first week" {
		t.Fatalf("query = %q", env.search.lastQuery)
	}

	cur, err := env.guides.GetByID(dbctx.Context{Ctx: ctx}, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.Status != types.GuideStatusCompleted {
		t.Fatalf("status = %s", cur.Status)
	}
	if cur.GeneratedContent == nil || *cur.GeneratedContent == "" {
		t.Fatal("generated content not persisted")
	}
	if cur.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", cur.Attempts)
	}
	if cur.ProcessingToken != nil || cur.LeaseAcquiredAt != nil || cur.LeaseHeartbeatAt != nil {
		t.Fatal("lease not cleared after finalize")
	}
	set, err := cur.DecodeSearchResults()
	if err != nil {
		t.Fatalf("decode search results: %v", err)
	}
	if set.Query != "Onboarding first week" || len(set.Results) != 3 {
		t.Fatalf("search results not persisted: %+v", set)
	}
}

func TestGenerateGuideTransientReleasesKeepingAttempts(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	env := newGuideStepEnv(t)
	env.search.snippets = someSnippets()
	env.writer.err = errors.New("generation backend unavailable")

	run := testutil.SeedRun(t, ctx, db, "guide-transient")
	seedCorpus(t, ctx, run.ID)
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusPending)

	_, err := env.step.Run(ctx, g.ID, false, false, nil)
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError, got %v", err)
	}

	cur, err := env.guides.GetByID(dbctx.Context{Ctx: ctx}, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.Status != types.GuideStatusPending {
		t.Fatalf("status = %s, want pending for clean re-entry", cur.Status)
	}
	if cur.Attempts != 1 {
		t.Fatalf("attempts = %d, a release must keep the consumed attempt", cur.Attempts)
	}
	if cur.ProcessingToken != nil {
		t.Fatal("lease not released")
	}
}

func TestGenerateGuideSecondAttemptUsesReducedTier(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	env := newGuideStepEnv(t)
	env.search.snippets = someSnippets()

	run := testutil.SeedRun(t, ctx, db, "guide-reduced")
	seedCorpus(t, ctx, run.ID)
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusPending)
	if err := db.Model(g).Update("attempts", 1).Error; err != nil {
		t.Fatalf("update: %v", err)
	}

	res, err := env.step.Run(ctx, g.ID, false, false, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Completed || res.Attempts != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if env.writer.lastReq.Tier != writer.TierReduced {
		t.Fatalf("tier = %s, want reduced on the second attempt", env.writer.lastReq.Tier)
	}
	if len(env.writer.lastReq.Snippets) != 2 {
		t.Fatalf("reduced tier should see the top 2 snippets, got %d", len(env.writer.lastReq.Snippets))
	}
	if env.writer.lastReq.Snippets[0].Filename != "a.pdf" || env.writer.lastReq.Snippets[1].Filename != "b.pdf" {
		t.Fatalf("reduced evidence must keep rank order: %+v", env.writer.lastReq.Snippets)
	}
}

func TestGenerateGuideTransientOnSecondAttemptRethrows(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	env := newGuideStepEnv(t)
	env.search.snippets = someSnippets()
	env.writer.err = errors.New("generation backend unavailable")

	run := testutil.SeedRun(t, ctx, db, "guide-second-transient")
	seedCorpus(t, ctx, run.ID)
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusPending)
	if err := db.Model(g).Update("attempts", 1).Error; err != nil {
		t.Fatalf("update: %v", err)
	}

	_, err := env.step.Run(ctx, g.ID, false, false, nil)
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("a failure with budget left must rethrow, got %v", err)
	}

	cur, err := env.guides.GetByID(dbctx.Context{Ctx: ctx}, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.Status != types.GuideStatusPending || cur.Attempts != 2 {
		t.Fatalf("guide should re-enter as pending at attempts=2, got status=%s attempts=%d", cur.Status, cur.Attempts)
	}

	// The third acquisition gives up gracefully without touching the backends.
	env.search.calls = 0
	env.writer.calls = 0
	res, err := env.step.Run(ctx, g.ID, false, false, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != types.GuideStatusNeedsAttention || res.Attempts != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if env.search.calls != 0 || env.writer.calls != 0 {
		t.Fatal("the skeleton attempt must not reach the backends")
	}

	cur, err = env.guides.GetByID(dbctx.Context{Ctx: ctx}, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.Attempts != 3 || cur.GeneratedContent == nil {
		t.Fatalf("skeleton should land on the third acquisition: attempts=%d", cur.Attempts)
	}
}

func TestGenerateGuideBudgetExhaustedWritesSkeleton(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	env := newGuideStepEnv(t)
	env.search.snippets = someSnippets()

	run := testutil.SeedRun(t, ctx, db, "guide-exhausted")
	seedCorpus(t, ctx, run.ID)
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusPending)
	if err := db.Model(g).Update("attempts", 2).Error; err != nil {
		t.Fatalf("update: %v", err)
	}

	res, err := env.step.Run(ctx, g.ID, false, false, nil)
	if err != nil {
		t.Fatalf("exhaustion is a business outcome, not an error: %v", err)
	}
	if res.Status != types.GuideStatusNeedsAttention || res.Attempts != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if env.search.calls != 0 || env.writer.calls != 0 {
		t.Fatal("an exhausted guide must not reach the backends")
	}

	cur, err := env.guides.GetByID(dbctx.Context{Ctx: ctx}, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.Status != types.GuideStatusNeedsAttention {
		t.Fatalf("status = %s", cur.Status)
	}
	if cur.GeneratedContent == nil || *cur.GeneratedContent == "" {
		t.Fatal("skeleton outline should be saved for manual completion")
	}
	if cur.FailureReason == nil || *cur.FailureReason != reasonExhausted {
		t.Fatalf("failure reason = %v", cur.FailureReason)
	}
	detail, err := cur.DecodeFailureDetail()
	if err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Kind != "attempts_exhausted" || detail.Attempts != 3 {
		t.Fatalf("unexpected detail: %+v", detail)
	}
}

func TestGenerateGuideNoResults(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	env := newGuideStepEnv(t)

	run := testutil.SeedRun(t, ctx, db, "guide-noresults")
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusPending)
	if err := db.Model(g).Update("force_failure", true).Error; err != nil {
		t.Fatalf("update: %v", err)
	}

	res, err := env.step.Run(ctx, g.ID, false, false, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != types.GuideStatusNeedsAttention || res.FailureReason != reasonNoResults {
		t.Fatalf("unexpected result: %+v", res)
	}
	if env.writer.calls != 0 {
		t.Fatal("no evidence means no generation call")
	}

	cur, err := env.guides.GetByID(dbctx.Context{Ctx: ctx}, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.GeneratedContent != nil {
		t.Fatal("a no-results guide must not carry generated content")
	}
	set, err := cur.DecodeSearchResults()
	if err != nil {
		t.Fatalf("decode search results: %v", err)
	}
	if set.Results == nil || len(set.Results) != 0 {
		t.Fatalf("expected an empty recorded result set, got %+v", set)
	}
	detail, err := cur.DecodeFailureDetail()
	if err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Kind != "no_results" {
		t.Fatalf("unexpected detail: %+v", detail)
	}
}

func TestGenerateGuideLastHostAttemptAbsorbs(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	env := newGuideStepEnv(t)
	env.search.snippets = someSnippets()
	env.writer.err = errors.New("still down")

	run := testutil.SeedRun(t, ctx, db, "guide-absorb")
	seedCorpus(t, ctx, run.ID)
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusPending)

	res, err := env.step.Run(ctx, g.ID, false, true, nil)
	if err != nil {
		t.Fatalf("last host attempt must absorb the failure, got %v", err)
	}
	if res.Status != types.GuideStatusNeedsAttention {
		t.Fatalf("unexpected result: %+v", res)
	}

	cur, err := env.guides.GetByID(dbctx.Context{Ctx: ctx}, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.Status != types.GuideStatusNeedsAttention {
		t.Fatalf("status = %s", cur.Status)
	}
	if cur.GeneratedContent == nil {
		t.Fatal("absorbed exhaustion should still save a skeleton")
	}
	detail, err := cur.DecodeFailureDetail()
	if err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Kind != "transient_exhausted" || detail.Stage != "generating" {
		t.Fatalf("unexpected detail: %+v", detail)
	}
}

func TestGenerateGuideManualRetryReenters(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	env := newGuideStepEnv(t)
	env.search.snippets = someSnippets()

	run := testutil.SeedRun(t, ctx, db, "guide-retry")
	seedCorpus(t, ctx, run.ID)
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusNeedsAttention)
	updates := map[string]interface{}{
		"attempts":       1,
		"failure_reason": reasonCrashed,
	}
	if err := db.Model(g).Updates(updates).Error; err != nil {
		t.Fatalf("update: %v", err)
	}

	// The automatic path treats needs_attention as settled.
	res, err := env.step.Run(ctx, g.ID, false, false, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != types.GuideStatusNeedsAttention || res.FailureReason != reasonCrashed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if env.search.calls != 0 {
		t.Fatal("automatic path must not reprocess a needs_attention guide")
	}

	// The manual path is allowed back in and consumes one more attempt.
	res, err = env.step.Run(ctx, g.ID, true, false, nil)
	if err != nil {
		t.Fatalf("manual retry: %v", err)
	}
	if !res.Completed || res.Attempts != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	cur, err := env.guides.GetByID(dbctx.Context{Ctx: ctx}, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.Status != types.GuideStatusCompleted {
		t.Fatalf("status = %s", cur.Status)
	}
	if cur.FailureReason != nil {
		t.Fatal("completion must clear the stale failure reason")
	}
}

func TestGenerateGuideCompletedGuard(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	env := newGuideStepEnv(t)

	run := testutil.SeedRun(t, ctx, db, "guide-completed-guard")
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusCompleted)
	updates := map[string]interface{}{
		"attempts":          1,
		"generated_content": "done already",
	}
	if err := db.Model(g).Updates(updates).Error; err != nil {
		t.Fatalf("update: %v", err)
	}

	for _, manual := range []bool{false, true} {
		res, err := env.step.Run(ctx, g.ID, manual, false, nil)
		if err != nil {
			t.Fatalf("manual=%v: %v", manual, err)
		}
		if !res.Completed || res.Attempts != 1 {
			t.Fatalf("manual=%v: unexpected result: %+v", manual, res)
		}
	}
	if env.search.calls != 0 || env.writer.calls != 0 {
		t.Fatal("completed guard must not reach the backends")
	}
}

func TestGenerateGuideCleanup(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	env := newGuideStepEnv(t)

	run := testutil.SeedRun(t, ctx, db, "guide-cleanup")
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusPending)

	token := uuid.New()
	cutoff := time.Now().UTC().Add(-5 * time.Minute)
	ok, err := env.guides.AcquireLease(dbctx.Context{Ctx: ctx}, g.ID, token, cutoff, false)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	env.step.Cleanup(ctx, LeaseToken{GuideID: g.ID, Token: token})

	cur, err := env.guides.GetByID(dbctx.Context{Ctx: ctx}, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.Status != types.GuideStatusNeedsAttention {
		t.Fatalf("status = %s, want needs_attention after crash cleanup", cur.Status)
	}
	if cur.FailureReason == nil || *cur.FailureReason != reasonCrashed {
		t.Fatalf("failure reason = %v", cur.FailureReason)
	}
	detail, err := cur.DecodeFailureDetail()
	if err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Kind != "crash" {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if cur.ProcessingToken != nil {
		t.Fatal("cleanup must clear the lease")
	}
}

func TestGenerateGuideCleanupNeverClobbersCompleted(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	env := newGuideStepEnv(t)

	run := testutil.SeedRun(t, ctx, db, "guide-cleanup-noop")
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusCompleted)
	if err := db.Model(g).Update("generated_content", "finished work").Error; err != nil {
		t.Fatalf("update: %v", err)
	}

	env.step.Cleanup(ctx, LeaseToken{GuideID: g.ID, Token: uuid.New()})

	cur, err := env.guides.GetByID(dbctx.Context{Ctx: ctx}, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.Status != types.GuideStatusCompleted {
		t.Fatalf("cleanup overwrote a completed guide: %s", cur.Status)
	}
	if cur.GeneratedContent == nil || *cur.GeneratedContent != "finished work" {
		t.Fatal("cleanup touched the completed content")
	}
}

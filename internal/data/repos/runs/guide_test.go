package runs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/guideforge-backend/internal/data/repos/testutil"
	types "github.com/yungbote/guideforge-backend/internal/domain"
	"github.com/yungbote/guideforge-backend/internal/pkg/dbctx"
)

func guideRepoUnderTest(tb testing.TB) GuideRepo {
	tb.Helper()
	return NewGuideRepo(testutil.DB(tb), testutil.Logger(tb))
}

func freshCutoff() time.Time {
	return time.Now().UTC().Add(-5 * time.Minute)
}

func TestGuideAcquireLeaseExclusive(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := guideRepoUnderTest(t)
	dbc := dbctx.Context{Ctx: ctx}

	run := testutil.SeedRun(t, ctx, db, "lease-exclusive")
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusPending)

	first, second := uuid.New(), uuid.New()
	ok, err := repo.AcquireLease(dbc, g.ID, first, freshCutoff(), false)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = repo.AcquireLease(dbc, g.ID, second, freshCutoff(), false)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("two concurrent acquirers both observed success")
	}

	cur, err := repo.GetByID(dbc, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.Status != types.GuideStatusSearching {
		t.Fatalf("status = %s", cur.Status)
	}
	if cur.ProcessingToken == nil || *cur.ProcessingToken != first {
		t.Fatalf("token = %v, want the winner's", cur.ProcessingToken)
	}
	if cur.Attempts != 1 {
		t.Fatalf("attempts = %d, the losing acquire must not count", cur.Attempts)
	}
}

func TestGuideAcquireLeaseCountsAcquisitions(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := guideRepoUnderTest(t)
	dbc := dbctx.Context{Ctx: ctx}

	run := testutil.SeedRun(t, ctx, db, "lease-attempts")
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusPending)

	token := uuid.New()
	if ok, err := repo.AcquireLease(dbc, g.ID, token, freshCutoff(), false); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.ReleaseToPending(dbc, g.ID, token); err != nil || !ok {
		t.Fatalf("release: ok=%v err=%v", ok, err)
	}

	cur, err := repo.GetByID(dbc, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.Status != types.GuideStatusPending || cur.Attempts != 1 {
		t.Fatalf("after release: status=%s attempts=%d", cur.Status, cur.Attempts)
	}
	if cur.ProcessingToken != nil || cur.LeaseHeartbeatAt != nil {
		t.Fatal("release must clear the lease columns")
	}

	if ok, err := repo.AcquireLease(dbc, g.ID, uuid.New(), freshCutoff(), false); err != nil || !ok {
		t.Fatalf("reacquire: ok=%v err=%v", ok, err)
	}
	cur, err = repo.GetByID(dbc, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.Attempts != 2 {
		t.Fatalf("attempts = %d, want one per acquisition", cur.Attempts)
	}
}

func TestGuideAcquireLeaseTakesOverExpired(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := guideRepoUnderTest(t)
	dbc := dbctx.Context{Ctx: ctx}

	run := testutil.SeedRun(t, ctx, db, "lease-takeover")
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusGenerating)

	dead := uuid.New()
	stale := time.Now().UTC().Add(-30 * time.Minute)
	updates := map[string]interface{}{
		"attempts":           1,
		"processing_token":   dead,
		"lease_acquired_at":  stale,
		"lease_heartbeat_at": stale,
	}
	if err := db.Model(g).Updates(updates).Error; err != nil {
		t.Fatalf("update: %v", err)
	}

	ok, err := repo.AcquireLease(dbc, g.ID, uuid.New(), freshCutoff(), false)
	if err != nil || !ok {
		t.Fatalf("takeover: ok=%v err=%v", ok, err)
	}

	cur, err := repo.GetByID(dbc, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.Attempts != 2 {
		t.Fatalf("attempts = %d, a takeover is an acquisition", cur.Attempts)
	}
	if cur.Status != types.GuideStatusSearching {
		t.Fatalf("status = %s, takeover restarts from searching", cur.Status)
	}
}

func TestGuideAcquireLeaseLiveHeartbeatBlocks(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := guideRepoUnderTest(t)
	dbc := dbctx.Context{Ctx: ctx}

	run := testutil.SeedRun(t, ctx, db, "lease-heartbeat")
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusGenerating)

	// Acquisition is old but the holder has been heartbeating.
	holder := uuid.New()
	old := time.Now().UTC().Add(-30 * time.Minute)
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"processing_token":   holder,
		"lease_acquired_at":  old,
		"lease_heartbeat_at": now,
	}
	if err := db.Model(g).Updates(updates).Error; err != nil {
		t.Fatalf("update: %v", err)
	}

	ok, err := repo.AcquireLease(dbc, g.ID, uuid.New(), freshCutoff(), false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatal("a lease with a live heartbeat must not be taken over")
	}
}

func TestGuideAcquireLeaseNeedsAttentionGate(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := guideRepoUnderTest(t)
	dbc := dbctx.Context{Ctx: ctx}

	run := testutil.SeedRun(t, ctx, db, "lease-gate")
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusNeedsAttention)

	ok, err := repo.AcquireLease(dbc, g.ID, uuid.New(), freshCutoff(), false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatal("automatic processing must not re-enter needs_attention")
	}

	ok, err = repo.AcquireLease(dbc, g.ID, uuid.New(), freshCutoff(), true)
	if err != nil || !ok {
		t.Fatalf("manual retry acquire: ok=%v err=%v", ok, err)
	}
}

func TestGuideRenewLease(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := guideRepoUnderTest(t)
	dbc := dbctx.Context{Ctx: ctx}

	run := testutil.SeedRun(t, ctx, db, "lease-renew")
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusPending)

	token := uuid.New()
	if ok, err := repo.AcquireLease(dbc, g.ID, token, freshCutoff(), false); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	before, err := repo.GetByID(dbc, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	ok, err := repo.RenewLease(dbc, g.ID, token)
	if err != nil || !ok {
		t.Fatalf("renew: ok=%v err=%v", ok, err)
	}
	after, err := repo.GetByID(dbc, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !after.LeaseHeartbeatAt.After(*before.LeaseHeartbeatAt) {
		t.Fatal("renew did not advance the heartbeat")
	}

	ok, err = repo.RenewLease(dbc, g.ID, uuid.New())
	if err != nil {
		t.Fatalf("stale renew: %v", err)
	}
	if ok {
		t.Fatal("a stale token must not renew the lease")
	}
}

func TestGuideFinalizeStaleTokenIsNoop(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := guideRepoUnderTest(t)
	dbc := dbctx.Context{Ctx: ctx}

	run := testutil.SeedRun(t, ctx, db, "lease-stale-finalize")
	g := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusPending)

	if ok, err := repo.AcquireLease(dbc, g.ID, uuid.New(), freshCutoff(), false); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	wrote, err := repo.FinalizeWithToken(dbc, g.ID, uuid.New(), map[string]interface{}{
		"status":            types.GuideStatusCompleted,
		"generated_content": "stale result",
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if wrote {
		t.Fatal("a stale holder must not finalize")
	}

	cur, err := repo.GetByID(dbc, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.Status != types.GuideStatusSearching || cur.GeneratedContent != nil {
		t.Fatalf("stale finalize mutated the row: %+v", cur)
	}
}

func TestGuideForceNeedsAttentionIfAbandoned(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := guideRepoUnderTest(t)
	dbc := dbctx.Context{Ctx: ctx}

	run := testutil.SeedRun(t, ctx, db, "lease-abandoned")

	// A row with a live token is not abandoned.
	held := testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusPending)
	if ok, err := repo.AcquireLease(dbc, held.ID, uuid.New(), freshCutoff(), false); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	forced, err := repo.ForceNeedsAttentionIfAbandoned(dbc, held.ID, nil)
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if forced {
		t.Fatal("a held row must not be forced")
	}

	// Terminal rows are never touched.
	done := testutil.SeedGuide(t, ctx, db, run.ID, 1, types.GuideStatusCompleted)
	forced, err = repo.ForceNeedsAttentionIfAbandoned(dbc, done.ID, nil)
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if forced {
		t.Fatal("a completed row must not be forced")
	}

	// Lease-free and non-terminal is the only eligible shape.
	orphan := testutil.SeedGuide(t, ctx, db, run.ID, 2, types.GuideStatusSearching)
	forced, err = repo.ForceNeedsAttentionIfAbandoned(dbc, orphan.ID, nil)
	if err != nil || !forced {
		t.Fatalf("force orphan: ok=%v err=%v", forced, err)
	}
	cur, err := repo.GetByID(dbc, orphan.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.Status != types.GuideStatusNeedsAttention {
		t.Fatalf("status = %s", cur.Status)
	}
}

package runs

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/guideforge-backend/internal/data/repos/testutil"
	types "github.com/yungbote/guideforge-backend/internal/domain"
	"github.com/yungbote/guideforge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/guideforge-backend/internal/pkg/errors"
)

func runRepoUnderTest(tb testing.TB) GuideRunRepo {
	tb.Helper()
	return NewGuideRunRepo(testutil.DB(tb), testutil.Logger(tb))
}

func TestRunMarkProcessingOnce(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := runRepoUnderTest(t)
	dbc := dbctx.Context{Ctx: ctx}

	run := testutil.SeedRun(t, ctx, db, "run-mark-processing")

	ok, err := repo.MarkProcessing(dbc, run.ID, types.RunStageConverting)
	if err != nil || !ok {
		t.Fatalf("first mark: ok=%v err=%v", ok, err)
	}
	ok, err = repo.MarkProcessing(dbc, run.ID, types.RunStageConverting)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if ok {
		t.Fatal("a dispatch replay must observe false")
	}

	cur, err := repo.GetByID(dbc, run.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.Status != types.RunStatusProcessing || cur.Stage != types.RunStageConverting {
		t.Fatalf("status=%s stage=%s", cur.Status, cur.Stage)
	}
	if cur.StartedAt == nil {
		t.Fatal("started_at not stamped")
	}
}

func TestRunIncrementProgress(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := runRepoUnderTest(t)
	dbc := dbctx.Context{Ctx: ctx}

	run := testutil.SeedRun(t, ctx, db, "run-increment")

	deltas := map[string]int{"converted_files": 3, "completed_guides": 2}
	if err := repo.IncrementProgress(dbc, run.ID, deltas); err != nil {
		t.Fatalf("IncrementProgress: %v", err)
	}
	if err := repo.IncrementProgress(dbc, run.ID, map[string]int{"converted_files": 2}); err != nil {
		t.Fatalf("IncrementProgress: %v", err)
	}

	cur, err := repo.GetByID(dbc, run.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cur.ConvertedFiles != 5 || cur.CompletedGuides != 2 {
		t.Fatalf("counters = files:%d guides:%d", cur.ConvertedFiles, cur.CompletedGuides)
	}
}

func TestRunDeleteRemovesItems(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := runRepoUnderTest(t)
	files := fileRepoUnderTest(t)
	guides := guideRepoUnderTest(t)
	dbc := dbctx.Context{Ctx: ctx}

	run := testutil.SeedRun(t, ctx, db, "run-delete")
	testutil.SeedFile(t, ctx, db, run.ID, 0, types.FileStatusConverted)
	testutil.SeedGuide(t, ctx, db, run.ID, 0, types.GuideStatusCompleted)

	if err := repo.Delete(dbc, run.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := repo.GetByID(dbc, run.ID); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("run still readable: %v", err)
	}
	fs, err := files.ListByRun(dbc, run.ID)
	if err != nil {
		t.Fatalf("ListByRun: %v", err)
	}
	gs, err := guides.ListByRun(dbc, run.ID)
	if err != nil {
		t.Fatalf("ListByRun: %v", err)
	}
	if len(fs) != 0 || len(gs) != 0 {
		t.Fatalf("items survived the delete: files=%d guides=%d", len(fs), len(gs))
	}
}

func TestRunGetByIDUnknown(t *testing.T) {
	ctx := context.Background()
	repo := runRepoUnderTest(t)

	if _, err := repo.GetByID(dbctx.Context{Ctx: ctx}, uuid.New()); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

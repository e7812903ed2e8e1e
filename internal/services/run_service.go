package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/yungbote/guideforge-backend/internal/data/repos"
	types "github.com/yungbote/guideforge-backend/internal/domain"
	"github.com/yungbote/guideforge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/guideforge-backend/internal/pkg/errors"
	"github.com/yungbote/guideforge-backend/internal/pkg/logger"
)

type FileInput struct {
	Filename    string `json:"filename"`
	ContentHash string `json:"content_hash"`
}

type GuideInput struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	ForceFailure bool   `json:"force_failure,omitempty"`
}

type StartRunInput struct {
	Name   string       `json:"name"`
	Files  []FileInput  `json:"files"`
	Guides []GuideInput `json:"guides"`
}

// RunProgress mirrors the run workflow's progress query payload.
type RunProgress struct {
	RunID           uuid.UUID `json:"run_id"`
	Stage           string    `json:"stage"`
	TotalFiles      int       `json:"total_files"`
	ConvertedFiles  int       `json:"converted_files"`
	FailedFiles     int       `json:"failed_files"`
	TotalGuides     int       `json:"total_guides"`
	CompletedGuides int       `json:"completed_guides"`
	FailedGuides    int       `json:"failed_guides"`
	ChunksDone      int       `json:"chunks_done"`
	ChunksTotal     int       `json:"chunks_total"`
}

type RunService interface {
	StartRun(ctx context.Context, in StartRunInput) (*types.GuideRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (*types.GuideRun, error)
	ListRuns(ctx context.Context, limit int) ([]*types.GuideRun, error)
	ListFiles(ctx context.Context, runID uuid.UUID) ([]*types.SourceFile, error)
	ListGuides(ctx context.Context, runID uuid.UUID) ([]*types.Guide, error)
	RetryGuide(ctx context.Context, guideID uuid.UUID) (*types.Guide, error)
	Progress(ctx context.Context, runID uuid.UUID) (RunProgress, error)
	DeleteRun(ctx context.Context, id uuid.UUID) error
}

type runService struct {
	log       *logger.Logger
	runs      repos.GuideRunRepo
	files     repos.SourceFileRepo
	guides    repos.GuideRepo
	temporal  temporalsdkclient.Client
	taskQueue string
	notify    RunNotifier
}

func NewRunService(
	baseLog *logger.Logger,
	runs repos.GuideRunRepo,
	files repos.SourceFileRepo,
	guides repos.GuideRepo,
	temporal temporalsdkclient.Client,
	taskQueue string,
	notify RunNotifier,
) RunService {
	return &runService{
		log:       baseLog.With("service", "RunService"),
		runs:      runs,
		files:     files,
		guides:    guides,
		temporal:  temporal,
		taskQueue: taskQueue,
		notify:    notify,
	}
}

func (s *runService) StartRun(ctx context.Context, in StartRunInput) (*types.GuideRun, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("run name: %w", pkgerrors.ErrInvalidArgument)
	}
	if len(in.Files) == 0 {
		return nil, fmt.Errorf("at least one source file required: %w", pkgerrors.ErrInvalidArgument)
	}
	if len(in.Guides) == 0 {
		return nil, fmt.Errorf("at least one guide required: %w", pkgerrors.ErrInvalidArgument)
	}
	for _, f := range in.Files {
		if strings.TrimSpace(f.Filename) == "" {
			return nil, fmt.Errorf("file name required: %w", pkgerrors.ErrInvalidArgument)
		}
	}
	for _, g := range in.Guides {
		if strings.TrimSpace(g.Name) == "" {
			return nil, fmt.Errorf("guide name required: %w", pkgerrors.ErrInvalidArgument)
		}
	}

	run := &types.GuideRun{
		ID:          uuid.New(),
		Name:        name,
		Status:      types.RunStatusPending,
		Stage:       types.RunStagePending,
		TotalFiles:  len(in.Files),
		TotalGuides: len(in.Guides),
	}
	if _, err := s.runs.Create(dbctx.Context{Ctx: ctx}, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	files := make([]*types.SourceFile, 0, len(in.Files))
	for i, f := range in.Files {
		files = append(files, &types.SourceFile{
			ID:          uuid.New(),
			GuideRunID:  run.ID,
			Position:    i,
			Filename:    strings.TrimSpace(f.Filename),
			ContentHash: strings.TrimSpace(f.ContentHash),
			Status:      types.FileStatusPending,
		})
	}
	guides := make([]*types.Guide, 0, len(in.Guides))
	for i, g := range in.Guides {
		guides = append(guides, &types.Guide{
			ID:           uuid.New(),
			GuideRunID:   run.ID,
			Position:     i,
			Name:         strings.TrimSpace(g.Name),
			Description:  strings.TrimSpace(g.Description),
			Status:       types.GuideStatusPending,
			ForceFailure: g.ForceFailure,
		})
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		_, err := s.files.Create(dbctx.Context{Ctx: egCtx}, files)
		return err
	})
	eg.Go(func() error {
		_, err := s.guides.Create(dbctx.Context{Ctx: egCtx}, guides)
		return err
	})
	if err := eg.Wait(); err != nil {
		// Leave the run row behind in pending with the error recorded; the
		// partial item rows go with it on delete.
		_ = s.runs.UpdateFields(dbctx.Context{Ctx: ctx}, run.ID, map[string]interface{}{
			"status": types.RunStatusFailed,
			"error":  err.Error(),
		})
		return nil, fmt.Errorf("seed run items: %w", err)
	}

	if err := s.dispatchRunWorkflow(ctx, run.ID); err != nil {
		_ = s.runs.UpdateFields(dbctx.Context{Ctx: ctx}, run.ID, map[string]interface{}{
			"status": types.RunStatusFailed,
			"error":  "dispatch: " + err.Error(),
		})
		return nil, fmt.Errorf("dispatch run workflow: %w", err)
	}
	return run, nil
}

func (s *runService) dispatchRunWorkflow(ctx context.Context, runID uuid.UUID) error {
	if s.temporal == nil {
		return fmt.Errorf("temporal not configured")
	}
	tq := strings.TrimSpace(s.taskQueue)
	if tq == "" {
		tq = "guideforge"
	}
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:                    runID.String(),
		TaskQueue:             tq,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}
	// Keep literals to avoid an import cycle with guiderun.
	_, err := s.temporal.ExecuteWorkflow(ctx, opts, "guide_run", runWorkflowArgs{RunID: runID})
	var already *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &already) {
		// A duplicate start means the run is already being processed, which
		// is exactly what the caller asked for.
		return nil
	}
	return err
}

type runWorkflowArgs struct {
	RunID uuid.UUID `json:"run_id"`
}

type retryGuideArgs struct {
	RunID   uuid.UUID `json:"run_id"`
	GuideID uuid.UUID `json:"guide_id"`
}

func (s *runService) GetRun(ctx context.Context, id uuid.UUID) (*types.GuideRun, error) {
	return s.runs.GetByID(dbctx.Context{Ctx: ctx}, id)
}

func (s *runService) ListRuns(ctx context.Context, limit int) ([]*types.GuideRun, error) {
	return s.runs.List(dbctx.Context{Ctx: ctx}, limit)
}

func (s *runService) ListFiles(ctx context.Context, runID uuid.UUID) ([]*types.SourceFile, error) {
	if _, err := s.runs.GetByID(dbctx.Context{Ctx: ctx}, runID); err != nil {
		return nil, err
	}
	return s.files.ListByRun(dbctx.Context{Ctx: ctx}, runID)
}

func (s *runService) ListGuides(ctx context.Context, runID uuid.UUID) ([]*types.Guide, error) {
	if _, err := s.runs.GetByID(dbctx.Context{Ctx: ctx}, runID); err != nil {
		return nil, err
	}
	return s.guides.ListByRun(dbctx.Context{Ctx: ctx}, runID)
}

// RetryGuide re-enqueues one needs_attention guide through the manual-retry
// workflow. The attempt counter carries over, so retries keep degrading.
func (s *runService) RetryGuide(ctx context.Context, guideID uuid.UUID) (*types.Guide, error) {
	g, err := s.guides.GetByID(dbctx.Context{Ctx: ctx}, guideID)
	if err != nil {
		return nil, err
	}
	if g.Status != types.GuideStatusNeedsAttention {
		return nil, fmt.Errorf("guide is %s, only needs_attention guides can be retried: %w", g.Status, pkgerrors.ErrConflict)
	}
	if s.temporal == nil {
		return nil, fmt.Errorf("temporal not configured")
	}

	tq := strings.TrimSpace(s.taskQueue)
	if tq == "" {
		tq = "guideforge"
	}
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:                    fmt.Sprintf("%s/retry/%d", guideID, time.Now().UTC().Unix()),
		TaskQueue:             tq,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
	_, err = s.temporal.ExecuteWorkflow(ctx, opts, "guide_retry", retryGuideArgs{RunID: g.GuideRunID, GuideID: guideID})
	if err != nil {
		return nil, fmt.Errorf("dispatch guide retry: %w", err)
	}
	return g, nil
}

// Progress serves the live fan-out view from the running workflow's query
// handler. Falls back cleanly when the workflow is already closed.
func (s *runService) Progress(ctx context.Context, runID uuid.UUID) (RunProgress, error) {
	if s.temporal == nil {
		return RunProgress{}, fmt.Errorf("temporal not configured")
	}
	resp, err := s.temporal.QueryWorkflow(ctx, runID.String(), "", "progress")
	if err != nil {
		return RunProgress{}, fmt.Errorf("query run progress: %w", err)
	}
	var out RunProgress
	if err := resp.Get(&out); err != nil {
		return RunProgress{}, fmt.Errorf("decode run progress: %w", err)
	}
	return out, nil
}

func (s *runService) DeleteRun(ctx context.Context, id uuid.UUID) error {
	run, err := s.runs.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return err
	}
	if !run.Terminal() {
		return fmt.Errorf("run is still %s: %w", run.Status, pkgerrors.ErrConflict)
	}
	return s.runs.Delete(dbctx.Context{Ctx: ctx}, id)
}

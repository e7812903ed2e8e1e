package guiderun

import (
	"fmt"

	"github.com/google/uuid"
	sdklog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	types "github.com/yungbote/guideforge-backend/internal/domain"
	"github.com/yungbote/guideforge-backend/internal/pipeline/planner"
	"github.com/yungbote/guideforge-backend/internal/pipeline/steps"
)

// RunWorkflow is the durable orchestrator for one run: convert every source
// file, then write every guide, then reconcile the run row from item state.
// Items are fanned out through chunk child workflows. Item-level activity
// errors are absorbed by the chunk as failed items; only a chunk child
// workflow failing outright is fatal and marks the run failed.
func RunWorkflow(ctx workflow.Context, in RunWorkflowInput) error {
	if in.RunID == uuid.Nil {
		return temporal.NewNonRetryableApplicationError("missing run_id", ErrTypeNotFound, nil)
	}
	cfg := planner.Default()
	log := workflow.GetLogger(ctx)

	prog := Progress{RunID: in.RunID, Stage: types.RunStagePending}
	if err := workflow.SetQueryHandler(ctx, QueryProgress, func() (Progress, error) {
		return prog, nil
	}); err != nil {
		return err
	}

	ctx = workflow.WithActivityOptions(ctx, activityOptions(cfg))

	// Re-dispatch of an already-processing run is harmless: the activity is a
	// conditional pending->processing write and all downstream work is
	// idempotent per item.
	var started bool
	if err := workflow.ExecuteActivity(ctx, ActivityMarkRunProcessing, in.RunID).Get(ctx, &started); err != nil {
		return err
	}
	prog.Stage = types.RunStageConverting

	var fileIDs []uuid.UUID
	if err := workflow.ExecuteActivity(ctx, ActivityListFileIDs, in.RunID).Get(ctx, &fileIDs); err != nil {
		return err
	}
	prog.TotalFiles = len(fileIDs)

	if err := runStage(ctx, cfg, in.RunID, fileIDs, FileChunkWorkflowName, "files", &prog); err != nil {
		return failRun(ctx, in.RunID, err, log)
	}

	// The guide stage starts only after every file chunk settled; guides
	// search over whatever content conversion produced.
	if err := workflow.ExecuteActivity(ctx, ActivitySetRunStage, in.RunID, types.RunStageWriting).Get(ctx, nil); err != nil {
		return err
	}
	prog.Stage = types.RunStageWriting

	var guideIDs []uuid.UUID
	if err := workflow.ExecuteActivity(ctx, ActivityListGuideIDs, in.RunID).Get(ctx, &guideIDs); err != nil {
		return err
	}
	prog.TotalGuides = len(guideIDs)

	if err := runStage(ctx, cfg, in.RunID, guideIDs, GuideChunkWorkflowName, "guides", &prog); err != nil {
		return failRun(ctx, in.RunID, err, log)
	}

	// Terminal state always comes from reconciliation over item rows, never
	// from the incremental counters.
	var snap steps.RunSnapshot
	if err := workflow.ExecuteActivity(ctx, ActivityReconcileRun, in.RunID).Get(ctx, &snap); err != nil {
		return err
	}
	prog.Stage = snap.Stage
	prog.ConvertedFiles = snap.ConvertedFiles
	prog.FailedFiles = snap.FailedFiles
	prog.CompletedGuides = snap.CompletedGuides
	prog.FailedGuides = snap.FailedGuides
	log.Info("run settled", "run_id", in.RunID, "status", snap.Status)
	return nil
}

// runStage fans one item stage out as chunk child workflows, dispatched in
// waves so at most cfg.MaxInflightChunks children exist at a time. Child IDs
// are derived from the run ID and chunk index, so a replayed or duplicate
// dispatch lands on the same execution instead of a second one.
func runStage(ctx workflow.Context, cfg planner.Config, runID uuid.UUID, ids []uuid.UUID, childName, kind string, prog *Progress) error {
	chunks := planner.Chunk(ids, cfg.ChunkSize)
	prog.ChunksTotal += len(chunks)

	for start := 0; start < len(chunks); start += cfg.MaxInflightChunks {
		end := start + cfg.MaxInflightChunks
		if end > len(chunks) {
			end = len(chunks)
		}

		futures := make([]workflow.ChildWorkflowFuture, 0, end-start)
		for idx := start; idx < end; idx++ {
			cctx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
				WorkflowID: fmt.Sprintf("%s/%s/%d", runID, kind, idx),
			})
			futures = append(futures, workflow.ExecuteChildWorkflow(cctx, childName, ChunkInput{
				RunID:   runID,
				ItemIDs: chunks[idx],
			}))
		}

		for i, f := range futures {
			var res ChunkResult
			if err := f.Get(ctx, &res); err != nil {
				return fmt.Errorf("%s chunk %d: %w", kind, start+i, err)
			}
			prog.ChunksDone++
			switch kind {
			case "files":
				prog.ConvertedFiles += res.Succeeded
				prog.FailedFiles += res.Failed
			default:
				prog.CompletedGuides += res.Succeeded
				prog.FailedGuides += res.Failed
			}
		}
	}
	return nil
}

func failRun(ctx workflow.Context, runID uuid.UUID, cause error, log sdklog.Logger) error {
	log.Error("run failed", "run_id", runID, "error", cause)
	if err := workflow.ExecuteActivity(ctx, ActivityMarkRunFailed, runID, cause.Error()).Get(ctx, nil); err != nil {
		log.Error("mark run failed did not stick", "run_id", runID, "error", err)
	}
	return cause
}

// FileChunkWorkflow converts one chunk of source files in concurrency-bounded
// groups. Each group fully settles before the next starts, and the run's
// progress counters are folded once per group. An item activity that errors
// past its retries counts as a failed item; it never stops siblings in the
// same or later groups.
func FileChunkWorkflow(ctx workflow.Context, in ChunkInput) (ChunkResult, error) {
	cfg := planner.Default()
	log := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, activityOptions(cfg))

	var out ChunkResult
	for start := 0; start < len(in.ItemIDs); start += cfg.FileConcurrency {
		end := start + cfg.FileConcurrency
		if end > len(in.ItemIDs) {
			end = len(in.ItemIDs)
		}

		futures := make([]workflow.Future, 0, end-start)
		for _, id := range in.ItemIDs[start:end] {
			futures = append(futures, workflow.ExecuteActivity(ctx, ActivityConvertFile, ConvertFileInput{RunID: in.RunID, FileID: id}))
		}

		converted := 0
		for i, f := range futures {
			var res steps.ConvertFileResult
			if err := f.Get(ctx, &res); err != nil {
				log.Warn("file conversion errored past its retries", "file_id", in.ItemIDs[start+i], "error", err)
				out.Failed++
				continue
			}
			if res.Converted {
				converted++
				out.Succeeded++
			} else {
				out.Failed++
			}
		}
		if converted > 0 {
			err := workflow.ExecuteActivity(ctx, ActivityIncrementProgress, IncrementProgressInput{
				RunID:  in.RunID,
				Deltas: map[string]int{"converted_files": converted},
			}).Get(ctx, nil)
			if err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

// GuideChunkWorkflow is the guide-stage counterpart of FileChunkWorkflow.
func GuideChunkWorkflow(ctx workflow.Context, in ChunkInput) (ChunkResult, error) {
	cfg := planner.Default()
	log := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, activityOptions(cfg))

	var out ChunkResult
	for start := 0; start < len(in.ItemIDs); start += cfg.GuideConcurrency {
		end := start + cfg.GuideConcurrency
		if end > len(in.ItemIDs) {
			end = len(in.ItemIDs)
		}

		futures := make([]workflow.Future, 0, end-start)
		for _, id := range in.ItemIDs[start:end] {
			futures = append(futures, workflow.ExecuteActivity(ctx, ActivityGenerateGuide, GenerateGuideInput{RunID: in.RunID, GuideID: id}))
		}

		completed, failed := 0, 0
		for i, f := range futures {
			var res steps.GenerateGuideResult
			if err := f.Get(ctx, &res); err != nil {
				log.Warn("guide generation errored past its retries", "guide_id", in.ItemIDs[start+i], "error", err)
				failed++
				out.Failed++
				continue
			}
			if res.Completed {
				completed++
				out.Succeeded++
			} else {
				failed++
				out.Failed++
			}
		}
		if completed > 0 || failed > 0 {
			err := workflow.ExecuteActivity(ctx, ActivityIncrementProgress, IncrementProgressInput{
				RunID:  in.RunID,
				Deltas: map[string]int{"completed_guides": completed, "failed_guides": failed},
			}).Get(ctx, nil)
			if err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

// RetryGuideWorkflow is the operator path for a needs_attention guide: one
// generation pass with the manual-retry override, then reconcile the run.
func RetryGuideWorkflow(ctx workflow.Context, in RetryGuideInput) (steps.GenerateGuideResult, error) {
	cfg := planner.Default()
	ctx = workflow.WithActivityOptions(ctx, activityOptions(cfg))

	var res steps.GenerateGuideResult
	err := workflow.ExecuteActivity(ctx, ActivityGenerateGuide, GenerateGuideInput{
		RunID:       in.RunID,
		GuideID:     in.GuideID,
		ManualRetry: true,
	}).Get(ctx, &res)
	if err != nil {
		return res, err
	}

	var snap steps.RunSnapshot
	if err := workflow.ExecuteActivity(ctx, ActivityReconcileRun, in.RunID).Get(ctx, &snap); err != nil {
		return res, err
	}
	return res, nil
}

func activityOptions(cfg planner.Config) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: cfg.Activity.StartToCloseTimeout,
		HeartbeatTimeout:    cfg.Activity.HeartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        cfg.Activity.RetryInitialInterval,
			BackoffCoefficient:     cfg.Activity.RetryBackoffFactor,
			MaximumInterval:        cfg.Activity.RetryMaxInterval,
			MaximumAttempts:        int32(cfg.Activity.RetryMaxAttempts),
			NonRetryableErrorTypes: []string{ErrTypeNotFound},
		},
	}
}

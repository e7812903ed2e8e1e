package steps

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/guideforge-backend/internal/data/repos"
	types "github.com/yungbote/guideforge-backend/internal/domain"
	"github.com/yungbote/guideforge-backend/internal/pkg/dbctx"
	"github.com/yungbote/guideforge-backend/internal/pkg/logger"
)

// RunSnapshot is the reconciled view of a run, returned so callers (workflow
// queries, event notifications) can report progress without re-reading.
type RunSnapshot struct {
	RunID           uuid.UUID `json:"run_id"`
	Status          string    `json:"status"`
	Stage           string    `json:"stage"`
	TotalFiles      int       `json:"total_files"`
	ConvertedFiles  int       `json:"converted_files"`
	FailedFiles     int       `json:"failed_files"`
	TotalGuides     int       `json:"total_guides"`
	CompletedGuides int       `json:"completed_guides"`
	FailedGuides    int       `json:"failed_guides"`
}

type Reconciler struct {
	log    *logger.Logger
	runs   repos.GuideRunRepo
	files  repos.SourceFileRepo
	guides repos.GuideRepo
}

func NewReconciler(runs repos.GuideRunRepo, files repos.SourceFileRepo, guides repos.GuideRepo, baseLog *logger.Logger) *Reconciler {
	return &Reconciler{
		log:    baseLog.With("component", "Reconciler"),
		runs:   runs,
		files:  files,
		guides: guides,
	}
}

// Reconcile recomputes the run's status, stage and cached counters from the
// item tables. The item rows are the ground truth; the incremental counters
// maintained during chunk execution are progress hints only. Safe to call any
// number of times, from any worker, at any point in the run's life.
func (r *Reconciler) Reconcile(ctx context.Context, runID uuid.UUID) (RunSnapshot, error) {
	dbc := dbctx.Context{Ctx: ctx}

	run, err := r.runs.GetByID(dbc, runID)
	if err != nil {
		return RunSnapshot{}, err
	}

	fileCounts, err := r.files.CountByStatus(dbc, runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	guideCounts, err := r.guides.CountByStatus(dbc, runID)
	if err != nil {
		return RunSnapshot{}, err
	}

	snap := RunSnapshot{
		RunID:           runID,
		TotalFiles:      total(fileCounts),
		ConvertedFiles:  int(fileCounts[types.FileStatusConverted]),
		FailedFiles:     int(fileCounts[types.FileStatusFailed]),
		TotalGuides:     total(guideCounts),
		CompletedGuides: int(guideCounts[types.GuideStatusCompleted]),
		FailedGuides:    int(guideCounts[types.GuideStatusNeedsAttention]),
	}

	status, stage := deriveRunState(run, snap)
	snap.Status = status
	snap.Stage = stage

	updates := map[string]interface{}{
		"status":           status,
		"stage":            stage,
		"total_files":      snap.TotalFiles,
		"converted_files":  snap.ConvertedFiles,
		"total_guides":     snap.TotalGuides,
		"completed_guides": snap.CompletedGuides,
		"failed_guides":    snap.FailedGuides,
	}
	if isTerminalRunStatus(status) {
		if run.CompletedAt == nil {
			updates["completed_at"] = time.Now().UTC()
		}
	} else {
		// Items moved back in flight (a manual retry mid-reconcile, say); a
		// stale completion stamp must not survive that.
		updates["completed_at"] = nil
	}
	if err := r.runs.UpdateFields(dbc, runID, updates); err != nil {
		return RunSnapshot{}, err
	}
	return snap, nil
}

// deriveRunState maps item counts to a run status/stage. A run already marked
// failed stays failed: that state records a fatal orchestration error rather
// than an item outcome, and item counts can never clear it. A run with any
// non-terminal guide is processing at the writing stage regardless of what
// the cached row says, so an out-of-band reconcile can walk a terminal row
// back to the truth.
func deriveRunState(run *types.GuideRun, snap RunSnapshot) (string, string) {
	if run.Status == types.RunStatusFailed {
		return types.RunStatusFailed, run.Stage
	}

	// Degenerate runs with no guides at all settle once every file does.
	if snap.TotalGuides == 0 {
		filesSettled := snap.ConvertedFiles+snap.FailedFiles == snap.TotalFiles
		if filesSettled && run.Status != types.RunStatusPending {
			if snap.FailedFiles > 0 {
				return types.RunStatusCompletedWithErrors, types.RunStageDone
			}
			return types.RunStatusCompleted, types.RunStageDone
		}
		return run.Status, run.Stage
	}

	if snap.CompletedGuides+snap.FailedGuides == snap.TotalGuides {
		if snap.FailedGuides > 0 {
			return types.RunStatusCompletedWithErrors, types.RunStageDone
		}
		return types.RunStatusCompleted, types.RunStageDone
	}

	return types.RunStatusProcessing, types.RunStageWriting
}

func isTerminalRunStatus(status string) bool {
	switch status {
	case types.RunStatusCompleted, types.RunStatusCompletedWithErrors, types.RunStatusFailed:
		return true
	}
	return false
}

func total(counts map[string]int64) int {
	var n int64
	for _, c := range counts {
		n += c
	}
	return int(n)
}

package guiderun

import "github.com/google/uuid"

const (
	RunWorkflowName        = "guide_run"
	FileChunkWorkflowName  = "guide_run_file_chunk"
	GuideChunkWorkflowName = "guide_run_guide_chunk"
	RetryGuideWorkflowName = "guide_retry"

	ActivityMarkRunProcessing = "guide_run_mark_processing"
	ActivityMarkRunFailed     = "guide_run_mark_failed"
	ActivitySetRunStage       = "guide_run_set_stage"
	ActivityListFileIDs       = "guide_run_list_file_ids"
	ActivityListGuideIDs      = "guide_run_list_guide_ids"
	ActivityIncrementProgress = "guide_run_increment_progress"
	ActivityReconcileRun      = "guide_run_reconcile"
	ActivityConvertFile       = "convert_source_file"
	ActivityGenerateGuide     = "generate_guide"

	QueryProgress = "progress"
)

// Stable ApplicationError types so retry policy decisions survive refactors.
// Lease contention has no error type here: it is waited out inside the
// activity and never crosses the activity boundary.
const (
	ErrTypeTransient = "Transient"
	ErrTypeNotFound  = "NotFound"
)

type RunWorkflowInput struct {
	RunID uuid.UUID `json:"run_id"`
}

type ChunkInput struct {
	RunID   uuid.UUID   `json:"run_id"`
	ItemIDs []uuid.UUID `json:"item_ids"`
}

// ChunkResult folds the item outcomes of one chunk. Failed counts terminal
// item failures (failed files, needs_attention guides) and item activities
// that errored past their retries; only the chunk's own execution erroring
// surfaces as a workflow error.
type ChunkResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type IncrementProgressInput struct {
	RunID  uuid.UUID      `json:"run_id"`
	Deltas map[string]int `json:"deltas"`
}

type RetryGuideInput struct {
	RunID   uuid.UUID `json:"run_id"`
	GuideID uuid.UUID `json:"guide_id"`
}

type ConvertFileInput struct {
	RunID  uuid.UUID `json:"run_id"`
	FileID uuid.UUID `json:"file_id"`
}

type GenerateGuideInput struct {
	RunID       uuid.UUID `json:"run_id"`
	GuideID     uuid.UUID `json:"guide_id"`
	ManualRetry bool      `json:"manual_retry"`
}

// Progress is the live view served by the run workflow's query handler. The
// DB row is the ground truth; this is a cheap read that skips the DB.
type Progress struct {
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

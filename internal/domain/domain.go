package domain

import (
	"github.com/yungbote/guideforge-backend/internal/domain/runs"
)

// Aliases so callers can import one package as `types` and reach every
// persisted entity.

type (
	GuideRun        = runs.GuideRun
	SourceFile      = runs.SourceFile
	Guide           = runs.Guide
	SearchResultSet = runs.SearchResultSet
	SearchSnippet   = runs.SearchSnippet
	FailureDetail   = runs.FailureDetail
)

const (
	RunStatusPending             = runs.RunStatusPending
	RunStatusProcessing          = runs.RunStatusProcessing
	RunStatusCompleted           = runs.RunStatusCompleted
	RunStatusCompletedWithErrors = runs.RunStatusCompletedWithErrors
	RunStatusFailed              = runs.RunStatusFailed

	RunStagePending    = runs.RunStagePending
	RunStageConverting = runs.RunStageConverting
	RunStageWriting    = runs.RunStageWriting
	RunStageDone       = runs.RunStageDone

	FileStatusPending    = runs.FileStatusPending
	FileStatusConverting = runs.FileStatusConverting
	FileStatusConverted  = runs.FileStatusConverted
	FileStatusFailed     = runs.FileStatusFailed

	GuideStatusPending        = runs.GuideStatusPending
	GuideStatusSearching      = runs.GuideStatusSearching
	GuideStatusGenerating     = runs.GuideStatusGenerating
	GuideStatusCompleted      = runs.GuideStatusCompleted
	GuideStatusNeedsAttention = runs.GuideStatusNeedsAttention

	MaxGuideAttempts = runs.MaxGuideAttempts
)

package runs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Run statuses. Status, stage and the cached counters on GuideRun are
// projections of the source_file/guide tables; the pipeline recomputes them
// from item rows before a run is ever reported terminal.
const (
	RunStatusPending             = "pending"
	RunStatusProcessing          = "processing"
	RunStatusCompleted           = "completed"
	RunStatusCompletedWithErrors = "completed_with_errors"
	RunStatusFailed              = "failed"
)

const (
	RunStagePending    = "pending"
	RunStageConverting = "converting_files"
	RunStageWriting    = "writing_guides"
	RunStageDone       = "done"
)

type GuideRun struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name   string    `gorm:"column:name;not null" json:"name"`
	Status string    `gorm:"column:status;not null;default:'pending';index" json:"status"`
	Stage  string    `gorm:"column:stage;not null;default:'pending';index" json:"stage"`

	TotalFiles      int `gorm:"column:total_files;not null;default:0" json:"total_files"`
	ConvertedFiles  int `gorm:"column:converted_files;not null;default:0" json:"converted_files"`
	TotalGuides     int `gorm:"column:total_guides;not null;default:0" json:"total_guides"`
	CompletedGuides int `gorm:"column:completed_guides;not null;default:0" json:"completed_guides"`
	FailedGuides    int `gorm:"column:failed_guides;not null;default:0" json:"failed_guides"`

	Error string `gorm:"column:error" json:"error,omitempty"`

	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (GuideRun) TableName() string { return "guide_run" }

// Terminal reports whether the run can no longer change through automatic
// processing.
func (r *GuideRun) Terminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusCompletedWithErrors, RunStatusFailed:
		return true
	}
	return false
}

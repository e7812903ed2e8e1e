package runs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// File statuses. converted/failed are terminal: no code path mutates a file
// again once it reaches either of them.
const (
	FileStatusPending    = "pending"
	FileStatusConverting = "converting"
	FileStatusConverted  = "converted"
	FileStatusFailed     = "failed"
)

// SourceFile is a single document to convert. ExtractedContent is non-nil iff
// Status is converted. ProcessingToken/LeaseAcquiredAt implement the
// per-item exclusive processing lease; both are cleared on finalize.
type SourceFile struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	GuideRunID uuid.UUID `gorm:"type:uuid;not null;index" json:"guide_run_id"`
	GuideRun   *GuideRun `gorm:"constraint:OnDelete:CASCADE;foreignKey:GuideRunID;references:ID" json:"-"`

	Position    int    `gorm:"column:position;not null;default:0;index" json:"position"`
	Filename    string `gorm:"column:filename;not null" json:"filename"`
	ContentHash string `gorm:"column:content_hash;index" json:"content_hash"`
	Status      string `gorm:"column:status;not null;default:'pending';index" json:"status"`

	ExtractedContent *string `gorm:"column:extracted_content" json:"extracted_content,omitempty"`
	Error            string  `gorm:"column:error" json:"error,omitempty"`

	ProcessingToken *uuid.UUID `gorm:"type:uuid;column:processing_token;index" json:"processing_token,omitempty"`
	LeaseAcquiredAt *time.Time `gorm:"column:lease_acquired_at" json:"lease_acquired_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (SourceFile) TableName() string { return "source_file" }

func (f *SourceFile) Terminal() bool {
	return f.Status == FileStatusConverted || f.Status == FileStatusFailed
}

package runs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Guide statuses. completed is terminal. needs_attention is terminal for
// automatic processing only: the manual-retry path re-enters it explicitly.
const (
	GuideStatusPending        = "pending"
	GuideStatusSearching      = "searching"
	GuideStatusGenerating     = "generating"
	GuideStatusCompleted      = "completed"
	GuideStatusNeedsAttention = "needs_attention"
)

// MaxGuideAttempts is the attempt budget: the number of lease acquisitions a
// guide may undergo before automatic processing gives up and marks it for
// manual review. Lease contention does not count against it.
const MaxGuideAttempts = 3

// SearchResultSet is the tagged shape persisted in guide.search_results.
type SearchResultSet struct {
	Query   string          `json:"query"`
	Results []SearchSnippet `json:"results"`
}

type SearchSnippet struct {
	SourceFileID uuid.UUID `json:"source_file_id"`
	Filename     string    `json:"filename"`
	Snippet      string    `json:"snippet"`
	Score        float64   `json:"score"`
}

// FailureDetail is the tagged shape persisted in guide.failure_detail. It
// carries the technical trail separately from the user-facing FailureReason.
type FailureDetail struct {
	Kind     string `json:"kind"`
	Stage    string `json:"stage"`
	Attempts int    `json:"attempts"`
	Cause    string `json:"cause,omitempty"`
}

// Guide is a single artifact to generate. GeneratedContent is non-nil for
// completed guides; a needs_attention guide may carry a labeled skeleton
// outline when the attempt budget ran out, and carries nothing when no
// matching content was found. Guides carry a heartbeat timestamp in addition to the
// acquisition timestamp because generation runs long enough that a live
// holder must renew its lease mid-flight.
type Guide struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	GuideRunID uuid.UUID `gorm:"type:uuid;not null;index" json:"guide_run_id"`
	GuideRun   *GuideRun `gorm:"constraint:OnDelete:CASCADE;foreignKey:GuideRunID;references:ID" json:"-"`

	Position    int    `gorm:"column:position;not null;default:0;index" json:"position"`
	Name        string `gorm:"column:name;not null" json:"name"`
	Description string `gorm:"column:description" json:"description"`
	Status      string `gorm:"column:status;not null;default:'pending';index" json:"status"`

	SearchResults    datatypes.JSON `gorm:"column:search_results;type:jsonb" json:"search_results,omitempty"`
	GeneratedContent *string        `gorm:"column:generated_content" json:"generated_content,omitempty"`
	FailureReason    *string        `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	FailureDetail    datatypes.JSON `gorm:"column:failure_detail;type:jsonb" json:"failure_detail,omitempty"`

	Attempts     int  `gorm:"column:attempts;not null;default:0" json:"attempts"`
	ForceFailure bool `gorm:"column:force_failure;not null;default:false" json:"force_failure"`

	ProcessingToken  *uuid.UUID `gorm:"type:uuid;column:processing_token;index" json:"processing_token,omitempty"`
	LeaseAcquiredAt  *time.Time `gorm:"column:lease_acquired_at" json:"lease_acquired_at,omitempty"`
	LeaseHeartbeatAt *time.Time `gorm:"column:lease_heartbeat_at" json:"lease_heartbeat_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Guide) TableName() string { return "guide" }

func (g *Guide) Terminal() bool {
	return g.Status == GuideStatusCompleted || g.Status == GuideStatusNeedsAttention
}

// DecodeSearchResults unmarshals the persisted search result set. An empty or
// null column decodes to a zero-value set.
func (g *Guide) DecodeSearchResults() (SearchResultSet, error) {
	var out SearchResultSet
	if len(g.SearchResults) == 0 || string(g.SearchResults) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(g.SearchResults, &out); err != nil {
		return SearchResultSet{}, err
	}
	return out, nil
}

// DecodeFailureDetail unmarshals the persisted failure detail blob.
func (g *Guide) DecodeFailureDetail() (FailureDetail, error) {
	var out FailureDetail
	if len(g.FailureDetail) == 0 || string(g.FailureDetail) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(g.FailureDetail, &out); err != nil {
		return FailureDetail{}, err
	}
	return out, nil
}

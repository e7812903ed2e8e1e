package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/guideforge-backend/internal/domain"
)

func SeedRun(tb testing.TB, ctx context.Context, tx *gorm.DB, name string) *types.GuideRun {
	tb.Helper()
	now := time.Now().UTC()
	r := &types.GuideRun{
		ID:        uuid.New(),
		Name:      name,
		Status:    types.RunStatusPending,
		Stage:     types.RunStagePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(r).Error; err != nil {
		tb.Fatalf("seed run: %v", err)
	}
	return r
}

func SeedFile(tb testing.TB, ctx context.Context, tx *gorm.DB, runID uuid.UUID, position int, status string) *types.SourceFile {
	tb.Helper()
	now := time.Now().UTC()
	f := &types.SourceFile{
		ID:         uuid.New(),
		GuideRunID: runID,
		Position:   position,
		Filename:   "doc.pdf",
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.WithContext(ctx).Create(f).Error; err != nil {
		tb.Fatalf("seed file: %v", err)
	}
	return f
}

func SeedGuide(tb testing.TB, ctx context.Context, tx *gorm.DB, runID uuid.UUID, position int, status string) *types.Guide {
	tb.Helper()
	now := time.Now().UTC()
	g := &types.Guide{
		ID:         uuid.New(),
		GuideRunID: runID,
		Position:   position,
		Name:       "guide",
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.WithContext(ctx).Create(g).Error; err != nil {
		tb.Fatalf("seed guide: %v", err)
	}
	return g
}

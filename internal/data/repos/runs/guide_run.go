package runs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/guideforge-backend/internal/domain"
	"github.com/yungbote/guideforge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/guideforge-backend/internal/pkg/errors"
	"github.com/yungbote/guideforge-backend/internal/pkg/logger"
)

type GuideRunRepo interface {
	Create(dbc dbctx.Context, run *types.GuideRun) (*types.GuideRun, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.GuideRun, error)
	List(dbc dbctx.Context, limit int) ([]*types.GuideRun, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// MarkProcessing flips a pending run to processing and stamps started_at.
	// Returns false when the run was not in pending (already dispatched or
	// already terminal), which makes dispatch replays harmless.
	MarkProcessing(dbc dbctx.Context, id uuid.UUID, stage string) (bool, error)
	SetStage(dbc dbctx.Context, id uuid.UUID, stage string) error
	// IncrementProgress applies atomic column deltas (safe under many
	// concurrent chunk executors). Keys are column names.
	IncrementProgress(dbc dbctx.Context, id uuid.UUID, deltas map[string]int) error
	// Delete removes the run and its items.
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type guideRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGuideRunRepo(db *gorm.DB, baseLog *logger.Logger) GuideRunRepo {
	return &guideRunRepo{
		db:  db,
		log: baseLog.With("repo", "GuideRunRepo"),
	}
}

func (r *guideRunRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *guideRunRepo) Create(dbc dbctx.Context, run *types.GuideRun) (*types.GuideRun, error) {
	if run == nil {
		return nil, pkgerrors.ErrInvalidArgument
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (r *guideRunRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.GuideRun, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.ErrInvalidArgument
	}
	var run types.GuideRun
	err := r.conn(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *guideRunRepo) List(dbc dbctx.Context, limit int) ([]*types.GuideRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*types.GuideRun
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *guideRunRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil || len(updates) == 0 {
		return pkgerrors.ErrInvalidArgument
	}
	updates["updated_at"] = time.Now().UTC()
	return r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.GuideRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *guideRunRepo) MarkProcessing(dbc dbctx.Context, id uuid.UUID, stage string) (bool, error) {
	if id == uuid.Nil {
		return false, pkgerrors.ErrInvalidArgument
	}
	now := time.Now().UTC()
	res := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.GuideRun{}).
		Where("id = ? AND status = ?", id, types.RunStatusPending).
		Updates(map[string]interface{}{
			"status":     types.RunStatusProcessing,
			"stage":      stage,
			"started_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *guideRunRepo) SetStage(dbc dbctx.Context, id uuid.UUID, stage string) error {
	return r.UpdateFields(dbc, id, map[string]interface{}{"stage": stage})
}

func (r *guideRunRepo) IncrementProgress(dbc dbctx.Context, id uuid.UUID, deltas map[string]int) error {
	if id == uuid.Nil || len(deltas) == 0 {
		return pkgerrors.ErrInvalidArgument
	}
	updates := map[string]interface{}{"updated_at": time.Now().UTC()}
	for col, d := range deltas {
		if d == 0 {
			continue
		}
		updates[col] = gorm.Expr(col+" + ?", d)
	}
	return r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.GuideRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *guideRunRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return pkgerrors.ErrInvalidArgument
	}
	// Child rows are removed explicitly because FK constraints are not
	// created when migrating (DisableForeignKeyConstraintWhenMigrating).
	return r.conn(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("guide_run_id = ?", id).Delete(&types.SourceFile{}).Error; err != nil {
			return err
		}
		if err := tx.Where("guide_run_id = ?", id).Delete(&types.Guide{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&types.GuideRun{}).Error
	})
}

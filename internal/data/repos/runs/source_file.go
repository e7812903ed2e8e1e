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

type SourceFileRepo interface {
	Create(dbc dbctx.Context, files []*types.SourceFile) ([]*types.SourceFile, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.SourceFile, error)
	ListByRun(dbc dbctx.Context, runID uuid.UUID) ([]*types.SourceFile, error)
	// ListIDsByRun returns file IDs in seeding order; the orchestrator chunks
	// this list.
	ListIDsByRun(dbc dbctx.Context, runID uuid.UUID) ([]uuid.UUID, error)
	// AcquireLease is the race-detection primitive: a conditional update that
	// moves the file to converting and stamps the candidate's token, but only
	// from pending or from a converting row whose lease predates the expiry
	// cutoff. Exactly one concurrent acquirer observes true.
	AcquireLease(dbc dbctx.Context, id uuid.UUID, token uuid.UUID, expiredBefore time.Time) (bool, error)
	// FinalizeWithToken writes terminal data only while the token still
	// matches; a stale holder observes false and must discard its result.
	FinalizeWithToken(dbc dbctx.Context, id uuid.UUID, token uuid.UUID, updates map[string]interface{}) (bool, error)
	// ReleaseToPending returns a transiently-failed file to pending for a
	// clean replay, only while the token still matches.
	ReleaseToPending(dbc dbctx.Context, id uuid.UUID, token uuid.UUID) (bool, error)
	// ListConvertedByRun returns the converted corpus the search step ranks
	// over.
	ListConvertedByRun(dbc dbctx.Context, runID uuid.UUID) ([]*types.SourceFile, error)
	CountByStatus(dbc dbctx.Context, runID uuid.UUID) (map[string]int64, error)
}

type sourceFileRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSourceFileRepo(db *gorm.DB, baseLog *logger.Logger) SourceFileRepo {
	return &sourceFileRepo{
		db:  db,
		log: baseLog.With("repo", "SourceFileRepo"),
	}
}

func (r *sourceFileRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *sourceFileRepo) Create(dbc dbctx.Context, files []*types.SourceFile) ([]*types.SourceFile, error) {
	if len(files) == 0 {
		return []*types.SourceFile{}, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).CreateInBatches(&files, 200).Error; err != nil {
		return nil, err
	}
	return files, nil
}

func (r *sourceFileRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.SourceFile, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.ErrInvalidArgument
	}
	var f types.SourceFile
	err := r.conn(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *sourceFileRepo) ListByRun(dbc dbctx.Context, runID uuid.UUID) ([]*types.SourceFile, error) {
	if runID == uuid.Nil {
		return nil, pkgerrors.ErrInvalidArgument
	}
	var out []*types.SourceFile
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("guide_run_id = ?", runID).
		Order("position ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sourceFileRepo) ListIDsByRun(dbc dbctx.Context, runID uuid.UUID) ([]uuid.UUID, error) {
	if runID == uuid.Nil {
		return nil, pkgerrors.ErrInvalidArgument
	}
	var ids []uuid.UUID
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.SourceFile{}).
		Where("guide_run_id = ?", runID).
		Order("position ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *sourceFileRepo) AcquireLease(dbc dbctx.Context, id uuid.UUID, token uuid.UUID, expiredBefore time.Time) (bool, error) {
	if id == uuid.Nil || token == uuid.Nil {
		return false, pkgerrors.ErrInvalidArgument
	}
	now := time.Now().UTC()
	res := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.SourceFile{}).
		Where(
			"id = ? AND (status = ? OR (status = ? AND lease_acquired_at < ?))",
			id, types.FileStatusPending, types.FileStatusConverting, expiredBefore,
		).
		Updates(map[string]interface{}{
			"status":            types.FileStatusConverting,
			"processing_token":  token,
			"lease_acquired_at": now,
			"updated_at":        now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *sourceFileRepo) FinalizeWithToken(dbc dbctx.Context, id uuid.UUID, token uuid.UUID, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil || token == uuid.Nil || len(updates) == 0 {
		return false, pkgerrors.ErrInvalidArgument
	}
	now := time.Now().UTC()
	updates["processing_token"] = nil
	updates["lease_acquired_at"] = nil
	updates["updated_at"] = now
	res := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.SourceFile{}).
		Where("id = ? AND processing_token = ?", id, token).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *sourceFileRepo) ReleaseToPending(dbc dbctx.Context, id uuid.UUID, token uuid.UUID) (bool, error) {
	if id == uuid.Nil || token == uuid.Nil {
		return false, pkgerrors.ErrInvalidArgument
	}
	now := time.Now().UTC()
	res := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.SourceFile{}).
		Where("id = ? AND processing_token = ?", id, token).
		Updates(map[string]interface{}{
			"status":            types.FileStatusPending,
			"processing_token":  nil,
			"lease_acquired_at": nil,
			"updated_at":        now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *sourceFileRepo) ListConvertedByRun(dbc dbctx.Context, runID uuid.UUID) ([]*types.SourceFile, error) {
	if runID == uuid.Nil {
		return nil, pkgerrors.ErrInvalidArgument
	}
	var out []*types.SourceFile
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("guide_run_id = ? AND status = ?", runID, types.FileStatusConverted).
		Order("position ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sourceFileRepo) CountByStatus(dbc dbctx.Context, runID uuid.UUID) (map[string]int64, error) {
	if runID == uuid.Nil {
		return nil, pkgerrors.ErrInvalidArgument
	}
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.SourceFile{}).
		Select("status, COUNT(*) AS n").
		Where("guide_run_id = ?", runID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, rw := range rows {
		out[rw.Status] = rw.N
	}
	return out, nil
}

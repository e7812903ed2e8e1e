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

type GuideRepo interface {
	Create(dbc dbctx.Context, guides []*types.Guide) ([]*types.Guide, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Guide, error)
	ListByRun(dbc dbctx.Context, runID uuid.UUID) ([]*types.Guide, error)
	ListIDsByRun(dbc dbctx.Context, runID uuid.UUID) ([]uuid.UUID, error)
	// AcquireLease conditionally moves the guide into searching under the
	// candidate's token and increments the attempt counter in the same
	// statement, so attempts count lease acquisitions, never host-level
	// replays. Acceptable source states: pending, an in-progress row whose
	// newest lease signal (heartbeat, else acquisition) predates the expiry
	// cutoff, and needs_attention when allowRetry is set (the manual-retry
	// path). Exactly one concurrent acquirer observes true.
	AcquireLease(dbc dbctx.Context, id uuid.UUID, token uuid.UUID, expiredBefore time.Time, allowRetry bool) (bool, error)
	// RenewLease refreshes the heartbeat timestamp while the token still
	// matches. false means the lease was taken over and the caller must stop.
	RenewLease(dbc dbctx.Context, id uuid.UUID, token uuid.UUID) (bool, error)
	// AdvanceWithToken moves an in-progress guide between non-terminal
	// statuses (searching -> generating) while the token matches.
	AdvanceWithToken(dbc dbctx.Context, id uuid.UUID, token uuid.UUID, status string, updates map[string]interface{}) (bool, error)
	// FinalizeWithToken writes terminal state and clears the lease, only
	// while the token matches.
	FinalizeWithToken(dbc dbctx.Context, id uuid.UUID, token uuid.UUID, updates map[string]interface{}) (bool, error)
	// ReleaseToPending resets a transiently-failed guide for a clean
	// re-entry, keeping the attempt counter.
	ReleaseToPending(dbc dbctx.Context, id uuid.UUID, token uuid.UUID) (bool, error)
	// ForceNeedsAttentionIfAbandoned is the catastrophic-failure fallback: an
	// unconditional terminal write gated on the row being both non-terminal
	// and lease-free, so it can never clobber a concurrent holder's result.
	ForceNeedsAttentionIfAbandoned(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error)
	CountByStatus(dbc dbctx.Context, runID uuid.UUID) (map[string]int64, error)
}

type guideRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGuideRepo(db *gorm.DB, baseLog *logger.Logger) GuideRepo {
	return &guideRepo{
		db:  db,
		log: baseLog.With("repo", "GuideRepo"),
	}
}

func (r *guideRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *guideRepo) Create(dbc dbctx.Context, guides []*types.Guide) ([]*types.Guide, error) {
	if len(guides) == 0 {
		return []*types.Guide{}, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).CreateInBatches(&guides, 200).Error; err != nil {
		return nil, err
	}
	return guides, nil
}

func (r *guideRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Guide, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.ErrInvalidArgument
	}
	var g types.Guide
	err := r.conn(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *guideRepo) ListByRun(dbc dbctx.Context, runID uuid.UUID) ([]*types.Guide, error) {
	if runID == uuid.Nil {
		return nil, pkgerrors.ErrInvalidArgument
	}
	var out []*types.Guide
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("guide_run_id = ?", runID).
		Order("position ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *guideRepo) ListIDsByRun(dbc dbctx.Context, runID uuid.UUID) ([]uuid.UUID, error) {
	if runID == uuid.Nil {
		return nil, pkgerrors.ErrInvalidArgument
	}
	var ids []uuid.UUID
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.Guide{}).
		Where("guide_run_id = ?", runID).
		Order("position ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *guideRepo) AcquireLease(dbc dbctx.Context, id uuid.UUID, token uuid.UUID, expiredBefore time.Time, allowRetry bool) (bool, error) {
	if id == uuid.Nil || token == uuid.Nil {
		return false, pkgerrors.ErrInvalidArgument
	}
	now := time.Now().UTC()

	cond := r.conn(dbc).WithContext(dbc.Ctx).
		Where("status = ?", types.GuideStatusPending).
		Or(
			"status IN ? AND COALESCE(lease_heartbeat_at, lease_acquired_at) < ?",
			[]string{types.GuideStatusSearching, types.GuideStatusGenerating},
			expiredBefore,
		)
	if allowRetry {
		cond = cond.Or("status = ?", types.GuideStatusNeedsAttention)
	}

	res := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.Guide{}).
		Where("id = ?", id).
		Where(cond).
		Updates(map[string]interface{}{
			"status":             types.GuideStatusSearching,
			"attempts":           gorm.Expr("attempts + 1"),
			"processing_token":   token,
			"lease_acquired_at":  now,
			"lease_heartbeat_at": now,
			"updated_at":         now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *guideRepo) RenewLease(dbc dbctx.Context, id uuid.UUID, token uuid.UUID) (bool, error) {
	if id == uuid.Nil || token == uuid.Nil {
		return false, pkgerrors.ErrInvalidArgument
	}
	now := time.Now().UTC()
	res := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.Guide{}).
		Where("id = ? AND processing_token = ?", id, token).
		Updates(map[string]interface{}{
			"lease_heartbeat_at": now,
			"updated_at":         now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *guideRepo) AdvanceWithToken(dbc dbctx.Context, id uuid.UUID, token uuid.UUID, status string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil || token == uuid.Nil {
		return false, pkgerrors.ErrInvalidArgument
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	now := time.Now().UTC()
	updates["status"] = status
	updates["lease_heartbeat_at"] = now
	updates["updated_at"] = now
	res := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.Guide{}).
		Where("id = ? AND processing_token = ?", id, token).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *guideRepo) FinalizeWithToken(dbc dbctx.Context, id uuid.UUID, token uuid.UUID, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil || token == uuid.Nil || len(updates) == 0 {
		return false, pkgerrors.ErrInvalidArgument
	}
	now := time.Now().UTC()
	updates["processing_token"] = nil
	updates["lease_acquired_at"] = nil
	updates["lease_heartbeat_at"] = nil
	updates["updated_at"] = now
	res := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.Guide{}).
		Where("id = ? AND processing_token = ?", id, token).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *guideRepo) ReleaseToPending(dbc dbctx.Context, id uuid.UUID, token uuid.UUID) (bool, error) {
	if id == uuid.Nil || token == uuid.Nil {
		return false, pkgerrors.ErrInvalidArgument
	}
	now := time.Now().UTC()
	res := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.Guide{}).
		Where("id = ? AND processing_token = ?", id, token).
		Updates(map[string]interface{}{
			"status":             types.GuideStatusPending,
			"processing_token":   nil,
			"lease_acquired_at":  nil,
			"lease_heartbeat_at": nil,
			"updated_at":         now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *guideRepo) ForceNeedsAttentionIfAbandoned(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, pkgerrors.ErrInvalidArgument
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	now := time.Now().UTC()
	updates["status"] = types.GuideStatusNeedsAttention
	updates["updated_at"] = now
	res := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.Guide{}).
		Where(
			"id = ? AND status NOT IN ? AND processing_token IS NULL",
			id,
			[]string{types.GuideStatusCompleted, types.GuideStatusNeedsAttention},
		).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *guideRepo) CountByStatus(dbc dbctx.Context, runID uuid.UUID) (map[string]int64, error) {
	if runID == uuid.Nil {
		return nil, pkgerrors.ErrInvalidArgument
	}
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.Guide{}).
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

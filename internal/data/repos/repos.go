package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/guideforge-backend/internal/data/repos/runs"
	"github.com/yungbote/guideforge-backend/internal/pkg/logger"
)

type GuideRunRepo = runs.GuideRunRepo
type SourceFileRepo = runs.SourceFileRepo
type GuideRepo = runs.GuideRepo

func NewGuideRunRepo(db *gorm.DB, baseLog *logger.Logger) GuideRunRepo {
	return runs.NewGuideRunRepo(db, baseLog)
}

func NewSourceFileRepo(db *gorm.DB, baseLog *logger.Logger) SourceFileRepo {
	return runs.NewSourceFileRepo(db, baseLog)
}

func NewGuideRepo(db *gorm.DB, baseLog *logger.Logger) GuideRepo {
	return runs.NewGuideRepo(db, baseLog)
}

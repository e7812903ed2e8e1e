package db

import (
	types "github.com/yungbote/guideforge-backend/internal/domain"
	"gorm.io/gorm"
)

func AutoMigrateAll(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&types.GuideRun{},
		&types.SourceFile{},
		&types.Guide{},
	)
}

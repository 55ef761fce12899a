package database

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"SalesAgent/internal/model"
	"SalesAgent/pkg/logger"
)

// Models 所有需要迁移的表，测试里的 sqlite 也用这份列表
func Models() []any {
	return []any{
		&model.Lead{},
		&model.Appointment{},
		&model.FollowUp{},
		&model.ConversationMessage{},
	}
}

// Migrate 运行数据库迁移，创建所有表
func Migrate(db *gorm.DB) error {
	if db == nil {
		return gorm.ErrInvalidDB
	}

	logger.Logger.Info("Starting database migration...")

	if err := db.AutoMigrate(Models()...); err != nil {
		logger.Logger.Error("Database migration failed", zap.Error(err))
		return err
	}

	logger.Logger.Info("Database migration completed successfully")
	return nil
}

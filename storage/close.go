package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"SalesAgent/pkg/logger"
	"SalesAgent/storage/database"
	"SalesAgent/storage/mq"
	"SalesAgent/storage/redis"
)

// Close 按 MQ -> Redis -> Database 的顺序关闭：先停止收发任务，最后关数据库
func Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second) // 关闭总预算
	defer cancel()

	logger.Logger.Info("Closing storage connections...")

	if err := mq.Close(ctx); err != nil {
		logger.Logger.Error("Failed to close message queue", zap.Error(err))
	} else {
		logger.Logger.Info("Message queue closed successfully")
	}

	if err := redis.Close(ctx); err != nil {
		logger.Logger.Error("Failed to close Redis connection", zap.Error(err))
	} else {
		logger.Logger.Info("Redis connection closed successfully")
	}

	if err := database.Close(ctx); err != nil {
		logger.Logger.Error("Failed to close database connection", zap.Error(err))
	} else {
		logger.Logger.Info("Database connection closed successfully")
	}

	logger.Logger.Info("All storage connections closed")
}

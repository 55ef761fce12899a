package storage

import (
	"SalesAgent/config"
	"SalesAgent/storage/database"
	"SalesAgent/storage/mq"
	"SalesAgent/storage/redis"
)

// Init 统一初始化存储层，withMQ 为 false 时不连接 RabbitMQ
func Init(cfg config.Config, withMQ bool) error {
	if err := database.Init(cfg); err != nil {
		return err
	}

	if err := redis.Init(cfg); err != nil {
		return err
	}

	if withMQ {
		if err := mq.Init(cfg); err != nil {
			return err
		}
	}

	return nil
}

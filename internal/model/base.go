package model

import (
	"time"

	"gorm.io/gorm"

	"SalesAgent/pkg/snowflake"
)

// BaseModel 主键使用 snowflake，插入前自动分配
type BaseModel struct {
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
}

func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID != 0 {
		return nil
	}
	id, err := snowflake.NextID()
	if err != nil {
		return err
	}
	b.ID = id
	return nil
}

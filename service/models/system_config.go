/*
 * @module service/models/system_config
 * @description 系统配置模型，存储可动态下发的配置项(同步设置、分析设置、CPA规则等)
 * @architecture 数据模型层
 * @documentReference ai_docs/config_provider_design.md
 * @stateFlow 配置存储 -> 配置读取 -> 配置更新通知
 * @rules 配置键唯一；值以JSONB存储，类型转换由ConfigProvider负责
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/config/config_provider.go
 */

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SystemConfig 系统配置模型
type SystemConfig struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Key         string    `gorm:"type:varchar(100);not null;uniqueIndex" json:"key"`
	Value       JSONB     `gorm:"type:jsonb;not null" json:"value"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName 指定表名
func (SystemConfig) TableName() string {
	return "system_configs"
}

// BeforeCreate GORM钩子
func (sc *SystemConfig) BeforeCreate(tx *gorm.DB) error {
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	return nil
}

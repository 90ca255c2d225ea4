/*
 * @module service/models/sync_configuration
 * @description 表级同步配置与增量水位线模型，控制每张业务表的同步节奏与重试策略
 * @architecture 数据模型层
 * @documentReference ai_docs/etl_engine_design.md
 * @stateFlow 配置下发 -> 调度读取 -> last_sync_at/水位线回写
 * @rules sync_interval_minutes与batch_size必须为正；水位线按表名唯一，只在同步成功后推进
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/etl/table_syncer.go, service/scheduler/sync_scheduler.go
 */

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 同步配置状态常量
const (
	SyncConfigStatusActive   = "ACTIVE"
	SyncConfigStatusInactive = "INACTIVE"
	SyncConfigStatusError    = "ERROR"
)

// SyncConfiguration 表级同步配置模型
type SyncConfiguration struct {
	ID                  string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	SyncTable           string     `gorm:"column:table_name;type:varchar(100);not null;uniqueIndex" json:"table_name"`
	SyncIntervalMinutes int        `gorm:"not null;default:15" json:"sync_interval_minutes"`
	BatchSize           int        `gorm:"not null;default:500" json:"batch_size"`
	MaxRetries          int        `gorm:"not null;default:3" json:"max_retries"`
	TimeoutSeconds      int        `gorm:"not null;default:60" json:"timeout_seconds"`
	Status              string     `gorm:"type:varchar(20);not null;default:'ACTIVE'" json:"status"`
	LastSyncAt          *time.Time `json:"last_sync_at"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (SyncConfiguration) TableName() string {
	return "sync_configurations"
}

// BeforeCreate GORM钩子
func (sc *SyncConfiguration) BeforeCreate(tx *gorm.DB) error {
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	return sc.Validate()
}

// BeforeUpdate GORM钩子
func (sc *SyncConfiguration) BeforeUpdate(tx *gorm.DB) error {
	return sc.Validate()
}

// Validate 校验配置不变量
func (sc *SyncConfiguration) Validate() error {
	if sc.SyncIntervalMinutes <= 0 {
		return fmt.Errorf("同步间隔必须为正数: %d", sc.SyncIntervalMinutes)
	}
	if sc.BatchSize <= 0 {
		return fmt.Errorf("批量大小必须为正数: %d", sc.BatchSize)
	}
	if sc.MaxRetries < 0 {
		return fmt.Errorf("最大重试次数不能为负数: %d", sc.MaxRetries)
	}
	if sc.TimeoutSeconds <= 0 {
		return fmt.Errorf("超时秒数必须为正数: %d", sc.TimeoutSeconds)
	}
	switch sc.Status {
	case SyncConfigStatusActive, SyncConfigStatusInactive, SyncConfigStatusError:
	default:
		return fmt.Errorf("无效的配置状态: %s", sc.Status)
	}
	return nil
}

// SyncWatermark 增量水位线模型，跨进程重启保持增量语义
type SyncWatermark struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	SyncTable string    `gorm:"column:table_name;type:varchar(100);not null;uniqueIndex" json:"table_name"`
	Watermark time.Time `gorm:"not null" json:"watermark"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (SyncWatermark) TableName() string {
	return "sync_watermarks"
}

// BeforeCreate GORM钩子
func (sw *SyncWatermark) BeforeCreate(tx *gorm.DB) error {
	if sw.ID == "" {
		sw.ID = uuid.New().String()
	}
	return nil
}

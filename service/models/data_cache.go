/*
 * @module service/models/data_cache
 * @description 数据缓存条目模型，以JSONB形式缓存分析结果等昂贵查询
 * @architecture 数据模型层 - TTL驱动过期
 * @documentReference ai_docs/cache_service_design.md
 * @stateFlow 写入(带TTL) -> 命中读取 -> 过期清理
 * @rules cache_key唯一；ttl_seconds必须为正；expires_at由创建时刻加TTL推导
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/cache/cache_service.go, service/cleanup/cleanup_service.go
 */

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DataCacheEntry 数据缓存条目模型
type DataCacheEntry struct {
	ID         string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CacheKey   string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"cache_key"`
	CacheData  JSONB     `gorm:"type:jsonb;not null" json:"cache_data"`
	TTLSeconds int       `gorm:"not null" json:"ttl_seconds"`
	ExpiresAt  time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName 指定表名
func (DataCacheEntry) TableName() string {
	return "data_cache"
}

// BeforeCreate GORM钩子，按TTL推导过期时刻
func (dc *DataCacheEntry) BeforeCreate(tx *gorm.DB) error {
	if dc.ID == "" {
		dc.ID = uuid.New().String()
	}
	if dc.TTLSeconds <= 0 {
		return fmt.Errorf("缓存TTL必须为正数: %d", dc.TTLSeconds)
	}
	if dc.ExpiresAt.IsZero() {
		dc.ExpiresAt = time.Now().UTC().Add(time.Duration(dc.TTLSeconds) * time.Second)
	}
	return nil
}

// IsExpired 判断缓存是否过期
func (dc *DataCacheEntry) IsExpired() bool {
	return time.Now().UTC().After(dc.ExpiresAt)
}

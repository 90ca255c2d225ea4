/*
 * @module service/cache/cache_service
 * @description 数据缓存服务，在目标库data_cache表缓存昂贵查询结果，TTL到期后失效
 * @architecture 数据库缓存 - 读取时惰性剔除过期条目，另有清理任务兜底
 * @documentReference ai_docs/cache_service_design.md
 * @stateFlow Set(带TTL) -> Get命中/过期剔除 -> 定期清理
 * @rules 过期删除路径幂等，与清理服务的删除可并存
 * @dependencies gorm.io/gorm
 * @refs service/models/data_cache.go, service/cleanup/cleanup_service.go
 */

package cache

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"datasync-service/service/models"
)

// CacheService 数据缓存服务
type CacheService struct {
	db *gorm.DB
}

// NewCacheService 创建缓存服务
func NewCacheService(db *gorm.DB) *CacheService {
	return &CacheService{db: db}
}

// Get 读取缓存。过期条目当作未命中并惰性删除。
func (s *CacheService) Get(ctx context.Context, key string) (models.JSONB, bool, error) {
	var entry models.DataCacheEntry
	err := s.db.WithContext(ctx).Where("cache_key = ?", key).First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("读取缓存失败: %w", err)
	}

	if entry.IsExpired() {
		s.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&models.DataCacheEntry{})
		return nil, false, nil
	}
	return entry.CacheData, true, nil
}

// Set 写入缓存，同键覆盖并重算过期时刻
func (s *CacheService) Set(ctx context.Context, key string, data models.JSONB, ttlSeconds int) error {
	if ttlSeconds <= 0 {
		return fmt.Errorf("缓存TTL必须为正数: %d", ttlSeconds)
	}

	now := time.Now().UTC()
	entry := &models.DataCacheEntry{
		CacheKey:   key,
		CacheData:  data,
		TTLSeconds: ttlSeconds,
		ExpiresAt:  now.Add(time.Duration(ttlSeconds) * time.Second),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"cache_data", "ttl_seconds", "expires_at", "updated_at"}),
	}).Create(entry).Error
	if err != nil {
		return fmt.Errorf("写入缓存失败: %w", err)
	}
	return nil
}

// Delete 删除指定缓存键
func (s *CacheService) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&models.DataCacheEntry{}).Error; err != nil {
		return fmt.Errorf("删除缓存失败: %w", err)
	}
	return nil
}

// DeleteExpired 删除全部过期条目，返回删除数
func (s *CacheService) DeleteExpired(ctx context.Context) (int, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", time.Now().UTC()).
		Delete(&models.DataCacheEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("清理过期缓存失败: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

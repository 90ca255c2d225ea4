/*
 * @module testutil/test_helper
 * @description 测试工具和辅助函数，提供内存数据库与测试数据工厂
 * @architecture 测试基础设施 - 测试环境初始化与数据构造
 * @documentReference ai_docs/test_plan.md
 * @stateFlow 测试环境初始化 -> 测试数据创建 -> 测试执行 -> 清理资源
 * @rules 提供可重用的测试工具，确保测试环境的一致性
 * @dependencies gorm, sqlite, time
 * @refs service/models
 */

package testutil

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"datasync-service/service/models"
)

// TestDB 测试数据库配置
type TestDB struct {
	DB *gorm.DB
}

// NewTestDB 创建内存测试数据库并迁移全部模型
func NewTestDB() *TestDB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		panic(fmt.Sprintf("failed to connect test database: %v", err))
	}

	err = db.AutoMigrate(
		&models.ETLLog{},
		&models.UserAnalytics{},
		&models.AffiliateAnalytics{},
		&models.DataExport{},
		&models.DataCacheEntry{},
		&models.SyncConfiguration{},
		&models.SyncWatermark{},
		&models.SystemConfig{},
	)
	if err != nil {
		panic(fmt.Sprintf("failed to migrate test database: %v", err))
	}

	return &TestDB{DB: db}
}

// CleanDB 清空所有表数据
func (tdb *TestDB) CleanDB() {
	tables := []string{
		"data_sync_logs",
		"user_analytics",
		"affiliate_analytics",
		"data_exports",
		"data_cache",
		"sync_configurations",
		"sync_watermarks",
		"system_configs",
	}

	for _, table := range tables {
		tdb.DB.Exec(fmt.Sprintf("DELETE FROM %s", table))
	}
}

// Close 关闭数据库连接
func (tdb *TestDB) Close() {
	if db, err := tdb.DB.DB(); err == nil {
		db.Close()
	}
}

// TestDataFactory 测试数据工厂
type TestDataFactory struct {
	DB *gorm.DB
}

// NewTestDataFactory 创建测试数据工厂
func NewTestDataFactory(db *gorm.DB) *TestDataFactory {
	return &TestDataFactory{DB: db}
}

// CreateETLLog 创建一条运行中的同步日志
func (f *TestDataFactory) CreateETLLog(tableName string) *models.ETLLog {
	log := &models.ETLLog{
		SyncType:  "incremental",
		SyncTable: tableName,
		Operation: models.OperationSync,
		StartTime: time.Now().UTC(),
		Status:    models.SyncStatusRunning,
	}
	if err := f.DB.Create(log).Error; err != nil {
		panic(fmt.Sprintf("failed to create test etl log: %v", err))
	}
	return log
}

// CreateUserAnalytics 创建一条用户分析行
func (f *TestDataFactory) CreateUserAnalytics(userID int64, periodType string, periodStart time.Time) *models.UserAnalytics {
	row := &models.UserAnalytics{
		UserID:      userID,
		PeriodType:  periodType,
		PeriodStart: periodStart,
		PeriodEnd:   periodStart.AddDate(0, 0, 1).Add(-time.Millisecond),
		LastUpdated: time.Now().UTC(),
	}
	if err := f.DB.Create(row).Error; err != nil {
		panic(fmt.Sprintf("failed to create test user analytics: %v", err))
	}
	return row
}

// CreateSyncConfiguration 创建一条同步配置
func (f *TestDataFactory) CreateSyncConfiguration(tableName string) *models.SyncConfiguration {
	config := &models.SyncConfiguration{
		SyncTable:           tableName,
		SyncIntervalMinutes: 15,
		BatchSize:           500,
		MaxRetries:          3,
		TimeoutSeconds:      60,
		Status:              models.SyncConfigStatusActive,
	}
	if err := f.DB.Create(config).Error; err != nil {
		panic(fmt.Sprintf("failed to create test sync configuration: %v", err))
	}
	return config
}

// CreateCacheEntry 创建一条缓存
func (f *TestDataFactory) CreateCacheEntry(key string, ttlSeconds int) *models.DataCacheEntry {
	entry := &models.DataCacheEntry{
		CacheKey:   key,
		CacheData:  models.JSONB{"value": key},
		TTLSeconds: ttlSeconds,
	}
	if err := f.DB.Create(entry).Error; err != nil {
		panic(fmt.Sprintf("failed to create test cache entry: %v", err))
	}
	return entry
}

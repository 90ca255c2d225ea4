/*
 * @module service/database/database
 * @description 数据库连接管理：目标库走GORM，源库走database/sql只读连接池，含建表与种子数据
 * @architecture 连接池 - 进程级两个池，初始化失败视为致命错误
 * @documentReference ai_docs/etl_engine_design.md
 * @stateFlow 连接建立 -> 健康检查 -> 自动迁移 -> 种子数据
 * @rules 源库只读不做任何schema变更；目标库迁移与种子幂等
 * @dependencies gorm.io/gorm, gorm.io/driver/postgres, github.com/lib/pq
 * @refs service/init.go, service/models
 */

package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"datasync-service/service/models"
)

// NewTargetDB 建立目标分析库连接(GORM)
func NewTargetDB() (*gorm.DB, error) {
	dsn := getEnvWithDefault("TARGET_DATABASE_URL",
		"host=localhost port=5432 user=postgres password=postgres dbname=analytics sslmode=disable")

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("连接目标库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取目标库连接池失败: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("目标库连接检查失败: %w", err)
	}
	slog.Info("目标库连接成功")
	return db, nil
}

// NewSourceDB 建立源业务库只读连接(database/sql + lib/pq)
func NewSourceDB() (*sql.DB, error) {
	dsn := getEnvWithDefault("SOURCE_DATABASE_URL",
		"host=localhost port=5432 user=postgres password=postgres dbname=platform sslmode=disable")

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开源库连接失败: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("源库连接检查失败: %w", err)
	}
	slog.Info("源库连接成功")
	return db, nil
}

// AutoMigrate 迁移目标库全部模型表
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
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
		return fmt.Errorf("目标库迁移失败: %w", err)
	}
	slog.Info("目标库迁移完成")
	return nil
}

// InitializeData 写入幂等的种子数据：四张业务表的默认同步配置
func InitializeData(db *gorm.DB) error {
	defaults := []models.SyncConfiguration{
		{SyncTable: "users", SyncIntervalMinutes: 15, BatchSize: 500, MaxRetries: 3, TimeoutSeconds: 60, Status: models.SyncConfigStatusActive},
		{SyncTable: "transactions", SyncIntervalMinutes: 15, BatchSize: 500, MaxRetries: 3, TimeoutSeconds: 60, Status: models.SyncConfigStatusActive},
		{SyncTable: "bets", SyncIntervalMinutes: 15, BatchSize: 1000, MaxRetries: 3, TimeoutSeconds: 60, Status: models.SyncConfigStatusActive},
		{SyncTable: "deposits", SyncIntervalMinutes: 15, BatchSize: 500, MaxRetries: 3, TimeoutSeconds: 60, Status: models.SyncConfigStatusActive},
	}

	for _, config := range defaults {
		var count int64
		if err := db.Model(&models.SyncConfiguration{}).
			Where("table_name = ?", config.SyncTable).
			Count(&count).Error; err != nil {
			return fmt.Errorf("检查同步配置失败: %w", err)
		}
		if count > 0 {
			continue
		}
		if err := db.Create(&config).Error; err != nil {
			return fmt.Errorf("写入默认同步配置失败(%s): %w", config.SyncTable, err)
		}
		slog.Info("写入默认同步配置", "table", config.SyncTable)
	}
	return nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

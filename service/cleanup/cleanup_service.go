/*
 * @module service/cleanup/cleanup_service
 * @description 目标库清理服务：孤儿行删除、统计信息刷新、同步日志保留、缓存与导出过期处理
 * @architecture 幂等批处理 - 所有清理动作可重复执行
 * @documentReference ai_docs/cleanup_service_design.md
 * @stateFlow 孤儿清理 -> ANALYZE -> 日志保留 -> 缓存过期 -> 导出过期
 * @rules 单步失败记录后继续后续步骤；清理过程记入CLEANUP日志
 * @dependencies gorm.io/gorm
 * @refs service/scheduler/sync_scheduler.go, service/models/etl_log.go
 */

package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"datasync-service/service/models"
)

const defaultLogRetentionDays = 30

// 带external_user_id外部键的子表，孤儿行按affiliates父表判定
var orphanTables = []string{"referrals", "bet_activities", "deposit_records"}

// 清理后刷新统计信息的目标表
var analyzeTables = []string{"affiliates", "referrals", "bet_activities", "deposit_records", "user_analytics", "affiliate_analytics"}

// CleanupService 目标库清理服务
type CleanupService struct {
	db               *gorm.DB
	logRetentionDays int
}

// NewCleanupService 创建清理服务
func NewCleanupService(db *gorm.DB) *CleanupService {
	return &CleanupService{db: db, logRetentionDays: defaultLogRetentionDays}
}

// SetLogRetentionDays 覆盖日志保留天数
func (s *CleanupService) SetLogRetentionDays(days int) {
	if days > 0 {
		s.logRetentionDays = days
	}
}

// RunCleanup 执行一轮完整清理，单步失败不中断后续步骤
func (s *CleanupService) RunCleanup(ctx context.Context) error {
	cleanupLog := &models.ETLLog{
		SyncType:  "cleanup",
		SyncTable: "*",
		Operation: models.OperationCleanup,
		StartTime: time.Now().UTC(),
		Status:    models.SyncStatusRunning,
	}
	if err := s.db.WithContext(ctx).Create(cleanupLog).Error; err != nil {
		return fmt.Errorf("创建清理日志失败: %w", err)
	}

	var stepErrors []string
	totalRemoved := 0

	removed, err := s.removeOrphans(ctx)
	totalRemoved += removed
	if err != nil {
		stepErrors = append(stepErrors, err.Error())
	}

	if err := s.analyzeTargetTables(ctx); err != nil {
		stepErrors = append(stepErrors, err.Error())
	}

	removed, err = s.pruneSyncLogs(ctx)
	totalRemoved += removed
	if err != nil {
		stepErrors = append(stepErrors, err.Error())
	}

	removed, err = s.DeleteExpiredCache(ctx)
	totalRemoved += removed
	if err != nil {
		stepErrors = append(stepErrors, err.Error())
	}

	expired, err := s.expireExports(ctx)
	if err != nil {
		stepErrors = append(stepErrors, err.Error())
	}

	cleanupLog.MarkCompleted(totalRemoved+expired, totalRemoved+expired, 0)
	cleanupLog.Metadata = models.JSONB{
		"removed_rows":    totalRemoved,
		"expired_exports": expired,
	}
	if len(stepErrors) > 0 {
		cleanupLog.ErrorMessage = strings.Join(stepErrors, "; ")
	}
	if err := s.db.WithContext(ctx).Save(cleanupLog).Error; err != nil {
		return fmt.Errorf("更新清理日志失败: %w", err)
	}

	slog.Info("清理任务完成", "removed_rows", totalRemoved, "expired_exports", expired, "step_errors", len(stepErrors))
	if len(stepErrors) > 0 {
		return fmt.Errorf("部分清理步骤失败: %s", strings.Join(stepErrors, "; "))
	}
	return nil
}

// removeOrphans 删除父表中不存在对应external_user_id的子表行
func (s *CleanupService) removeOrphans(ctx context.Context) (int, error) {
	total := 0
	for _, table := range orphanTables {
		result := s.db.WithContext(ctx).Exec(fmt.Sprintf(
			`DELETE FROM %s WHERE external_user_id NOT IN (SELECT external_user_id FROM affiliates)`, table))
		if result.Error != nil {
			return total, fmt.Errorf("清理孤儿行失败(%s): %w", table, result.Error)
		}
		if result.RowsAffected > 0 {
			slog.Info("清理孤儿行", "table", table, "removed", result.RowsAffected)
		}
		total += int(result.RowsAffected)
	}
	return total, nil
}

// analyzeTargetTables 刷新目标表统计信息，非PostgreSQL环境不支持时只告警
func (s *CleanupService) analyzeTargetTables(ctx context.Context) error {
	for _, table := range analyzeTables {
		if err := s.db.WithContext(ctx).Exec("ANALYZE " + table).Error; err != nil {
			slog.Warn("刷新统计信息失败", "table", table, "error", err)
		}
	}
	return nil
}

// pruneSyncLogs 删除超出保留期且已终态的同步日志
func (s *CleanupService) pruneSyncLogs(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.logRetentionDays)
	result := s.db.WithContext(ctx).
		Where("start_time < ? AND status IN ?", cutoff,
			[]string{models.SyncStatusCompleted, models.SyncStatusFailed, models.SyncStatusCancelled}).
		Delete(&models.ETLLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("清理同步日志失败: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		slog.Info("清理过期同步日志", "removed", result.RowsAffected, "retention_days", s.logRetentionDays)
	}
	return int(result.RowsAffected), nil
}

// DeleteExpiredCache 删除已过期的缓存条目，幂等可重复执行
func (s *CleanupService) DeleteExpiredCache(ctx context.Context) (int, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", time.Now().UTC()).
		Delete(&models.DataCacheEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("清理过期缓存失败: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// expireExports 把超过有效期的已完成导出标记为EXPIRED
func (s *CleanupService) expireExports(ctx context.Context) (int, error) {
	// 批量状态翻转跳过模型钩子，钩子面向整行校验
	result := s.db.WithContext(ctx).
		Session(&gorm.Session{SkipHooks: true}).
		Model(&models.DataExport{}).
		Where("expires_at <= ? AND status = ?", time.Now().UTC(), models.ExportStatusCompleted).
		Updates(map[string]interface{}{"status": models.ExportStatusExpired, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return 0, fmt.Errorf("标记过期导出失败: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

/*
 * @module service/models/etl_log
 * @description 同步日志模型，记录每次同步/导出/清理/聚合操作的执行情况与统计
 * @architecture 数据模型层 - 追加后终态化，不做二次修改
 * @documentReference ai_docs/etl_engine_design.md
 * @stateFlow RUNNING -> COMPLETED/FAILED/CANCELLED
 * @rules records_success + records_failed <= records_processed；end_time >= start_time
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/etl/table_syncer.go, service/cleanup/cleanup_service.go
 */

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 操作类型常量
const (
	OperationSync      = "SYNC"
	OperationExport    = "EXPORT"
	OperationImport    = "IMPORT"
	OperationCleanup   = "CLEANUP"
	OperationAggregate = "AGGREGATE"
)

// 同步状态常量
const (
	SyncStatusRunning   = "RUNNING"
	SyncStatusCompleted = "COMPLETED"
	SyncStatusFailed    = "FAILED"
	SyncStatusCancelled = "CANCELLED"
)

// ETLLog 同步日志模型
type ETLLog struct {
	ID               string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	SyncType         string     `gorm:"type:varchar(50);not null;index" json:"sync_type"`
	SyncTable        string     `gorm:"column:table_name;type:varchar(100);not null;index" json:"table_name"`
	Operation        string     `gorm:"type:varchar(20);not null" json:"operation"`
	RecordsProcessed int        `gorm:"default:0" json:"records_processed"`
	RecordsSuccess   int        `gorm:"default:0" json:"records_success"`
	RecordsFailed    int        `gorm:"default:0" json:"records_failed"`
	StartTime        time.Time  `gorm:"not null;index" json:"start_time"`
	EndTime          *time.Time `json:"end_time"`
	DurationMs       *int64     `json:"duration_ms"`
	Status           string     `gorm:"type:varchar(20);not null;default:'RUNNING';index" json:"status"`
	ErrorMessage     string     `gorm:"type:text" json:"error_message"`
	Metadata         JSONB      `gorm:"type:jsonb" json:"metadata"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (ETLLog) TableName() string {
	return "data_sync_logs"
}

// BeforeCreate GORM钩子
func (l *ETLLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	return l.Validate()
}

// BeforeUpdate GORM钩子
func (l *ETLLog) BeforeUpdate(tx *gorm.DB) error {
	return l.Validate()
}

// Validate 校验日志不变量
func (l *ETLLog) Validate() error {
	if l.RecordsSuccess+l.RecordsFailed > l.RecordsProcessed {
		return fmt.Errorf("成功数+失败数不能超过处理总数: %d+%d > %d",
			l.RecordsSuccess, l.RecordsFailed, l.RecordsProcessed)
	}
	if l.EndTime != nil && l.EndTime.Before(l.StartTime) {
		return fmt.Errorf("结束时间不能早于开始时间")
	}
	switch l.Operation {
	case OperationSync, OperationExport, OperationImport, OperationCleanup, OperationAggregate:
	default:
		return fmt.Errorf("无效的操作类型: %s", l.Operation)
	}
	switch l.Status {
	case SyncStatusRunning, SyncStatusCompleted, SyncStatusFailed, SyncStatusCancelled:
	default:
		return fmt.Errorf("无效的同步状态: %s", l.Status)
	}
	return nil
}

// MarkCompleted 标记为完成并固化统计
func (l *ETLLog) MarkCompleted(processed, success, failed int) {
	now := time.Now().UTC()
	l.RecordsProcessed = processed
	l.RecordsSuccess = success
	l.RecordsFailed = failed
	l.EndTime = &now
	duration := now.Sub(l.StartTime).Milliseconds()
	l.DurationMs = &duration
	l.Status = SyncStatusCompleted
}

// MarkFailed 标记为失败
func (l *ETLLog) MarkFailed(errMessage string) {
	now := time.Now().UTC()
	l.EndTime = &now
	duration := now.Sub(l.StartTime).Milliseconds()
	l.DurationMs = &duration
	l.Status = SyncStatusFailed
	l.ErrorMessage = errMessage
}

// IsFinished 判断是否已进入终态
func (l *ETLLog) IsFinished() bool {
	return l.Status == SyncStatusCompleted ||
		l.Status == SyncStatusFailed ||
		l.Status == SyncStatusCancelled
}

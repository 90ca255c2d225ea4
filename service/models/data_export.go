/*
 * @module service/models/data_export
 * @description 数据导出任务模型，跟踪导出请求的状态、进度与下载凭证
 * @architecture 数据模型层 - 状态机驱动
 * @documentReference ai_docs/export_service_design.md
 * @stateFlow PENDING -> PROCESSING -> COMPLETED/FAILED；过期由清理任务置为EXPIRED
 * @rules progress_percentage落在[0,100]；expires_at必须晚于created_at；下载令牌只存bcrypt哈希
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/export/export_service.go
 */

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 导出状态常量
const (
	ExportStatusPending    = "PENDING"
	ExportStatusProcessing = "PROCESSING"
	ExportStatusCompleted  = "COMPLETED"
	ExportStatusFailed     = "FAILED"
	ExportStatusExpired    = "EXPIRED"
)

// 导出格式常量
const (
	ExportFormatCSV  = "CSV"
	ExportFormatJSON = "JSON"
	ExportFormatXLSX = "XLSX"
	ExportFormatPDF  = "PDF"
)

// DataExport 数据导出任务模型
type DataExport struct {
	ID                 string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	ExportType         string     `gorm:"type:varchar(50);not null" json:"export_type"`
	Format             string     `gorm:"type:varchar(10);not null" json:"format"`
	Status             string     `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`
	ProgressPercentage int        `gorm:"default:0" json:"progress_percentage"`
	Filters            JSONB      `gorm:"type:jsonb" json:"filters"`
	FilePath           string     `gorm:"type:varchar(500)" json:"file_path"`
	FileSizeBytes      int64      `gorm:"default:0" json:"file_size_bytes"`
	RecordCount        int        `gorm:"default:0" json:"record_count"`
	ErrorMessage       string     `gorm:"type:text" json:"error_message"`
	DownloadTokenHash  string     `gorm:"type:varchar(100)" json:"-"`
	RequestedBy        string     `gorm:"type:varchar(100)" json:"requested_by"`
	CompletedAt        *time.Time `json:"completed_at"`
	ExpiresAt          time.Time  `gorm:"not null;index" json:"expires_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (DataExport) TableName() string {
	return "data_exports"
}

// BeforeCreate GORM钩子
func (de *DataExport) BeforeCreate(tx *gorm.DB) error {
	if de.ID == "" {
		de.ID = uuid.New().String()
	}
	if de.CreatedAt.IsZero() {
		de.CreatedAt = time.Now().UTC()
	}
	return de.Validate()
}

// BeforeUpdate GORM钩子
func (de *DataExport) BeforeUpdate(tx *gorm.DB) error {
	return de.Validate()
}

// Validate 校验导出任务不变量
func (de *DataExport) Validate() error {
	switch de.Status {
	case ExportStatusPending, ExportStatusProcessing, ExportStatusCompleted,
		ExportStatusFailed, ExportStatusExpired:
	default:
		return fmt.Errorf("无效的导出状态: %s", de.Status)
	}
	switch de.Format {
	case ExportFormatCSV, ExportFormatJSON, ExportFormatXLSX, ExportFormatPDF:
	default:
		return fmt.Errorf("无效的导出格式: %s", de.Format)
	}
	if de.ProgressPercentage < 0 || de.ProgressPercentage > 100 {
		return fmt.Errorf("进度必须在[0,100]区间: %d", de.ProgressPercentage)
	}
	if !de.CreatedAt.IsZero() && !de.ExpiresAt.After(de.CreatedAt) {
		return fmt.Errorf("过期时间必须晚于创建时间")
	}
	return nil
}

// IsExpired 判断导出文件是否已过期
func (de *DataExport) IsExpired() bool {
	return time.Now().UTC().After(de.ExpiresAt)
}

// CanDownload 判断是否可下载
func (de *DataExport) CanDownload() bool {
	return de.Status == ExportStatusCompleted && !de.IsExpired()
}

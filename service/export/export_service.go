/*
 * @module service/export/export_service
 * @description 数据导出服务，异步生成CSV/JSON导出文件，下载凭证以bcrypt哈希存储
 * @architecture 异步任务 - 创建任务后台执行，状态与进度回写data_exports
 * @documentReference ai_docs/export_service_design.md
 * @stateFlow PENDING -> PROCESSING -> COMPLETED/FAILED；过期由清理任务置EXPIRED
 * @rules 下载必须校验明文令牌对哈希；只允许配置白名单内的导出格式
 * @dependencies gorm.io/gorm, golang.org/x/crypto/bcrypt, github.com/google/uuid
 * @refs service/models/data_export.go, service/config/config_provider.go
 */

package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"datasync-service/service/config"
	"datasync-service/service/models"
)

// 可导出的数据集，导出类型 -> 目标表
var exportableTables = map[string]string{
	"user_analytics":      "user_analytics",
	"affiliate_analytics": "affiliate_analytics",
	"sync_logs":           "data_sync_logs",
}

// ExportService 数据导出服务
type ExportService struct {
	db        *gorm.DB
	cfg       *config.Provider
	exportDir string
}

// NewExportService 创建导出服务
func NewExportService(db *gorm.DB, cfg *config.Provider, exportDir string) *ExportService {
	return &ExportService{db: db, cfg: cfg, exportDir: exportDir}
}

// CreateExport 创建导出任务并后台执行，返回任务与一次性明文下载令牌
func (s *ExportService) CreateExport(ctx context.Context, exportType, format, requestedBy string, filters models.JSONB) (*models.DataExport, string, error) {
	if _, exists := exportableTables[exportType]; !exists {
		return nil, "", fmt.Errorf("不支持的导出类型: %s", exportType)
	}

	settings := s.cfg.ExportSettings()
	allowed := false
	for _, f := range settings.AllowedFormats {
		if strings.EqualFold(f, format) {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, "", fmt.Errorf("不允许的导出格式: %s", format)
	}

	token := uuid.New().String()
	tokenHash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("生成下载令牌失败: %w", err)
	}

	now := time.Now().UTC()
	record := &models.DataExport{
		ExportType:        exportType,
		Format:            strings.ToUpper(format),
		Status:            models.ExportStatusPending,
		Filters:           filters,
		DownloadTokenHash: string(tokenHash),
		RequestedBy:       requestedBy,
		ExpiresAt:         now.AddDate(0, 0, settings.RetentionDays),
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, "", fmt.Errorf("创建导出任务失败: %w", err)
	}

	go s.process(record.ID)
	return record, token, nil
}

// GetExport 查询导出任务
func (s *ExportService) GetExport(ctx context.Context, id string) (*models.DataExport, error) {
	var record models.DataExport
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("导出任务不存在: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("查询导出任务失败: %w", err)
	}
	return &record, nil
}

// VerifyDownload 校验下载令牌并确认可下载
func (s *ExportService) VerifyDownload(ctx context.Context, id, token string) (*models.DataExport, error) {
	record, err := s.GetExport(ctx, id)
	if err != nil {
		return nil, err
	}
	if !record.CanDownload() {
		return nil, fmt.Errorf("导出任务不可下载: 状态=%s", record.Status)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(record.DownloadTokenHash), []byte(token)); err != nil {
		return nil, fmt.Errorf("下载令牌无效")
	}
	return record, nil
}

// process 后台执行导出
func (s *ExportService) process(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	record, err := s.GetExport(ctx, id)
	if err != nil {
		slog.Error("加载导出任务失败", "export_id", id, "error", err)
		return
	}

	record.Status = models.ExportStatusProcessing
	record.ProgressPercentage = 10
	if err := s.db.WithContext(ctx).Save(record).Error; err != nil {
		slog.Error("更新导出状态失败", "export_id", id, "error", err)
		return
	}

	if err := s.generate(ctx, record); err != nil {
		record.Status = models.ExportStatusFailed
		record.ErrorMessage = err.Error()
		s.db.WithContext(ctx).Save(record)
		slog.Error("导出执行失败", "export_id", id, "error", err)
		return
	}

	now := time.Now().UTC()
	record.Status = models.ExportStatusCompleted
	record.ProgressPercentage = 100
	record.CompletedAt = &now
	if err := s.db.WithContext(ctx).Save(record).Error; err != nil {
		slog.Error("固化导出结果失败", "export_id", id, "error", err)
		return
	}
	slog.Info("导出任务完成", "export_id", id, "records", record.RecordCount, "file", record.FilePath)
}

// generate 查询数据并落盘
func (s *ExportService) generate(ctx context.Context, record *models.DataExport) error {
	table := exportableTables[record.ExportType]

	var rows []map[string]interface{}
	query := s.db.WithContext(ctx).Table(table)
	for col, value := range record.Filters {
		query = query.Where(fmt.Sprintf("%s = ?", col), value)
	}
	if err := query.Find(&rows).Error; err != nil {
		return fmt.Errorf("查询导出数据失败: %w", err)
	}

	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return fmt.Errorf("创建导出目录失败: %w", err)
	}
	filename := fmt.Sprintf("%s_%s.%s", record.ExportType, record.ID, strings.ToLower(record.Format))
	path := filepath.Join(s.exportDir, filename)

	var err error
	switch record.Format {
	case models.ExportFormatCSV:
		err = writeCSV(path, rows)
	case models.ExportFormatJSON:
		err = writeJSON(path, rows)
	default:
		err = fmt.Errorf("格式 %s 暂未实现", record.Format)
	}
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("读取导出文件信息失败: %w", err)
	}
	record.FilePath = path
	record.FileSizeBytes = info.Size()
	record.RecordCount = len(rows)
	return nil
}

func writeCSV(path string, rows []map[string]interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建导出文件失败: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if len(rows) == 0 {
		return nil
	}

	// 列按字典序固定输出顺序
	columns := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	if err := writer.Write(columns); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}

	for _, row := range rows {
		values := make([]string, len(columns))
		for i, col := range columns {
			if row[col] != nil {
				values[i] = cast.ToString(row[col])
			}
		}
		if err := writer.Write(values); err != nil {
			return fmt.Errorf("写入CSV行失败: %w", err)
		}
	}
	return nil
}

func writeJSON(path string, rows []map[string]interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建导出文件失败: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(rows); err != nil {
		return fmt.Errorf("写入JSON失败: %w", err)
	}
	return nil
}

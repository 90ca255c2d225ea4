/*
 * @module service/etl/table_syncer
 * @description 单表同步编排器，串联读取-映射-写入，维护同步日志与增量水位线
 * @architecture 编排器模式 - 先落RUNNING日志再执行，结束时终态化日志并推进水位线
 * @documentReference ai_docs/etl_engine_design.md
 * @stateFlow 水位线解析 -> 批次循环(读/映射/写) -> 日志终态化 -> 水位线持久化
 * @rules 水位线只在读到数据且全部批次写入成功后推进；优先使用观测到的最大增量字段值，兜底用启动时刻
 * @dependencies gorm.io/gorm, github.com/spf13/cast
 * @refs source_reader.go, record_mapper.go, target_writer.go, service/models/etl_log.go
 */

package etl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"datasync-service/service/models"
)

// SyncMode 同步模式
type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

const (
	defaultSyncBatchSize    = 500
	fallbackWatermarkWindow = time.Hour
	maxLoggedRowErrors      = 10
)

// SyncResult 单表同步结果
type SyncResult struct {
	Table        string        `json:"table"`
	Mode         SyncMode      `json:"mode"`
	Processed    int           `json:"processed"`
	Success      int           `json:"success"`
	Failed       int           `json:"failed"`
	Write        WriteStats    `json:"write"`
	Duration     time.Duration `json:"duration"`
	LogID        string        `json:"log_id"`
	NewWatermark *time.Time    `json:"new_watermark,omitempty"`
}

// SyncEventSink 同步完成事件出口
type SyncEventSink interface {
	PublishSyncCompleted(ctx context.Context, table, mode string, processed, success, failed int, logID string)
}

// TableSyncer 单表同步编排器
type TableSyncer struct {
	reader    *SourceReader
	mapper    *RecordMapper
	writer    *TargetWriter
	targetDB  *gorm.DB
	batchSize int
	eventSink SyncEventSink
}

// NewTableSyncer 创建单表同步编排器
func NewTableSyncer(reader *SourceReader, mapper *RecordMapper, writer *TargetWriter, targetDB *gorm.DB) *TableSyncer {
	return &TableSyncer{
		reader:    reader,
		mapper:    mapper,
		writer:    writer,
		targetDB:  targetDB,
		batchSize: defaultSyncBatchSize,
	}
}

// SetBatchSize 覆盖默认批量大小
func (s *TableSyncer) SetBatchSize(size int) {
	if size > 0 {
		s.batchSize = size
	}
}

// SetEventSink 设置同步完成事件出口
func (s *TableSyncer) SetEventSink(sink SyncEventSink) {
	s.eventSink = sink
}

// Sync 执行单表同步。增量模式下水位线按 调用方指定 -> 持久化记录 -> 启动时刻前1小时 解析。
func (s *TableSyncer) Sync(ctx context.Context, table *TableConfig, mode SyncMode, callerWatermark *time.Time) (*SyncResult, error) {
	startTime := time.Now().UTC()

	// 配置错误直接上抛，不降级不重试
	if mode == SyncModeIncremental && !table.SupportsIncremental() {
		return nil, fmt.Errorf("表 %s 未配置增量字段，无法增量同步", table.SourceTable)
	}

	var watermark *time.Time
	if mode == SyncModeIncremental {
		wm, err := s.resolveWatermark(table, callerWatermark, startTime)
		if err != nil {
			return nil, err
		}
		watermark = &wm
	}

	syncLog := &models.ETLLog{
		SyncType:  string(mode),
		SyncTable: table.SourceTable,
		Operation: models.OperationSync,
		StartTime: startTime,
		Status:    models.SyncStatusRunning,
	}
	if err := s.targetDB.WithContext(ctx).Create(syncLog).Error; err != nil {
		return nil, fmt.Errorf("创建同步日志失败: %w", err)
	}

	result := &SyncResult{Table: table.SourceTable, Mode: mode, LogID: syncLog.ID}
	var rowErrors []string
	var batchErrors []string
	var maxObserved *time.Time
	rowsRead := false

	processBatch := func(rows []map[string]interface{}) {
		rowsRead = true
		if table.SupportsIncremental() {
			maxObserved = maxIncrementalValue(rows, table.IncrementalField, maxObserved)
		}

		mapped := s.mapper.MapBatch(table, rows)
		result.Processed += mapped.Stats.Processed
		result.Failed += mapped.Stats.Rejected
		for _, rejected := range mapped.Rejected {
			if len(rowErrors) >= maxLoggedRowErrors {
				break
			}
			rowErrors = append(rowErrors, strings.Join(rejected.Errors, "; "))
		}

		writeStats, err := s.writer.WriteBatch(ctx, table, mapped.Rows)
		if err != nil {
			// 完整性错误只回滚当前批次，继续后续批次
			slog.Warn("批次写入失败，继续下一批", "table", table.TargetTable, "error", err)
			result.Failed += len(mapped.Rows)
			batchErrors = append(batchErrors, err.Error())
			return
		}
		result.Success += writeStats.Inserted + writeStats.Updated
		result.Write.Inserted += writeStats.Inserted
		result.Write.Updated += writeStats.Updated
		result.Write.Skipped += writeStats.Skipped
	}

	var sourceRows *int64
	var readErr error
	if mode == SyncModeFull {
		// 全量模式先估算行数，失败不阻断同步
		if count, err := s.reader.CountRows(ctx, table); err != nil {
			slog.Warn("统计源表行数失败", "table", table.SourceTable, "error", err)
		} else {
			sourceRows = &count
			slog.Info("全量同步开始", "table", table.SourceTable, "source_rows", count)
		}

		readErr = s.reader.ReadAll(ctx, table, s.batchSize, func(rows []map[string]interface{}) error {
			processBatch(rows)
			return nil
		})
	} else {
		offset := 0
		for {
			select {
			case <-ctx.Done():
				s.finalizeFailed(syncLog, result, ctx.Err())
				return result, ctx.Err()
			default:
			}

			rows, hasMore, err := s.reader.ReadBatch(ctx, table, ReadOptions{
				BatchSize:        s.batchSize,
				Offset:           offset,
				IncrementalField: table.IncrementalField,
				Watermark:        watermark,
			})
			if err != nil {
				readErr = err
				break
			}
			if len(rows) > 0 {
				processBatch(rows)
			}
			if !hasMore {
				break
			}
			offset += s.batchSize
		}
	}
	if readErr != nil {
		s.finalizeFailed(syncLog, result, readErr)
		return result, fmt.Errorf("读取源表 %s 失败: %w", table.SourceTable, readErr)
	}

	// 终态化日志
	syncLog.MarkCompleted(result.Processed, result.Success, result.Failed)
	syncLog.Metadata = buildLogMetadata(result, rowErrors, batchErrors)
	if sourceRows != nil {
		syncLog.Metadata["source_rows"] = *sourceRows
	}
	if err := s.targetDB.WithContext(ctx).Save(syncLog).Error; err != nil {
		return result, fmt.Errorf("更新同步日志失败: %w", err)
	}

	// 水位线只在读到数据且无批次写入失败时推进：
	// 空读不推进，避免跳过迟于启动时刻落库的行；
	// 失败批次的行必须留在旧水位线之后等待重试
	if table.SupportsIncremental() && rowsRead && len(batchErrors) == 0 {
		next := startTime
		if maxObserved != nil {
			next = *maxObserved
		}
		if err := s.persistWatermark(ctx, table.SourceTable, next); err != nil {
			return result, err
		}
		result.NewWatermark = &next
	}

	result.Duration = time.Since(startTime)
	if s.eventSink != nil {
		s.eventSink.PublishSyncCompleted(ctx, result.Table, string(result.Mode),
			result.Processed, result.Success, result.Failed, result.LogID)
	}
	slog.Info("表同步完成",
		"table", table.SourceTable,
		"mode", mode,
		"processed", result.Processed,
		"success", result.Success,
		"failed", result.Failed,
		"skipped", result.Write.Skipped,
		"duration_ms", result.Duration.Milliseconds())
	return result, nil
}

// resolveWatermark 解析增量水位线
func (s *TableSyncer) resolveWatermark(table *TableConfig, caller *time.Time, now time.Time) (time.Time, error) {
	if caller != nil {
		return *caller, nil
	}

	var record models.SyncWatermark
	err := s.targetDB.Where("table_name = ?", table.SourceTable).First(&record).Error
	if err == nil {
		return record.Watermark, nil
	}
	if err != gorm.ErrRecordNotFound {
		return time.Time{}, fmt.Errorf("读取水位线失败: %w", err)
	}
	return now.Add(-fallbackWatermarkWindow), nil
}

// persistWatermark UPSERT水位线记录
func (s *TableSyncer) persistWatermark(ctx context.Context, tableName string, watermark time.Time) error {
	record := &models.SyncWatermark{SyncTable: tableName, Watermark: watermark}
	err := s.targetDB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "table_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"watermark", "updated_at"}),
	}).Create(record).Error
	if err != nil {
		return fmt.Errorf("持久化水位线失败: %w", err)
	}
	return nil
}

// finalizeFailed 把同步日志标记为失败，日志写入失败只告警不覆盖原错误
func (s *TableSyncer) finalizeFailed(syncLog *models.ETLLog, result *SyncResult, cause error) {
	syncLog.MarkFailed(cause.Error())
	syncLog.RecordsProcessed = result.Processed
	syncLog.RecordsSuccess = result.Success
	syncLog.RecordsFailed = result.Failed
	if err := s.targetDB.Save(syncLog).Error; err != nil {
		slog.Error("标记同步日志失败状态时出错", "log_id", syncLog.ID, "error", err)
	}
	result.Duration = time.Since(syncLog.StartTime)
}

// maxIncrementalValue 取批内增量字段的最大时间值
func maxIncrementalValue(rows []map[string]interface{}, field string, current *time.Time) *time.Time {
	result := current
	for _, row := range rows {
		raw, exists := row[field]
		if !exists || raw == nil {
			continue
		}
		t, err := cast.ToTimeE(raw)
		if err != nil {
			continue
		}
		if result == nil || t.After(*result) {
			v := t
			result = &v
		}
	}
	return result
}

// buildLogMetadata 构建日志元数据，只保留前若干条行级错误
func buildLogMetadata(result *SyncResult, rowErrors, batchErrors []string) models.JSONB {
	meta := models.JSONB{
		"inserted": result.Write.Inserted,
		"updated":  result.Write.Updated,
		"skipped":  result.Write.Skipped,
	}
	if len(rowErrors) > 0 {
		errs := make([]interface{}, 0, len(rowErrors))
		for i, msg := range rowErrors {
			if i >= maxLoggedRowErrors {
				break
			}
			errs = append(errs, msg)
		}
		meta["rejected_records"] = errs
	}
	if len(batchErrors) > 0 {
		errs := make([]interface{}, 0, len(batchErrors))
		for _, msg := range batchErrors {
			errs = append(errs, msg)
		}
		meta["batch_errors"] = errs
	}
	return meta
}

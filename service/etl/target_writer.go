/*
 * @module service/etl/target_writer
 * @description 目标库写入器，按外部键查找后更新或插入，单批次一个事务，唯一约束冲突按跳过处理
 * @architecture 事务批处理 - 批内任意非冲突错误回滚整批
 * @documentReference ai_docs/etl_engine_design.md
 * @stateFlow 开启事务 -> 逐行查找 -> UPDATE/INSERT -> 提交或回滚
 * @rules 唯一约束冲突(23505)计入skipped不回滚；_etl_metadata与_unique_fields落库前剥除
 * @dependencies gorm.io/gorm, github.com/lib/pq
 * @refs record_mapper.go, table_syncer.go
 */

package etl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// WriteStats 批次写入统计
type WriteStats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Total 写入总行数(含跳过)
func (s WriteStats) Total() int {
	return s.Inserted + s.Updated + s.Skipped
}

// TargetWriter 目标库写入器
type TargetWriter struct {
	db *gorm.DB
}

// NewTargetWriter 创建目标库写入器
func NewTargetWriter(db *gorm.DB) *TargetWriter {
	return &TargetWriter{db: db}
}

// WriteBatch 在单个事务内写入一批映射后的行。
// 按外部键查找：存在则UPDATE并刷新updated_at，不存在则INSERT。
// 唯一约束冲突计入skipped；其他错误回滚整批并返回。
func (w *TargetWriter) WriteBatch(ctx context.Context, table *TableConfig, rows []map[string]interface{}) (WriteStats, error) {
	stats := WriteStats{}
	if len(rows) == 0 {
		return stats, nil
	}

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		seen := make(map[string]bool, len(rows))
		for i, row := range rows {
			record := prepareRecord(row)

			externalValue, exists := record[table.ExternalKey]
			if !exists || externalValue == nil {
				return fmt.Errorf("行缺少外部键 %s", table.ExternalKey)
			}

			// 同批次内重复的外部键按唯一冲突处理
			externalKey := fmt.Sprintf("%v", externalValue)
			if seen[externalKey] {
				stats.Skipped++
				continue
			}
			seen[externalKey] = true

			var count int64
			if err := tx.Table(table.TargetTable).
				Where(fmt.Sprintf("%s = ?", table.ExternalKey), externalValue).
				Count(&count).Error; err != nil {
				return fmt.Errorf("查找目标行失败: %w", err)
			}

			if count > 0 {
				record["updated_at"] = now
				if err := tx.Table(table.TargetTable).
					Where(fmt.Sprintf("%s = ?", table.ExternalKey), externalValue).
					Updates(record).Error; err != nil {
					return fmt.Errorf("更新目标行失败: %w", err)
				}
				stats.Updated++
				continue
			}

			record["created_at"] = now
			record["updated_at"] = now

			// 冲突回滚到保存点，避免整个事务进入中止状态
			savepoint := fmt.Sprintf("sp_row_%d", i)
			tx.SavePoint(savepoint)
			if err := tx.Table(table.TargetTable).Create(record).Error; err != nil {
				if isUniqueViolation(err) {
					// 并发写入者先一步插入，跳过本行
					tx.RollbackTo(savepoint)
					stats.Skipped++
					continue
				}
				return fmt.Errorf("插入目标行失败: %w", err)
			}
			stats.Inserted++
		}
		return nil
	})
	if err != nil {
		return WriteStats{}, err
	}
	return stats, nil
}

// prepareRecord 复制行并剥除映射阶段附加的载体列
func prepareRecord(row map[string]interface{}) map[string]interface{} {
	record := make(map[string]interface{}, len(row))
	for k, v := range row {
		if k == MetadataColumn || k == UniqueFieldsColumn {
			continue
		}
		record[k] = v
	}
	return record
}

// isUniqueViolation 判断是否为唯一约束冲突
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

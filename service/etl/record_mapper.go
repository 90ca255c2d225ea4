/*
 * @module service/etl/record_mapper
 * @description 记录映射器，把源行按字段映射改名、执行转换函数、做默认类型矫正与行级校验，产出可装载的目标行
 * @architecture 纯函数流水线 - 映射过程不触库，被拒绝的行收集统计不中断批次
 * @documentReference ai_docs/etl_engine_design.md
 * @stateFlow 字段改名 -> 转换执行 -> 默认类型矫正 -> 校验 -> 附加同步元数据
 * @rules 转换失败保留转换前的值并告警，不拒绝整行；空批次成功率按100.00计
 * @dependencies github.com/spf13/cast
 * @refs transform_registry.go, table_config.go, target_writer.go
 */

package etl

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cast"
)

const (
	// MetadataColumn 附加到每条目标行的同步元数据列，写入端落库前剥除
	MetadataColumn = "_etl_metadata"
	// UniqueFieldsColumn 传递给写入端的期望唯一列清单，落库前剥除
	UniqueFieldsColumn = "_unique_fields"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// RejectedRecord 被校验拒绝的行
type RejectedRecord struct {
	SourceRow  map[string]interface{} `json:"source_row"`
	Errors     []string               `json:"errors"`
	RejectedAt time.Time              `json:"rejected_at"`
}

// MapStats 批次映射统计
type MapStats struct {
	Processed      int     `json:"processed"`
	Transformed    int     `json:"transformed"`
	Rejected       int     `json:"rejected"`
	SuccessRatePct float64 `json:"success_rate_pct"`
}

// MapResult 批次映射结果
type MapResult struct {
	Rows     []map[string]interface{} `json:"rows"`
	Rejected []*RejectedRecord        `json:"rejected,omitempty"`
	Stats    MapStats                 `json:"stats"`
}

// RecordMapper 记录映射器
type RecordMapper struct {
	transforms *TransformRegistry
}

// NewRecordMapper 创建记录映射器
func NewRecordMapper(transforms *TransformRegistry) *RecordMapper {
	if transforms == nil {
		transforms = NewTransformRegistry()
	}
	return &RecordMapper{transforms: transforms}
}

// MapBatch 映射一个批次。被拒绝的行剔除并记入Rejected，
// 成功率保留两位小数，空输入按100.00处理。
func (m *RecordMapper) MapBatch(table *TableConfig, rows []map[string]interface{}) *MapResult {
	result := &MapResult{
		Rows: make([]map[string]interface{}, 0, len(rows)),
	}

	transformedAt := time.Now().UTC()
	for _, row := range rows {
		mapped, rowErrors := m.MapRow(table, row, transformedAt)
		if len(rowErrors) > 0 {
			result.Rejected = append(result.Rejected, &RejectedRecord{
				SourceRow:  row,
				Errors:     rowErrors,
				RejectedAt: transformedAt,
			})
			continue
		}
		result.Rows = append(result.Rows, mapped)
	}

	result.Stats = MapStats{
		Processed:   len(rows),
		Transformed: len(result.Rows),
		Rejected:    len(result.Rejected),
	}
	if result.Stats.Processed == 0 {
		result.Stats.SuccessRatePct = 100.00
	} else {
		rate := float64(result.Stats.Transformed) / float64(result.Stats.Processed) * 100
		result.Stats.SuccessRatePct = math.Round(rate*100) / 100
	}
	return result
}

// MapRow 映射单行，返回目标行与校验错误列表。错误列表非空表示整行被拒绝。
func (m *RecordMapper) MapRow(table *TableConfig, sourceRow map[string]interface{}, transformedAt time.Time) (map[string]interface{}, []string) {
	target := make(map[string]interface{}, len(table.FieldMapping)+2)

	// 字段改名，未映射的源列直接丢弃
	for sourceCol, targetCol := range table.FieldMapping {
		if value, exists := sourceRow[sourceCol]; exists {
			target[targetCol] = value
		}
	}

	// 转换失败保留转换前的值，只记告警
	for targetCol, transformName := range table.Transformations {
		if _, exists := target[targetCol]; !exists {
			continue
		}
		fn, err := m.transforms.Resolve(transformName)
		if err != nil {
			slog.Warn("解析转换函数失败", "table", table.SourceTable, "field", targetCol, "transform", transformName, "error", err)
			continue
		}
		transformed, err := fn(target[targetCol], sourceRow)
		if err != nil {
			slog.Warn("执行转换函数失败", "table", table.SourceTable, "field", targetCol, "transform", transformName, "error", err)
			continue
		}
		target[targetCol] = transformed
	}

	m.applyDefaultCoercions(table, target)

	if rowErrors := m.validate(table, target); len(rowErrors) > 0 {
		return nil, rowErrors
	}

	if len(table.Validations.Unique) > 0 {
		target[UniqueFieldsColumn] = table.Validations.Unique
	}
	target[MetadataColumn] = map[string]interface{}{
		"source_table":   table.SourceTable,
		"target_table":   table.TargetTable,
		"transformed_at": transformedAt.Format(time.RFC3339),
		"source_id":      sourceRow[table.PrimaryKey],
	}
	return target, nil
}

// applyDefaultCoercions 按列名约定做默认类型矫正：
// 字符串去空白、空串置空；*_at/*_date/date_*解析为时间；
// id/*_id/含amount的列转数值；"true"/"false"转布尔。
func (m *RecordMapper) applyDefaultCoercions(table *TableConfig, target map[string]interface{}) {
	for col, value := range target {
		if value == nil {
			continue
		}

		if s, ok := value.(string); ok {
			s = strings.TrimSpace(s)
			if s == "" {
				target[col] = nil
				continue
			}
			switch strings.ToLower(s) {
			case "true":
				target[col] = true
				continue
			case "false":
				target[col] = false
				continue
			}
			value = s
			target[col] = s
		}

		if isTimestampColumn(col) {
			t, err := cast.ToTimeE(value)
			if err != nil {
				slog.Warn("时间字段解析失败，置为空", "table", table.SourceTable, "field", col, "value", value)
				target[col] = nil
				continue
			}
			target[col] = t.UTC()
			continue
		}

		if isNumericColumn(col) {
			if num, err := cast.ToFloat64E(value); err == nil {
				target[col] = num
			}
		}
	}
}

func isTimestampColumn(col string) bool {
	return strings.HasSuffix(col, "_at") ||
		strings.HasSuffix(col, "_date") ||
		strings.HasPrefix(col, "date_")
}

func isNumericColumn(col string) bool {
	return col == "id" ||
		strings.HasSuffix(col, "_id") ||
		strings.Contains(col, "amount")
}

// validate 执行行级校验规则，返回全部违规项
func (m *RecordMapper) validate(table *TableConfig, target map[string]interface{}) []string {
	rules := table.Validations
	var rowErrors []string

	for _, field := range rules.Required {
		value, exists := target[field]
		if !exists || value == nil {
			rowErrors = append(rowErrors, fmt.Sprintf("必填字段 %s 为空", field))
			continue
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			rowErrors = append(rowErrors, fmt.Sprintf("必填字段 %s 为空", field))
		}
	}

	if rules.Email != "" {
		if value, exists := target[rules.Email]; exists && value != nil {
			email := cast.ToString(value)
			if email != "" && !emailPattern.MatchString(email) {
				rowErrors = append(rowErrors, fmt.Sprintf("字段 %s 邮箱格式不合法: %s", rules.Email, email))
			}
		}
	}

	for _, field := range rules.Numeric {
		value, exists := target[field]
		if !exists || value == nil {
			continue
		}
		if _, err := cast.ToFloat64E(value); err != nil {
			rowErrors = append(rowErrors, fmt.Sprintf("字段 %s 不是数值: %v", field, value))
		}
	}

	for _, field := range rules.Positive {
		value, exists := target[field]
		if !exists || value == nil {
			continue
		}
		num, err := cast.ToFloat64E(value)
		if err != nil {
			rowErrors = append(rowErrors, fmt.Sprintf("字段 %s 不是数值: %v", field, value))
			continue
		}
		if num <= 0 {
			rowErrors = append(rowErrors, fmt.Sprintf("字段 %s 必须为正数: %v", field, num))
		}
	}

	return rowErrors
}

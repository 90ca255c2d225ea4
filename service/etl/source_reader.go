/*
 * @module service/etl/source_reader
 * @description 源库读取器，按批次流式读取上游PostgreSQL业务表，支持过滤谓词与增量水位线
 * @architecture 连接池模式 - 只读访问上游库，查询全部参数化
 * @documentReference ai_docs/etl_engine_design.md
 * @stateFlow 查询构建 -> 参数化执行 -> 行扫描 -> 批次回调
 * @rules 过滤值一律走绑定参数；排序保证分页单调；查询超时只影响当前批次
 * @dependencies database/sql, github.com/lib/pq
 * @refs table_config.go, table_syncer.go
 */

package etl

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL驱动
)

const (
	defaultSourceQueryTimeout = 60 * time.Second
	defaultMaxRetries         = 3
	defaultRetryDelay         = 2 * time.Second
)

// 操作符白名单，过滤对象形式 {操作符: 值} 只接受这些操作符
var allowedFilterOperators = map[string]string{
	"=":      "=",
	"!=":     "!=",
	"<>":     "<>",
	">":      ">",
	">=":     ">=",
	"<":      "<",
	"<=":     "<=",
	"LIKE":   "LIKE",
	"IS":     "IS",
	"IS NOT": "IS NOT",
}

// ReadOptions 批次读取选项
type ReadOptions struct {
	BatchSize        int
	Offset           int
	IncrementalField string
	Watermark        *time.Time
	ExtraFilters     map[string]interface{}
	OrderBy          string
}

// SourceReader 源库读取器
type SourceReader struct {
	db           *sql.DB
	queryTimeout time.Duration
	maxRetries   int
	retryDelay   time.Duration
}

// NewSourceReader 创建源库读取器
func NewSourceReader(db *sql.DB) *SourceReader {
	return &SourceReader{
		db:           db,
		queryTimeout: defaultSourceQueryTimeout,
		maxRetries:   defaultMaxRetries,
		retryDelay:   defaultRetryDelay,
	}
}

// ReadBatch 读取一个批次。返回行集与hasMore标志：
// 取满batchSize行即认为可能还有后续数据。
func (r *SourceReader) ReadBatch(ctx context.Context, table *TableConfig, opts ReadOptions) ([]map[string]interface{}, bool, error) {
	if opts.BatchSize <= 0 {
		return nil, false, fmt.Errorf("批量大小必须为正数: %d", opts.BatchSize)
	}

	query, args := r.buildQuery(table, opts)

	rows, err := r.queryWithRetry(ctx, query, args)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(rows) == opts.BatchSize
	return rows, hasMore, nil
}

// ReadAll 以递增offset反复调用ReadBatch直至读尽，逐批驱动回调。
// 回调返回错误时立即停止并向上传播。
func (r *SourceReader) ReadAll(ctx context.Context, table *TableConfig, batchSize int, onBatch func(rows []map[string]interface{}) error) error {
	offset := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rows, hasMore, err := r.ReadBatch(ctx, table, ReadOptions{
			BatchSize: batchSize,
			Offset:    offset,
		})
		if err != nil {
			return err
		}

		if len(rows) > 0 {
			if err := onBatch(rows); err != nil {
				return err
			}
		}

		if !hasMore {
			return nil
		}
		offset += batchSize
	}
}

// CountRows 统计满足过滤条件的行数，用于进度估算
func (r *SourceReader) CountRows(ctx context.Context, table *TableConfig) (int64, error) {
	where, args := r.buildWhereClause(table, ReadOptions{}, 1)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %q`, table.SourceTable)
	if where != "" {
		query += " WHERE " + where
	}

	queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	var count int64
	if err := r.db.QueryRowContext(queryCtx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("统计源表行数失败: %w", err)
	}
	return count, nil
}

// buildQuery 构建参数化查询语句
func (r *SourceReader) buildQuery(table *TableConfig, opts ReadOptions) (string, []interface{}) {
	where, args := r.buildWhereClause(table, opts, 1)

	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT * FROM %q`, table.SourceTable)
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}

	// 排序：显式指定 > 增量字段 > 主键，保证LIMIT/OFFSET分页单调
	orderBy := opts.OrderBy
	if orderBy == "" {
		if opts.IncrementalField != "" {
			orderBy = opts.IncrementalField
		} else {
			orderBy = table.PrimaryKey
		}
	}
	fmt.Fprintf(&sb, ` ORDER BY %q ASC`, orderBy)

	if opts.BatchSize > 0 {
		fmt.Fprintf(&sb, " LIMIT %d OFFSET %d", opts.BatchSize, opts.Offset)
	}

	return sb.String(), args
}

// buildWhereClause 构建WHERE子句，startIndex为起始占位符编号
func (r *SourceReader) buildWhereClause(table *TableConfig, opts ReadOptions, startIndex int) (string, []interface{}) {
	var conditions []string
	var args []interface{}
	index := startIndex

	appendFilters := func(filters map[string]interface{}) {
		// 按列名排序，保证生成的SQL确定
		columns := make([]string, 0, len(filters))
		for col := range filters {
			columns = append(columns, col)
		}
		sort.Strings(columns)

		for _, col := range columns {
			value := filters[col]
			switch v := value.(type) {
			case []interface{}:
				if len(v) == 0 {
					continue
				}
				placeholders := make([]string, len(v))
				for i, item := range v {
					placeholders[i] = fmt.Sprintf("$%d", index)
					args = append(args, item)
					index++
				}
				conditions = append(conditions, fmt.Sprintf("%q IN (%s)", col, strings.Join(placeholders, ", ")))
			case map[string]interface{}:
				// 对象形式 {操作符: 值}，操作符按字典序处理
				ops := make([]string, 0, len(v))
				for op := range v {
					ops = append(ops, op)
				}
				sort.Strings(ops)
				for _, op := range ops {
					sqlOp, ok := allowedFilterOperators[strings.ToUpper(op)]
					if !ok {
						slog.Warn("忽略不支持的过滤操作符", "table", table.SourceTable, "column", col, "operator", op)
						continue
					}
					operand := v[op]
					if sqlOp == "IS" || sqlOp == "IS NOT" {
						if operand == nil {
							conditions = append(conditions, fmt.Sprintf("%q %s NULL", col, sqlOp))
						}
						continue
					}
					conditions = append(conditions, fmt.Sprintf("%q %s $%d", col, sqlOp, index))
					args = append(args, operand)
					index++
				}
			default:
				conditions = append(conditions, fmt.Sprintf("%q = $%d", col, index))
				args = append(args, value)
				index++
			}
		}
	}

	if len(table.Filters) > 0 {
		appendFilters(table.Filters)
	}
	if len(opts.ExtraFilters) > 0 {
		appendFilters(opts.ExtraFilters)
	}

	if opts.IncrementalField != "" && opts.Watermark != nil {
		conditions = append(conditions, fmt.Sprintf("%q > $%d", opts.IncrementalField, index))
		args = append(args, *opts.Watermark)
		index++
	}

	return strings.Join(conditions, " AND "), args
}

// queryWithRetry 执行查询，连接层错误按配置重试
func (r *SourceReader) queryWithRetry(ctx context.Context, query string, args []interface{}) ([]map[string]interface{}, error) {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("源库查询重试", "attempt", attempt, "max_retries", r.maxRetries, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.retryDelay):
			}
		}

		queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
		rows, err := r.scanQuery(queryCtx, query, args)
		cancel()

		if err == nil {
			return rows, nil
		}
		lastErr = err

		// 上下文取消或超出调用方预算时不再重试
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("源库查询失败(已重试%d次): %w", r.maxRetries, lastErr)
}

// scanQuery 执行查询并把结果扫描为列名->值的映射
func (r *SourceReader) scanQuery(ctx context.Context, query string, args []interface{}) ([]map[string]interface{}, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("执行查询失败: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("获取列信息失败: %w", err)
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("扫描行数据失败: %w", err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			val := values[i]
			if b, ok := val.([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = val
			}
		}
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("读取数据时发生错误: %w", err)
	}

	return results, nil
}

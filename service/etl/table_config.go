/*
 * @module service/etl/table_config
 * @description 逻辑表同步描述符，声明字段映射、转换、过滤与校验规则，驱动整条ETL流水线
 * @architecture 元数据驱动 - 配置描述同步行为，代码保持通用
 * @documentReference ai_docs/etl_engine_design.md
 * @stateFlow 配置注册 -> 读取(SourceReader) -> 映射(RecordMapper) -> 装载(TargetWriter)
 * @rules 无incremental_field的表仅支持全量同步；过滤值一律参数化，禁止拼接用户值
 * @refs source_reader.go, record_mapper.go, target_writer.go
 */

package etl

import (
	"fmt"
	"sort"
	"sync"
)

// ValidationRules 行级校验规则
type ValidationRules struct {
	Required []string `json:"required,omitempty"` // 非空字段
	Email    string   `json:"email,omitempty"`    // 邮箱格式字段
	Numeric  []string `json:"numeric,omitempty"`  // 数值字段
	Positive []string `json:"positive,omitempty"` // 必须>0的字段
	Unique   []string `json:"unique,omitempty"`   // 期望唯一的字段(由写入端处理冲突)
}

// TableConfig 逻辑表同步描述符
type TableConfig struct {
	SourceTable      string                 `json:"source_table"`
	TargetTable      string                 `json:"target_table"`
	PrimaryKey       string                 `json:"primary_key"`
	IncrementalField string                 `json:"incremental_field,omitempty"` // 为空表示仅支持全量同步
	ExternalKey      string                 `json:"external_key"`                // 目标表外部键列，UPSERT查找键
	Enabled          bool                   `json:"enabled"`
	FieldMapping     map[string]string      `json:"field_mapping"`             // 源列 -> 目标列
	Transformations  map[string]string      `json:"transformations,omitempty"` // 目标列 -> 转换函数名(注册表键或script:表达式)
	Filters          map[string]interface{} `json:"filters,omitempty"`         // 列 -> 标量 | 列表 | {操作符: 值}
	Validations      ValidationRules        `json:"validations"`
}

// SupportsIncremental 判断表是否支持增量同步
func (tc *TableConfig) SupportsIncremental() bool {
	return tc.IncrementalField != ""
}

// MappedTargetColumns 返回按字典序排列的目标列，保证SQL构建的确定性
func (tc *TableConfig) MappedTargetColumns() []string {
	columns := make([]string, 0, len(tc.FieldMapping))
	for _, target := range tc.FieldMapping {
		columns = append(columns, target)
	}
	sort.Strings(columns)
	return columns
}

// TableRegistry 表配置注册表
type TableRegistry struct {
	mu     sync.RWMutex
	tables map[string]*TableConfig
}

// NewTableRegistry 创建表配置注册表
func NewTableRegistry() *TableRegistry {
	return &TableRegistry{tables: make(map[string]*TableConfig)}
}

// Register 注册表配置
func (r *TableRegistry) Register(config *TableConfig) error {
	if config.SourceTable == "" || config.TargetTable == "" {
		return fmt.Errorf("表配置缺少源表或目标表名")
	}
	if config.PrimaryKey == "" {
		return fmt.Errorf("表配置 %s 缺少主键", config.SourceTable)
	}
	if config.ExternalKey == "" {
		return fmt.Errorf("表配置 %s 缺少外部键列", config.SourceTable)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[config.SourceTable] = config
	return nil
}

// Get 按源表名获取配置
func (r *TableRegistry) Get(sourceTable string) (*TableConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	config, exists := r.tables[sourceTable]
	if !exists {
		return nil, fmt.Errorf("未知的同步表: %s", sourceTable)
	}
	return config, nil
}

// EnabledTables 返回所有启用的表配置，按源表名排序保证调度顺序稳定
func (r *TableRegistry) EnabledTables() []*TableConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tables))
	for name, config := range r.tables {
		if config.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	result := make([]*TableConfig, 0, len(names))
	for _, name := range names {
		result = append(result, r.tables[name])
	}
	return result
}

// DefaultTableRegistry 构建默认的四张业务表配置
func DefaultTableRegistry() *TableRegistry {
	registry := NewTableRegistry()

	configs := []*TableConfig{
		{
			SourceTable:      "users",
			TargetTable:      "affiliates",
			PrimaryKey:       "id",
			IncrementalField: "updated_at",
			ExternalKey:      "external_user_id",
			Enabled:          true,
			FieldMapping: map[string]string{
				"id":         "external_user_id",
				"name":       "name",
				"email":      "email",
				"phone":      "phone",
				"status":     "status",
				"ref_code":   "referral_code",
				"created_at": "registered_at",
				"updated_at": "source_updated_at",
			},
			Transformations: map[string]string{
				"status": "mapUserStatus",
				"phone":  "cleanPhone",
				"email":  "normalizeEmail",
			},
			Filters: map[string]interface{}{
				"deleted_at": map[string]interface{}{"IS": nil},
			},
			Validations: ValidationRules{
				Required: []string{"external_user_id", "email"},
				Email:    "email",
				Numeric:  []string{"external_user_id"},
				Positive: []string{"external_user_id"},
				Unique:   []string{"external_user_id"},
			},
		},
		{
			SourceTable:      "transactions",
			TargetTable:      "referrals",
			PrimaryKey:       "id",
			IncrementalField: "updated_at",
			ExternalKey:      "external_transaction_id",
			Enabled:          true,
			FieldMapping: map[string]string{
				"id":         "external_transaction_id",
				"user_id":    "external_user_id",
				"type":       "transaction_type",
				"amount":     "amount",
				"status":     "status",
				"created_at": "transacted_at",
				"updated_at": "source_updated_at",
			},
			Transformations: map[string]string{
				"transaction_type": "mapTransactionType",
			},
			Validations: ValidationRules{
				Required: []string{"external_transaction_id", "external_user_id"},
				Numeric:  []string{"external_transaction_id", "external_user_id", "amount"},
				Positive: []string{"external_transaction_id"},
				Unique:   []string{"external_transaction_id"},
			},
		},
		{
			SourceTable:      "bets",
			TargetTable:      "bet_activities",
			PrimaryKey:       "id",
			IncrementalField: "updated_at",
			ExternalKey:      "external_bet_id",
			Enabled:          true,
			FieldMapping: map[string]string{
				"id":         "external_bet_id",
				"user_id":    "external_user_id",
				"amount":     "amount",
				"win_amount": "win_amount",
				"result":     "result",
				"game_code":  "game_code",
				"created_at": "placed_at",
				"updated_at": "source_updated_at",
			},
			Validations: ValidationRules{
				Required: []string{"external_bet_id", "external_user_id"},
				Numeric:  []string{"external_bet_id", "external_user_id", "amount"},
				Positive: []string{"external_bet_id"},
				Unique:   []string{"external_bet_id"},
			},
		},
		{
			SourceTable:      "deposits",
			TargetTable:      "deposit_records",
			PrimaryKey:       "id",
			IncrementalField: "updated_at",
			ExternalKey:      "external_deposit_id",
			Enabled:          true,
			FieldMapping: map[string]string{
				"id":         "external_deposit_id",
				"user_id":    "external_user_id",
				"amount":     "amount",
				"method":     "payment_method",
				"status":     "status",
				"created_at": "deposited_at",
				"updated_at": "source_updated_at",
			},
			Filters: map[string]interface{}{
				"status": []interface{}{"confirmed", "paid"},
			},
			Validations: ValidationRules{
				Required: []string{"external_deposit_id", "external_user_id"},
				Numeric:  []string{"external_deposit_id", "external_user_id", "amount"},
				Positive: []string{"external_deposit_id", "amount"},
				Unique:   []string{"external_deposit_id"},
			},
		},
	}

	for _, config := range configs {
		if err := registry.Register(config); err != nil {
			panic(fmt.Sprintf("注册默认表配置失败: %v", err))
		}
	}
	return registry
}

/*
 * @module service/config/config_provider
 * @description 动态配置提供者，从system_configs表读取类型化配置并带默认值兜底，支持变更通知
 * @architecture 读穿缓存 - 首次读取落缓存，Set后失效并广播
 * @documentReference ai_docs/config_provider_design.md
 * @stateFlow 读取缓存 -> 未命中查库 -> 反序列化为类型化配置 -> 变更时通知订阅者
 * @rules 运行中的批次对配置变更不可见，变更自下一批次/下一次触发生效
 * @dependencies gorm.io/gorm
 * @refs service/models/system_config.go, service/analytics/cpa.go
 */

package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"datasync-service/service/models"
)

// 配置键常量
const (
	KeyDataSyncSettings   = "data_sync_settings"
	KeyAnalyticsSettings  = "analytics_settings"
	KeyExportSettings     = "export_settings"
	KeyCPALevelAmounts    = "cpa_level_amounts"
	KeyCPAValidationRules = "cpa_validation_rules"
)

// DataSyncSettings 同步设置
type DataSyncSettings struct {
	SyncIntervalMinutes int      `json:"sync_interval_minutes"`
	BatchSize           int      `json:"batch_size"`
	MaxRetryAttempts    int      `json:"max_retry_attempts"`
	EnableRealTime      bool     `json:"enable_real_time"`
	SyncTables          []string `json:"sync_tables"`
}

// AnalyticsSettings 分析设置
type AnalyticsSettings struct {
	RetentionDays           int      `json:"retention_days"`
	AggregationIntervals    []string `json:"aggregation_intervals"`
	EnableRealTimeAnalytics bool     `json:"enable_real_time_analytics"`
	CacheDurationMinutes    int      `json:"cache_duration_minutes"`
}

// ExportSettings 导出设置
type ExportSettings struct {
	MaxFileSizeMB      int      `json:"max_file_size_mb"`
	RetentionDays      int      `json:"retention_days"`
	AllowedFormats     []string `json:"allowed_formats"`
	CompressionEnabled bool     `json:"compression_enabled"`
}

// CPALevelAmounts 各层级CPA派彩金额
type CPALevelAmounts struct {
	Level1 float64 `json:"level_1"`
	Level2 float64 `json:"level_2"`
	Level3 float64 `json:"level_3"`
	Level4 float64 `json:"level_4"`
	Level5 float64 `json:"level_5"`
}

// CPACriterion 单条CPA判定条件
type CPACriterion struct {
	Type    string  `json:"type"`
	Value   float64 `json:"value"`
	Enabled bool    `json:"enabled"`
}

// CPAGroup 条件组，组内按Operator组合
type CPAGroup struct {
	Operator string         `json:"operator"`
	Criteria []CPACriterion `json:"criteria"`
}

// CPAValidationRules CPA判定规则，组间按GroupOperator组合
type CPAValidationRules struct {
	Groups        []CPAGroup `json:"groups"`
	GroupOperator string     `json:"group_operator"`
}

// DefaultDataSyncSettings 默认同步设置
func DefaultDataSyncSettings() DataSyncSettings {
	return DataSyncSettings{
		SyncIntervalMinutes: 15,
		BatchSize:           500,
		MaxRetryAttempts:    3,
		EnableRealTime:      false,
		SyncTables:          []string{"users", "transactions", "bets", "deposits"},
	}
}

// DefaultAnalyticsSettings 默认分析设置
func DefaultAnalyticsSettings() AnalyticsSettings {
	return AnalyticsSettings{
		RetentionDays:           365,
		AggregationIntervals:    []string{"DAILY", "WEEKLY", "MONTHLY"},
		EnableRealTimeAnalytics: false,
		CacheDurationMinutes:    30,
	}
}

// DefaultExportSettings 默认导出设置
func DefaultExportSettings() ExportSettings {
	return ExportSettings{
		MaxFileSizeMB:      100,
		RetentionDays:      7,
		AllowedFormats:     []string{models.ExportFormatCSV, models.ExportFormatJSON},
		CompressionEnabled: false,
	}
}

// DefaultCPALevelAmounts 默认各层级派彩: 50/20/5/5/5
func DefaultCPALevelAmounts() CPALevelAmounts {
	return CPALevelAmounts{Level1: 50, Level2: 20, Level3: 5, Level4: 5, Level5: 5}
}

// DefaultCPAValidationRules 默认CPA规则: 充值>=30 且 注单数>=10 且 投注额>=100 且 活跃天数>=3
func DefaultCPAValidationRules() CPAValidationRules {
	return CPAValidationRules{
		GroupOperator: "AND",
		Groups: []CPAGroup{
			{
				Operator: "AND",
				Criteria: []CPACriterion{
					{Type: "total_deposits", Value: 30, Enabled: true},
					{Type: "bet_count", Value: 10, Enabled: true},
					{Type: "total_bets", Value: 100, Enabled: true},
					{Type: "days_active", Value: 3, Enabled: true},
				},
			},
		},
	}
}

// ChangeListener 配置变更回调
type ChangeListener func(key string)

// Provider 动态配置提供者
type Provider struct {
	db        *gorm.DB
	mu        sync.RWMutex
	cache     map[string]models.JSONB
	listeners []ChangeListener
}

// NewProvider 创建配置提供者
func NewProvider(db *gorm.DB) *Provider {
	return &Provider{
		db:    db,
		cache: make(map[string]models.JSONB),
	}
}

// Subscribe 订阅配置变更
func (p *Provider) Subscribe(listener ChangeListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, listener)
}

// Get 读取原始配置值，未配置返回nil不报错
func (p *Provider) Get(key string) (models.JSONB, error) {
	p.mu.RLock()
	if cached, exists := p.cache[key]; exists {
		p.mu.RUnlock()
		return cached, nil
	}
	p.mu.RUnlock()

	var record models.SystemConfig
	err := p.db.Where("key = ?", key).First(&record).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取配置 %s 失败: %w", key, err)
	}

	p.mu.Lock()
	p.cache[key] = record.Value
	p.mu.Unlock()
	return record.Value, nil
}

// Set UPSERT配置值，失效缓存并通知订阅者
func (p *Provider) Set(key string, value models.JSONB, description string) error {
	record := &models.SystemConfig{Key: key, Value: value, Description: description}
	err := p.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "description", "updated_at"}),
	}).Create(record).Error
	if err != nil {
		return fmt.Errorf("写入配置 %s 失败: %w", key, err)
	}

	p.mu.Lock()
	p.cache[key] = value
	listeners := make([]ChangeListener, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, listener := range listeners {
		listener(key)
	}
	return nil
}

// Invalidate 失效单个缓存键，下次读取回库
func (p *Provider) Invalidate(key string) {
	p.mu.Lock()
	delete(p.cache, key)
	p.mu.Unlock()
}

// decodeInto 把JSONB值反序列化到类型化结构
func decodeInto(value models.JSONB, out interface{}) error {
	bytes, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, out)
}

// DataSyncSettings 读取同步设置，缺失或解析失败时回落默认值
func (p *Provider) DataSyncSettings() DataSyncSettings {
	settings := DefaultDataSyncSettings()
	p.loadTyped(KeyDataSyncSettings, &settings)
	return settings
}

// AnalyticsSettings 读取分析设置
func (p *Provider) AnalyticsSettings() AnalyticsSettings {
	settings := DefaultAnalyticsSettings()
	p.loadTyped(KeyAnalyticsSettings, &settings)
	return settings
}

// ExportSettings 读取导出设置
func (p *Provider) ExportSettings() ExportSettings {
	settings := DefaultExportSettings()
	p.loadTyped(KeyExportSettings, &settings)
	return settings
}

// CPALevelAmounts 读取各层级CPA派彩
func (p *Provider) CPALevelAmounts() CPALevelAmounts {
	amounts := DefaultCPALevelAmounts()
	p.loadTyped(KeyCPALevelAmounts, &amounts)
	return amounts
}

// CPAValidationRules 读取CPA判定规则
func (p *Provider) CPAValidationRules() CPAValidationRules {
	rules := DefaultCPAValidationRules()
	var loaded CPAValidationRules
	if p.loadTyped(KeyCPAValidationRules, &loaded) && len(loaded.Groups) > 0 {
		return loaded
	}
	return rules
}

// loadTyped 读取并反序列化配置，成功返回true，失败回落默认值
func (p *Provider) loadTyped(key string, out interface{}) bool {
	value, err := p.Get(key)
	if err != nil {
		slog.Warn("读取配置失败，使用默认值", "key", key, "error", err)
		return false
	}
	if value == nil {
		return false
	}
	if err := decodeInto(value, out); err != nil {
		slog.Warn("配置解析失败，使用默认值", "key", key, "error", err)
		return false
	}
	return true
}

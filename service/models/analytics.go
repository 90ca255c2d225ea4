/*
 * @module service/models/analytics
 * @description 分析汇总模型，按周期分桶的用户/联盟会员聚合行，(实体, 周期类型, 周期起点)唯一
 * @architecture 数据模型层 - UPSERT语义，非键字段整体替换
 * @documentReference ai_docs/analytics_engine_design.md
 * @stateFlow 聚合计算 -> 按唯一键UPSERT -> last_updated刷新
 * @rules net_result恒等于total_wins-total_losses；period_end必须晚于period_start；比率字段落在[0,1]
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/analytics/analytics_engine.go
 */

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 周期类型常量
const (
	PeriodDaily   = "DAILY"
	PeriodWeekly  = "WEEKLY"
	PeriodMonthly = "MONTHLY"
	PeriodYearly  = "YEARLY"
)

// IsValidPeriodType 判断周期类型是否合法
func IsValidPeriodType(periodType string) bool {
	switch periodType {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodYearly:
		return true
	}
	return false
}

// UserAnalytics 用户周期分析行
type UserAnalytics struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID      int64     `gorm:"not null;uniqueIndex:uq_user_period" json:"user_id"`
	PeriodType  string    `gorm:"type:varchar(10);not null;uniqueIndex:uq_user_period" json:"period_type"`
	PeriodStart time.Time `gorm:"not null;uniqueIndex:uq_user_period" json:"period_start"`
	PeriodEnd   time.Time `gorm:"not null" json:"period_end"`

	// 充值组
	TotalDeposits    float64    `gorm:"type:decimal(15,2);default:0" json:"total_deposits"`
	DepositCount     int        `gorm:"default:0" json:"deposit_count"`
	AvgDepositAmount float64    `gorm:"type:decimal(15,2);default:0" json:"avg_deposit_amount"`
	FirstDepositAt   *time.Time `json:"first_deposit_at"`
	LastDepositAt    *time.Time `json:"last_deposit_at"`

	// 投注组
	TotalBets    float64    `gorm:"type:decimal(15,2);default:0" json:"total_bets"`
	BetCount     int        `gorm:"default:0" json:"bet_count"`
	AvgBetAmount float64    `gorm:"type:decimal(15,2);default:0" json:"avg_bet_amount"`
	FirstBetAt   *time.Time `json:"first_bet_at"`
	LastBetAt    *time.Time `json:"last_bet_at"`

	// 活跃组(会话指标为启发式估算)
	DaysActive          int `gorm:"default:0" json:"days_active"`
	SessionsCount       int `gorm:"default:0" json:"sessions_count"`
	TotalSessionMinutes int `gorm:"default:0" json:"total_session_minutes"`

	// 输赢组
	TotalWins   float64 `gorm:"type:decimal(15,2);default:0" json:"total_wins"`
	TotalLosses float64 `gorm:"type:decimal(15,2);default:0" json:"total_losses"`
	NetResult   float64 `gorm:"type:decimal(15,2);default:0" json:"net_result"`

	// CPA组
	CPAQualified         bool       `gorm:"default:false" json:"cpa_qualified"`
	CPAQualificationDate *time.Time `json:"cpa_qualification_date"`
	CPAAmount            float64    `gorm:"type:decimal(15,2);default:0" json:"cpa_amount"`

	LastUpdated time.Time `gorm:"not null" json:"last_updated"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName 指定表名
func (UserAnalytics) TableName() string {
	return "user_analytics"
}

// BeforeCreate GORM钩子
func (ua *UserAnalytics) BeforeCreate(tx *gorm.DB) error {
	if ua.ID == "" {
		ua.ID = uuid.New().String()
	}
	return ua.Validate()
}

// BeforeUpdate GORM钩子
func (ua *UserAnalytics) BeforeUpdate(tx *gorm.DB) error {
	return ua.Validate()
}

// Validate 校验行不变量
func (ua *UserAnalytics) Validate() error {
	if !IsValidPeriodType(ua.PeriodType) {
		return fmt.Errorf("无效的周期类型: %s", ua.PeriodType)
	}
	if !ua.PeriodEnd.After(ua.PeriodStart) {
		return fmt.Errorf("周期结束必须晚于周期起点")
	}
	if ua.NetResult != ua.TotalWins-ua.TotalLosses {
		return fmt.Errorf("净输赢必须等于总赢减总输: %.2f != %.2f-%.2f",
			ua.NetResult, ua.TotalWins, ua.TotalLosses)
	}
	for name, v := range map[string]float64{
		"total_deposits": ua.TotalDeposits,
		"total_bets":     ua.TotalBets,
		"total_wins":     ua.TotalWins,
		"total_losses":   ua.TotalLosses,
		"cpa_amount":     ua.CPAAmount,
	} {
		if v < 0 {
			return fmt.Errorf("字段 %s 不能为负数: %.2f", name, v)
		}
	}
	for name, v := range map[string]int{
		"deposit_count":  ua.DepositCount,
		"bet_count":      ua.BetCount,
		"days_active":    ua.DaysActive,
		"sessions_count": ua.SessionsCount,
	} {
		if v < 0 {
			return fmt.Errorf("字段 %s 不能为负数: %d", name, v)
		}
	}
	return nil
}

// AffiliateAnalytics 联盟会员周期分析行
type AffiliateAnalytics struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	AffiliateID int64     `gorm:"not null;uniqueIndex:uq_affiliate_period" json:"affiliate_id"`
	PeriodType  string    `gorm:"type:varchar(10);not null;uniqueIndex:uq_affiliate_period" json:"period_type"`
	PeriodStart time.Time `gorm:"not null;uniqueIndex:uq_affiliate_period" json:"period_start"`
	PeriodEnd   time.Time `gorm:"not null" json:"period_end"`

	// 用户数组
	TotalUsers        int `gorm:"default:0" json:"total_users"`
	NewUsers          int `gorm:"default:0" json:"new_users"`
	ActiveUsers       int `gorm:"default:0" json:"active_users"`
	CPAQualifiedUsers int `gorm:"default:0" json:"cpa_qualified_users"`

	// 财务组
	TotalDeposits    float64 `gorm:"type:decimal(15,2);default:0" json:"total_deposits"`
	TotalBets        float64 `gorm:"type:decimal(15,2);default:0" json:"total_bets"`
	TotalCommissions float64 `gorm:"type:decimal(15,2);default:0" json:"total_commissions"`

	// MLM各层级
	Level1Users      int     `gorm:"default:0" json:"level1_users"`
	Level2Users      int     `gorm:"default:0" json:"level2_users"`
	Level3Users      int     `gorm:"default:0" json:"level3_users"`
	Level4Users      int     `gorm:"default:0" json:"level4_users"`
	Level5Users      int     `gorm:"default:0" json:"level5_users"`
	Level1Commission float64 `gorm:"type:decimal(15,2);default:0" json:"level1_commission"`
	Level2Commission float64 `gorm:"type:decimal(15,2);default:0" json:"level2_commission"`
	Level3Commission float64 `gorm:"type:decimal(15,2);default:0" json:"level3_commission"`
	Level4Commission float64 `gorm:"type:decimal(15,2);default:0" json:"level4_commission"`
	Level5Commission float64 `gorm:"type:decimal(15,2);default:0" json:"level5_commission"`

	// 派生比率
	ConversionRate float64 `gorm:"type:decimal(6,4);default:0" json:"conversion_rate"`
	RetentionRate  float64 `gorm:"type:decimal(6,4);default:0" json:"retention_rate"`
	AvgUserValue   float64 `gorm:"type:decimal(15,2);default:0" json:"avg_user_value"`

	LastUpdated time.Time `gorm:"not null" json:"last_updated"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName 指定表名
func (AffiliateAnalytics) TableName() string {
	return "affiliate_analytics"
}

// BeforeCreate GORM钩子
func (aa *AffiliateAnalytics) BeforeCreate(tx *gorm.DB) error {
	if aa.ID == "" {
		aa.ID = uuid.New().String()
	}
	return aa.Validate()
}

// BeforeUpdate GORM钩子
func (aa *AffiliateAnalytics) BeforeUpdate(tx *gorm.DB) error {
	return aa.Validate()
}

// Validate 校验行不变量
func (aa *AffiliateAnalytics) Validate() error {
	if !IsValidPeriodType(aa.PeriodType) {
		return fmt.Errorf("无效的周期类型: %s", aa.PeriodType)
	}
	if !aa.PeriodEnd.After(aa.PeriodStart) {
		return fmt.Errorf("周期结束必须晚于周期起点")
	}
	if aa.ConversionRate < 0 || aa.ConversionRate > 1 {
		return fmt.Errorf("转化率必须在[0,1]区间: %.4f", aa.ConversionRate)
	}
	if aa.RetentionRate < 0 || aa.RetentionRate > 1 {
		return fmt.Errorf("留存率必须在[0,1]区间: %.4f", aa.RetentionRate)
	}
	if aa.AvgUserValue < 0 {
		return fmt.Errorf("人均价值不能为负数: %.2f", aa.AvgUserValue)
	}
	return nil
}

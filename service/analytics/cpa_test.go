/*
 * @module service/analytics/cpa_test
 * @description CPA资格判定单元测试，覆盖默认规则、条件组组合与禁用条件
 * @architecture 单元测试
 * @documentReference ai_docs/analytics_engine_design.md
 * @stateFlow 指标构造 -> 规则求值 -> 结果验证
 * @rules 验证AND/OR组合语义与阈值边界
 * @dependencies testing, github.com/stretchr/testify/assert
 * @refs cpa.go
 */

package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"datasync-service/service/config"
)

func TestEvaluateCPA_DefaultRules(t *testing.T) {
	rules := config.DefaultCPAValidationRules()

	tests := []struct {
		name      string
		metrics   UserMetrics
		qualified bool
	}{
		{
			name: "全部达标",
			metrics: UserMetrics{
				TotalDeposits: 50,
				TotalBets:     200,
				BetCount:      12,
				DaysActive:    4,
			},
			qualified: true,
		},
		{
			name: "阈值边界恰好达标",
			metrics: UserMetrics{
				TotalDeposits: 30,
				TotalBets:     100,
				BetCount:      10,
				DaysActive:    3,
			},
			qualified: true,
		},
		{
			name: "充值不足",
			metrics: UserMetrics{
				TotalDeposits: 29.99,
				TotalBets:     200,
				BetCount:      12,
				DaysActive:    4,
			},
			qualified: false,
		},
		{
			name: "注单数不足",
			metrics: UserMetrics{
				TotalDeposits: 50,
				TotalBets:     200,
				BetCount:      9,
				DaysActive:    4,
			},
			qualified: false,
		},
		{
			name: "活跃天数不足",
			metrics: UserMetrics{
				TotalDeposits: 50,
				TotalBets:     200,
				BetCount:      12,
				DaysActive:    2,
			},
			qualified: false,
		},
		{
			name:      "零指标",
			metrics:   UserMetrics{},
			qualified: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.qualified, EvaluateCPA(tt.metrics, rules))
		})
	}
}

func TestEvaluateCPA_GroupCombination(t *testing.T) {
	t.Run("组内OR任一满足即可", func(t *testing.T) {
		rules := config.CPAValidationRules{
			GroupOperator: "AND",
			Groups: []config.CPAGroup{
				{
					Operator: "OR",
					Criteria: []config.CPACriterion{
						{Type: "total_deposits", Value: 1000, Enabled: true},
						{Type: "bet_count", Value: 5, Enabled: true},
					},
				},
			},
		}
		assert.True(t, EvaluateCPA(UserMetrics{BetCount: 5}, rules))
		assert.False(t, EvaluateCPA(UserMetrics{BetCount: 4}, rules))
	})

	t.Run("组间OR任一组满足即可", func(t *testing.T) {
		rules := config.CPAValidationRules{
			GroupOperator: "OR",
			Groups: []config.CPAGroup{
				{
					Operator: "AND",
					Criteria: []config.CPACriterion{
						{Type: "total_deposits", Value: 1000, Enabled: true},
					},
				},
				{
					Operator: "AND",
					Criteria: []config.CPACriterion{
						{Type: "days_active", Value: 7, Enabled: true},
					},
				},
			},
		}
		assert.True(t, EvaluateCPA(UserMetrics{DaysActive: 7}, rules))
		assert.False(t, EvaluateCPA(UserMetrics{DaysActive: 6}, rules))
	})

	t.Run("禁用条件不参与组合", func(t *testing.T) {
		rules := config.CPAValidationRules{
			GroupOperator: "AND",
			Groups: []config.CPAGroup{
				{
					Operator: "AND",
					Criteria: []config.CPACriterion{
						{Type: "total_deposits", Value: 30, Enabled: true},
						{Type: "total_bets", Value: 100000, Enabled: false},
					},
				},
			},
		}
		assert.True(t, EvaluateCPA(UserMetrics{TotalDeposits: 30}, rules))
	})

	t.Run("组内全部禁用视为不满足", func(t *testing.T) {
		rules := config.CPAValidationRules{
			GroupOperator: "AND",
			Groups: []config.CPAGroup{
				{
					Operator: "AND",
					Criteria: []config.CPACriterion{
						{Type: "total_deposits", Value: 30, Enabled: false},
					},
				},
			},
		}
		assert.False(t, EvaluateCPA(UserMetrics{TotalDeposits: 100}, rules))
	})

	t.Run("空规则不达标", func(t *testing.T) {
		assert.False(t, EvaluateCPA(UserMetrics{TotalDeposits: 1000}, config.CPAValidationRules{}))
	})

	t.Run("未知条件类型按不满足处理", func(t *testing.T) {
		rules := config.CPAValidationRules{
			GroupOperator: "AND",
			Groups: []config.CPAGroup{
				{
					Operator: "AND",
					Criteria: []config.CPACriterion{
						{Type: "lifetime_value", Value: 1, Enabled: true},
					},
				},
			},
		}
		assert.False(t, EvaluateCPA(UserMetrics{TotalDeposits: 1000}, rules))
	})
}

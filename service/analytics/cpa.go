/*
 * @module service/analytics/cpa
 * @description CPA资格判定，按可配置的条件组评估用户是否达到派彩门槛
 * @architecture 规则求值器 - 条件组内/组间分别按AND/OR组合
 * @documentReference ai_docs/analytics_engine_design.md
 * @stateFlow 指标快照 -> 条件逐项求值 -> 组内组合 -> 组间组合
 * @rules 禁用的条件跳过不参与组合；未知条件类型按不满足处理
 * @refs analytics_engine.go, service/config/config_provider.go
 */

package analytics

import (
	"log/slog"
	"strings"

	"datasync-service/service/config"
)

// UserMetrics CPA判定用的指标快照
type UserMetrics struct {
	TotalDeposits float64
	DepositCount  int
	TotalBets     float64
	BetCount      int
	DaysActive    int
}

// EvaluateCPA 按配置规则判定用户是否CPA达标
func EvaluateCPA(metrics UserMetrics, rules config.CPAValidationRules) bool {
	if len(rules.Groups) == 0 {
		return false
	}

	groupResults := make([]bool, 0, len(rules.Groups))
	for _, group := range rules.Groups {
		groupResults = append(groupResults, evaluateGroup(metrics, group))
	}

	if strings.EqualFold(rules.GroupOperator, "OR") {
		for _, result := range groupResults {
			if result {
				return true
			}
		}
		return false
	}

	for _, result := range groupResults {
		if !result {
			return false
		}
	}
	return true
}

// evaluateGroup 组内求值，禁用条件跳过
func evaluateGroup(metrics UserMetrics, group config.CPAGroup) bool {
	isOr := strings.EqualFold(group.Operator, "OR")
	evaluated := false

	for _, criterion := range group.Criteria {
		if !criterion.Enabled {
			continue
		}
		evaluated = true
		satisfied := evaluateCriterion(metrics, criterion)

		if isOr && satisfied {
			return true
		}
		if !isOr && !satisfied {
			return false
		}
	}

	// 组内没有任何启用的条件时视为不满足
	if !evaluated {
		return false
	}
	return !isOr
}

// evaluateCriterion 单条件求值，指标值>=阈值为满足
func evaluateCriterion(metrics UserMetrics, criterion config.CPACriterion) bool {
	switch criterion.Type {
	case "total_deposits":
		return metrics.TotalDeposits >= criterion.Value
	case "deposit_count":
		return float64(metrics.DepositCount) >= criterion.Value
	case "total_bets":
		return metrics.TotalBets >= criterion.Value
	case "bet_count":
		return float64(metrics.BetCount) >= criterion.Value
	case "days_active":
		return float64(metrics.DaysActive) >= criterion.Value
	default:
		slog.Warn("未知的CPA条件类型", "type", criterion.Type)
		return false
	}
}

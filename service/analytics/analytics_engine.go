/*
 * @module service/analytics/analytics_engine
 * @description 分析聚合引擎，在周期窗口内聚合用户/联盟会员指标并按唯一键UPSERT
 * @architecture 聚合引擎 - 源库读原始行，目标库写汇总行，同键重复写入幂等
 * @documentReference ai_docs/analytics_engine_design.md
 * @stateFlow 周期解析 -> 窗口内取数 -> 指标计算 -> CPA判定 -> UPSERT
 * @rules UPSERT整体替换非键字段并刷新last_updated；会话指标为启发式估算
 * @dependencies gorm.io/gorm, github.com/spf13/cast
 * @refs period.go, cpa.go, service/etl/source_reader.go
 */

package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/spf13/cast"
	"gorm.io/gorm"

	"datasync-service/service/config"
	"datasync-service/service/etl"
	"datasync-service/service/models"
)

const fetchBatchSize = 1000

// Engine 分析聚合引擎
type Engine struct {
	reader   *etl.SourceReader
	targetDB *gorm.DB
	cfg      *config.Provider
}

// NewEngine 创建分析聚合引擎
func NewEngine(reader *etl.SourceReader, targetDB *gorm.DB, cfg *config.Provider) *Engine {
	return &Engine{reader: reader, targetDB: targetDB, cfg: cfg}
}

// GenerateUserAnalytics 生成单用户的周期分析行。用户不存在时返回nil。
func (e *Engine) GenerateUserAnalytics(ctx context.Context, userID int64, periodType string, refDate *time.Time) (*models.UserAnalytics, error) {
	if !models.IsValidPeriodType(periodType) {
		return nil, fmt.Errorf("无效的周期类型: %s", periodType)
	}
	ref := time.Now().UTC()
	if refDate != nil {
		ref = refDate.UTC()
	}
	periodStart, periodEnd, err := ResolvePeriod(periodType, ref)
	if err != nil {
		return nil, err
	}

	users, err := e.fetchRows(ctx, "users", map[string]interface{}{"id": userID})
	if err != nil {
		return nil, fmt.Errorf("读取用户失败: %w", err)
	}
	if len(users) == 0 {
		return nil, nil
	}

	windowFilter := func(extra map[string]interface{}) map[string]interface{} {
		filters := map[string]interface{}{
			"created_at": map[string]interface{}{">=": periodStart, "<=": periodEnd},
		}
		for k, v := range extra {
			filters[k] = v
		}
		return filters
	}

	deposits, err := e.fetchRows(ctx, "deposits", windowFilter(map[string]interface{}{"user_id": userID}))
	if err != nil {
		return nil, fmt.Errorf("读取充值记录失败: %w", err)
	}
	bets, err := e.fetchRows(ctx, "bets", windowFilter(map[string]interface{}{"user_id": userID}))
	if err != nil {
		return nil, fmt.Errorf("读取投注记录失败: %w", err)
	}
	transactions, err := e.fetchRows(ctx, "transactions", windowFilter(map[string]interface{}{"user_id": userID}))
	if err != nil {
		return nil, fmt.Errorf("读取交易记录失败: %w", err)
	}

	row := &models.UserAnalytics{
		UserID:      userID,
		PeriodType:  periodType,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		LastUpdated: time.Now().UTC(),
	}

	// 充值组
	row.TotalDeposits = sumField(deposits, "amount")
	row.DepositCount = len(deposits)
	if row.DepositCount > 0 {
		// 均值存未舍入的商：均值×次数必须与总额吻合
		row.AvgDepositAmount = row.TotalDeposits / float64(row.DepositCount)
	}
	row.FirstDepositAt, row.LastDepositAt = firstLastTime(deposits, "created_at")

	// 投注组
	row.TotalBets = sumField(bets, "amount")
	row.BetCount = len(bets)
	if row.BetCount > 0 {
		row.AvgBetAmount = row.TotalBets / float64(row.BetCount)
	}
	row.FirstBetAt, row.LastBetAt = firstLastTime(bets, "created_at")

	// 活跃组：活跃天数取交易与投注覆盖的去重日历日；
	// 会话数与时长为启发式估算
	row.DaysActive = distinctDays(transactions, bets)
	totalActivity := len(transactions) + len(bets)
	if totalActivity > 0 {
		row.SessionsCount = int(math.Ceil(float64(totalActivity) / 10))
		row.TotalSessionMinutes = totalActivity * 5
	}

	// 输赢组
	for _, bet := range bets {
		result := cast.ToString(bet["result"])
		switch result {
		case "win":
			row.TotalWins += cast.ToFloat64(bet["win_amount"])
		case "loss":
			row.TotalLosses += cast.ToFloat64(bet["amount"])
		}
	}
	row.TotalWins = round2(row.TotalWins)
	row.TotalLosses = round2(row.TotalLosses)
	row.NetResult = row.TotalWins - row.TotalLosses

	// CPA判定
	metrics := UserMetrics{
		TotalDeposits: row.TotalDeposits,
		DepositCount:  row.DepositCount,
		TotalBets:     row.TotalBets,
		BetCount:      row.BetCount,
		DaysActive:    row.DaysActive,
	}
	if EvaluateCPA(metrics, e.cfg.CPAValidationRules()) {
		now := time.Now().UTC()
		row.CPAQualified = true
		row.CPAQualificationDate = &now
		row.CPAAmount = e.cfg.CPALevelAmounts().Level1
	}

	if err := e.upsertUserAnalytics(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// GenerateAffiliateAnalytics 生成单联盟会员的周期分析行。会员不存在时返回nil。
func (e *Engine) GenerateAffiliateAnalytics(ctx context.Context, affiliateID int64, periodType string, refDate *time.Time) (*models.AffiliateAnalytics, error) {
	if !models.IsValidPeriodType(periodType) {
		return nil, fmt.Errorf("无效的周期类型: %s", periodType)
	}
	ref := time.Now().UTC()
	if refDate != nil {
		ref = refDate.UTC()
	}
	periodStart, periodEnd, err := ResolvePeriod(periodType, ref)
	if err != nil {
		return nil, err
	}

	affiliates, err := e.fetchRows(ctx, "users", map[string]interface{}{"id": affiliateID})
	if err != nil {
		return nil, fmt.Errorf("读取联盟会员失败: %w", err)
	}
	if len(affiliates) == 0 {
		return nil, nil
	}

	// 直推用户
	referredUsers, err := e.fetchRows(ctx, "users", map[string]interface{}{"affiliate_id": affiliateID})
	if err != nil {
		return nil, fmt.Errorf("读取下级用户失败: %w", err)
	}

	row := &models.AffiliateAnalytics{
		AffiliateID: affiliateID,
		PeriodType:  periodType,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		LastUpdated: time.Now().UTC(),
	}
	row.TotalUsers = len(referredUsers)
	row.Level1Users = len(referredUsers)
	// TODO: 接入多层级推荐关系表后补齐2-5层的用户与佣金统计

	userIDs := make([]interface{}, 0, len(referredUsers))
	for _, user := range referredUsers {
		createdAt, err := cast.ToTimeE(user["created_at"])
		if err == nil && !createdAt.Before(periodStart) && !createdAt.After(periodEnd) {
			row.NewUsers++
		}
		userIDs = append(userIDs, user["id"])
	}

	if len(userIDs) > 0 {
		windowFilter := map[string]interface{}{
			"user_id":    userIDs,
			"created_at": map[string]interface{}{">=": periodStart, "<=": periodEnd},
		}
		deposits, err := e.fetchRows(ctx, "deposits", windowFilter)
		if err != nil {
			return nil, fmt.Errorf("读取下级充值记录失败: %w", err)
		}
		bets, err := e.fetchRows(ctx, "bets", windowFilter)
		if err != nil {
			return nil, fmt.Errorf("读取下级投注记录失败: %w", err)
		}

		row.TotalDeposits = sumField(deposits, "amount")
		row.TotalBets = sumField(bets, "amount")

		active := make(map[string]struct{})
		for _, record := range append(deposits, bets...) {
			active[cast.ToString(record["user_id"])] = struct{}{}
		}
		row.ActiveUsers = len(active)
	}

	// CPA达标数从目标库同周期的用户分析行统计
	var qualified int64
	err = e.targetDB.WithContext(ctx).Model(&models.UserAnalytics{}).
		Where("period_type = ? AND period_start = ? AND cpa_qualified = ?", periodType, periodStart, true).
		Where("user_id IN ?", toInt64Slice(userIDs)).
		Count(&qualified).Error
	if err != nil {
		return nil, fmt.Errorf("统计CPA达标用户失败: %w", err)
	}
	row.CPAQualifiedUsers = int(qualified)

	amounts := e.cfg.CPALevelAmounts()
	row.Level1Commission = round2(float64(row.CPAQualifiedUsers) * amounts.Level1)
	row.TotalCommissions = row.Level1Commission +
		row.Level2Commission + row.Level3Commission +
		row.Level4Commission + row.Level5Commission

	if row.TotalUsers > 0 {
		row.ConversionRate = clamp01(float64(row.CPAQualifiedUsers) / float64(row.TotalUsers))
		row.RetentionRate = clamp01(float64(row.ActiveUsers) / float64(row.TotalUsers))
		row.AvgUserValue = round2(row.TotalDeposits / float64(row.TotalUsers))
	}

	if err := e.upsertAffiliateAnalytics(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// RunAggregation 对源库全部用户执行一轮周期聚合，记录AGGREGATE日志
func (e *Engine) RunAggregation(ctx context.Context, periodType string, refDate *time.Time) error {
	aggLog := &models.ETLLog{
		SyncType:  "aggregate",
		SyncTable: "user_analytics",
		Operation: models.OperationAggregate,
		StartTime: time.Now().UTC(),
		Status:    models.SyncStatusRunning,
	}
	if err := e.targetDB.WithContext(ctx).Create(aggLog).Error; err != nil {
		return fmt.Errorf("创建聚合日志失败: %w", err)
	}

	users, err := e.fetchRows(ctx, "users", nil)
	if err != nil {
		aggLog.MarkFailed(err.Error())
		e.targetDB.Save(aggLog)
		return fmt.Errorf("读取用户列表失败: %w", err)
	}

	processed, success, failed := 0, 0, 0
	for _, user := range users {
		select {
		case <-ctx.Done():
			aggLog.MarkFailed(ctx.Err().Error())
			aggLog.RecordsProcessed = processed
			aggLog.RecordsSuccess = success
			aggLog.RecordsFailed = failed
			e.targetDB.Save(aggLog)
			return ctx.Err()
		default:
		}

		userID, err := cast.ToInt64E(user["id"])
		if err != nil {
			continue
		}
		processed++
		if _, err := e.GenerateUserAnalytics(ctx, userID, periodType, refDate); err != nil {
			slog.Warn("用户聚合失败", "user_id", userID, "period_type", periodType, "error", err)
			failed++
			continue
		}
		success++
	}

	aggLog.MarkCompleted(processed, success, failed)
	if err := e.targetDB.WithContext(ctx).Save(aggLog).Error; err != nil {
		return fmt.Errorf("更新聚合日志失败: %w", err)
	}
	slog.Info("周期聚合完成", "period_type", periodType, "processed", processed, "success", success, "failed", failed)
	return nil
}

// upsertUserAnalytics 按(user_id, period_type, period_start)UPSERT
func (e *Engine) upsertUserAnalytics(ctx context.Context, row *models.UserAnalytics) error {
	var existing models.UserAnalytics
	err := e.targetDB.WithContext(ctx).
		Where("user_id = ? AND period_type = ? AND period_start = ?", row.UserID, row.PeriodType, row.PeriodStart).
		First(&existing).Error
	if err == nil {
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
		if err := e.targetDB.WithContext(ctx).Save(row).Error; err != nil {
			return fmt.Errorf("更新用户分析行失败: %w", err)
		}
		return nil
	}
	if err != gorm.ErrRecordNotFound {
		return fmt.Errorf("查找用户分析行失败: %w", err)
	}
	if err := e.targetDB.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("创建用户分析行失败: %w", err)
	}
	return nil
}

// upsertAffiliateAnalytics 按(affiliate_id, period_type, period_start)UPSERT
func (e *Engine) upsertAffiliateAnalytics(ctx context.Context, row *models.AffiliateAnalytics) error {
	var existing models.AffiliateAnalytics
	err := e.targetDB.WithContext(ctx).
		Where("affiliate_id = ? AND period_type = ? AND period_start = ?", row.AffiliateID, row.PeriodType, row.PeriodStart).
		First(&existing).Error
	if err == nil {
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
		if err := e.targetDB.WithContext(ctx).Save(row).Error; err != nil {
			return fmt.Errorf("更新联盟会员分析行失败: %w", err)
		}
		return nil
	}
	if err != gorm.ErrRecordNotFound {
		return fmt.Errorf("查找联盟会员分析行失败: %w", err)
	}
	if err := e.targetDB.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("创建联盟会员分析行失败: %w", err)
	}
	return nil
}

// fetchRows 按过滤条件分页读尽一张源表
func (e *Engine) fetchRows(ctx context.Context, sourceTable string, filters map[string]interface{}) ([]map[string]interface{}, error) {
	table := &etl.TableConfig{SourceTable: sourceTable, PrimaryKey: "id"}

	var all []map[string]interface{}
	offset := 0
	for {
		rows, hasMore, err := e.reader.ReadBatch(ctx, table, etl.ReadOptions{
			BatchSize:    fetchBatchSize,
			Offset:       offset,
			ExtraFilters: filters,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
		if !hasMore {
			return all, nil
		}
		offset += fetchBatchSize
	}
}

func sumField(rows []map[string]interface{}, field string) float64 {
	var total float64
	for _, row := range rows {
		total += cast.ToFloat64(row[field])
	}
	return round2(total)
}

func firstLastTime(rows []map[string]interface{}, field string) (*time.Time, *time.Time) {
	var first, last *time.Time
	for _, row := range rows {
		t, err := cast.ToTimeE(row[field])
		if err != nil {
			continue
		}
		t = t.UTC()
		if first == nil || t.Before(*first) {
			v := t
			first = &v
		}
		if last == nil || t.After(*last) {
			v := t
			last = &v
		}
	}
	return first, last
}

func distinctDays(rowSets ...[]map[string]interface{}) int {
	days := make(map[string]struct{})
	for _, rows := range rowSets {
		for _, row := range rows {
			t, err := cast.ToTimeE(row["created_at"])
			if err != nil {
				continue
			}
			days[t.UTC().Format("2006-01-02")] = struct{}{}
		}
	}
	return len(days)
}

func toInt64Slice(values []interface{}) []int64 {
	result := make([]int64, 0, len(values))
	for _, v := range values {
		if id, err := cast.ToInt64E(v); err == nil {
			result = append(result, id)
		}
	}
	return result
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

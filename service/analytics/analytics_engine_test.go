/*
 * @module service/analytics/analytics_engine_test
 * @description 分析聚合引擎单元测试，覆盖UPSERT幂等与指标辅助函数
 * @architecture 单元测试 - 内存数据库
 * @documentReference ai_docs/analytics_engine_design.md
 * @stateFlow 分析行构造 -> 重复UPSERT -> 唯一键行数验证
 * @rules 同(实体,周期类型,周期起点)重复写入不产生新行
 * @dependencies testing, github.com/stretchr/testify/assert, datasync-service/testutil
 * @refs analytics_engine.go
 */

package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datasync-service/service/config"
	"datasync-service/service/etl"
	"datasync-service/service/models"
	"datasync-service/testutil"
)

func newEngineForTest(t *testing.T) (*testutil.TestDB, *Engine) {
	t.Helper()
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)
	return tdb, NewEngine(nil, tdb.DB, config.NewProvider(tdb.DB))
}

func TestEngine_UpsertUserAnalytics(t *testing.T) {
	tdb, engine := newEngineForTest(t)
	ctx := context.Background()

	periodStart := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2025, 3, 10, 23, 59, 59, 999000000, time.UTC)

	makeRow := func(deposits float64) *models.UserAnalytics {
		return &models.UserAnalytics{
			UserID:        42,
			PeriodType:    models.PeriodDaily,
			PeriodStart:   periodStart,
			PeriodEnd:     periodEnd,
			TotalDeposits: deposits,
			DepositCount:  1,
			LastUpdated:   time.Now().UTC(),
		}
	}

	first := makeRow(100)
	require.NoError(t, engine.upsertUserAnalytics(ctx, first))
	require.NotEmpty(t, first.ID)

	// 同键重复写入应更新原行而非新增
	second := makeRow(250)
	require.NoError(t, engine.upsertUserAnalytics(ctx, second))

	var count int64
	tdb.DB.Model(&models.UserAnalytics{}).
		Where("user_id = ? AND period_type = ?", 42, models.PeriodDaily).
		Count(&count)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, first.ID, second.ID, "更新应复用原行主键")

	var stored models.UserAnalytics
	require.NoError(t, tdb.DB.Where("user_id = ?", 42).First(&stored).Error)
	assert.Equal(t, float64(250), stored.TotalDeposits)

	// 不同周期起点是另一行
	other := makeRow(10)
	other.PeriodStart = periodStart.AddDate(0, 0, 1)
	other.PeriodEnd = periodEnd.AddDate(0, 0, 1)
	require.NoError(t, engine.upsertUserAnalytics(ctx, other))

	tdb.DB.Model(&models.UserAnalytics{}).Where("user_id = ?", 42).Count(&count)
	assert.Equal(t, int64(2), count)
}

func TestEngine_UpsertAffiliateAnalytics(t *testing.T) {
	tdb, engine := newEngineForTest(t)
	ctx := context.Background()

	periodStart := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2025, 3, 31, 23, 59, 59, 999000000, time.UTC)

	row := &models.AffiliateAnalytics{
		AffiliateID: 7,
		PeriodType:  models.PeriodMonthly,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		TotalUsers:  5,
		LastUpdated: time.Now().UTC(),
	}
	require.NoError(t, engine.upsertAffiliateAnalytics(ctx, row))

	update := &models.AffiliateAnalytics{
		AffiliateID: 7,
		PeriodType:  models.PeriodMonthly,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		TotalUsers:  8,
		LastUpdated: time.Now().UTC(),
	}
	require.NoError(t, engine.upsertAffiliateAnalytics(ctx, update))

	var count int64
	tdb.DB.Model(&models.AffiliateAnalytics{}).Where("affiliate_id = ?", 7).Count(&count)
	assert.Equal(t, int64(1), count)

	var stored models.AffiliateAnalytics
	require.NoError(t, tdb.DB.Where("affiliate_id = ?", 7).First(&stored).Error)
	assert.Equal(t, 8, stored.TotalUsers)
}

func TestMetricHelpers(t *testing.T) {
	t.Run("sumField忽略缺失与非数值", func(t *testing.T) {
		rows := []map[string]interface{}{
			{"amount": 10.5},
			{"amount": "20.25"},
			{"other": 5},
		}
		assert.Equal(t, 30.75, sumField(rows, "amount"))
	})

	t.Run("firstLastTime取时间极值", func(t *testing.T) {
		rows := []map[string]interface{}{
			{"created_at": "2025-03-10T12:00:00Z"},
			{"created_at": "2025-03-08T09:00:00Z"},
			{"created_at": "2025-03-12T15:00:00Z"},
		}
		first, last := firstLastTime(rows, "created_at")
		require.NotNil(t, first)
		require.NotNil(t, last)
		assert.Equal(t, time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC), *first)
		assert.Equal(t, time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC), *last)
	})

	t.Run("firstLastTime空集返回nil", func(t *testing.T) {
		first, last := firstLastTime(nil, "created_at")
		assert.Nil(t, first)
		assert.Nil(t, last)
	})

	t.Run("distinctDays跨集合去重日历日", func(t *testing.T) {
		transactions := []map[string]interface{}{
			{"created_at": "2025-03-10T08:00:00Z"},
			{"created_at": "2025-03-10T20:00:00Z"},
		}
		bets := []map[string]interface{}{
			{"created_at": "2025-03-10T12:00:00Z"},
			{"created_at": "2025-03-11T12:00:00Z"},
		}
		assert.Equal(t, 2, distinctDays(transactions, bets))
	})

	t.Run("round2与clamp01", func(t *testing.T) {
		assert.Equal(t, 66.67, round2(66.6666))
		assert.Equal(t, 0.0, clamp01(-0.5))
		assert.Equal(t, 1.0, clamp01(1.5))
		assert.Equal(t, 0.4, clamp01(0.4))
	})
}

// newEngineWithSource 用同一个内存库同时充当源库(裸SQL)与目标库(GORM)
func newEngineWithSource(t *testing.T) (*testutil.TestDB, *Engine) {
	t.Helper()
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)

	sqlDB, err := tdb.DB.DB()
	require.NoError(t, err)
	// 内存库要求读写共用同一连接
	sqlDB.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE users (id INTEGER PRIMARY KEY, affiliate_id INTEGER, name TEXT, email TEXT, status TEXT, created_at DATETIME, updated_at DATETIME)`,
		`CREATE TABLE deposits (id INTEGER PRIMARY KEY, user_id INTEGER, amount REAL, status TEXT, created_at DATETIME)`,
		`CREATE TABLE bets (id INTEGER PRIMARY KEY, user_id INTEGER, amount REAL, win_amount REAL, result TEXT, created_at DATETIME)`,
		`CREATE TABLE transactions (id INTEGER PRIMARY KEY, user_id INTEGER, amount REAL, type TEXT, created_at DATETIME)`,
	} {
		require.NoError(t, tdb.DB.Exec(stmt).Error)
	}

	return tdb, NewEngine(etl.NewSourceReader(sqlDB), tdb.DB, config.NewProvider(tdb.DB))
}

func TestEngine_GenerateUserAnalytics_AverageConsistency(t *testing.T) {
	tdb, engine := newEngineWithSource(t)
	ctx := context.Background()

	day := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, tdb.DB.Exec(
		`INSERT INTO users (id, name, email, status, created_at, updated_at) VALUES (1, 'Ana', 'ana@ex.com', 'active', ?, ?)`,
		day.AddDate(0, -1, 0), day.AddDate(0, -1, 0),
	).Error)

	// 7笔两位小数充值合计1.00，均值无法落在两位小数上
	amounts := []float64{0.15, 0.15, 0.14, 0.14, 0.14, 0.14, 0.14}
	for i, amount := range amounts {
		require.NoError(t, tdb.DB.Exec(
			`INSERT INTO deposits (id, user_id, amount, status, created_at) VALUES (?, 1, ?, 'confirmed', ?)`,
			i+1, amount, day.Add(time.Duration(i)*time.Minute),
		).Error)
	}

	row, err := engine.GenerateUserAnalytics(ctx, 1, models.PeriodDaily, &day)
	require.NoError(t, err)
	require.NotNil(t, row)

	assert.Equal(t, 1.00, row.TotalDeposits)
	assert.Equal(t, 7, row.DepositCount)
	// 均值×次数与总额误差不得超过0.01
	assert.InDelta(t, row.TotalDeposits, row.AvgDepositAmount*float64(row.DepositCount), 0.01)

	var stored models.UserAnalytics
	require.NoError(t, tdb.DB.Where("user_id = ?", 1).First(&stored).Error)
	assert.InDelta(t, stored.TotalDeposits, stored.AvgDepositAmount*float64(stored.DepositCount), 0.01)
}

func TestEngine_GenerateUserAnalytics_MissingUser(t *testing.T) {
	_, engine := newEngineWithSource(t)

	row, err := engine.GenerateUserAnalytics(context.Background(), 999, models.PeriodDaily, nil)
	require.NoError(t, err)
	assert.Nil(t, row)
}

/*
 * @module service/etl/table_syncer_test
 * @description 表同步编排器单元测试，覆盖端到端同步编排、水位线解析/持久化、增量最大值追踪与日志元数据
 * @architecture 单元测试 - 内存数据库同时充当源库与目标库
 * @documentReference ai_docs/etl_engine_design.md
 * @stateFlow 源表种子 -> Sync执行 -> 落库结果/日志/水位线验证
 * @rules 验证水位线三级解析优先级与UPSERT语义；空读与失败批次不得推进水位线
 * @dependencies testing, github.com/stretchr/testify/assert, datasync-service/testutil
 * @refs table_syncer.go
 */

package etl

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datasync-service/service/models"
	"datasync-service/testutil"
)

func newSyncerForTest(t *testing.T) (*testutil.TestDB, *TableSyncer) {
	t.Helper()
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)

	mapper := NewRecordMapper(nil)
	writer := NewTargetWriter(tdb.DB)
	syncer := NewTableSyncer(NewSourceReader(nil), mapper, writer, tdb.DB)
	return tdb, syncer
}

func TestTableSyncer_ResolveWatermark(t *testing.T) {
	table := &TableConfig{SourceTable: "users", PrimaryKey: "id", IncrementalField: "updated_at"}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("调用方指定优先", func(t *testing.T) {
		_, syncer := newSyncerForTest(t)

		caller := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		wm, err := syncer.resolveWatermark(table, &caller, now)
		require.NoError(t, err)
		assert.Equal(t, caller, wm)
	})

	t.Run("其次读持久化记录", func(t *testing.T) {
		tdb, syncer := newSyncerForTest(t)

		persisted := time.Date(2025, 3, 9, 6, 0, 0, 0, time.UTC)
		require.NoError(t, tdb.DB.Create(&models.SyncWatermark{
			SyncTable: "users",
			Watermark: persisted,
		}).Error)

		wm, err := syncer.resolveWatermark(table, nil, now)
		require.NoError(t, err)
		assert.True(t, persisted.Equal(wm))
	})

	t.Run("兜底为启动时刻前1小时", func(t *testing.T) {
		_, syncer := newSyncerForTest(t)

		wm, err := syncer.resolveWatermark(table, nil, now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(-time.Hour), wm)
	})
}

func TestTableSyncer_PersistWatermark(t *testing.T) {
	tdb, syncer := newSyncerForTest(t)
	ctx := context.Background()

	first := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	require.NoError(t, syncer.persistWatermark(ctx, "users", first))

	second := time.Date(2025, 3, 10, 11, 30, 0, 0, time.UTC)
	require.NoError(t, syncer.persistWatermark(ctx, "users", second))

	var count int64
	tdb.DB.Model(&models.SyncWatermark{}).Where("table_name = ?", "users").Count(&count)
	assert.Equal(t, int64(1), count, "同表水位线应UPSERT为单行")

	var record models.SyncWatermark
	require.NoError(t, tdb.DB.Where("table_name = ?", "users").First(&record).Error)
	assert.True(t, second.Equal(record.Watermark))
}

func TestMaxIncrementalValue(t *testing.T) {
	t.Run("取批内最大时间", func(t *testing.T) {
		rows := []map[string]interface{}{
			{"updated_at": "2025-03-10T08:00:00Z"},
			{"updated_at": "2025-03-10T09:30:00Z"},
			{"updated_at": "2025-03-10T07:00:00Z"},
		}
		result := maxIncrementalValue(rows, "updated_at", nil)
		require.NotNil(t, result)
		assert.Equal(t, time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC), result.UTC())
	})

	t.Run("跨批次保留已有最大值", func(t *testing.T) {
		current := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)
		rows := []map[string]interface{}{
			{"updated_at": "2025-03-10T09:30:00Z"},
		}
		result := maxIncrementalValue(rows, "updated_at", &current)
		require.NotNil(t, result)
		assert.True(t, current.Equal(*result))
	})

	t.Run("空值与非法值忽略", func(t *testing.T) {
		rows := []map[string]interface{}{
			{"updated_at": nil},
			{"other": "x"},
			{"updated_at": "not-a-time"},
		}
		assert.Nil(t, maxIncrementalValue(rows, "updated_at", nil))
	})
}

func TestBuildLogMetadata(t *testing.T) {
	result := &SyncResult{
		Write: WriteStats{Inserted: 5, Updated: 3, Skipped: 1},
	}

	t.Run("基础统计", func(t *testing.T) {
		meta := buildLogMetadata(result, nil, nil)
		assert.Equal(t, 5, meta["inserted"])
		assert.Equal(t, 3, meta["updated"])
		assert.Equal(t, 1, meta["skipped"])
		assert.NotContains(t, meta, "rejected_records")
		assert.NotContains(t, meta, "batch_errors")
	})

	t.Run("行级错误截断", func(t *testing.T) {
		rowErrors := make([]string, 0, maxLoggedRowErrors+5)
		for i := 0; i < maxLoggedRowErrors+5; i++ {
			rowErrors = append(rowErrors, "行校验失败")
		}
		meta := buildLogMetadata(result, rowErrors, []string{"批次写入失败"})

		rejected, ok := meta["rejected_records"].([]interface{})
		require.True(t, ok)
		assert.Len(t, rejected, maxLoggedRowErrors)

		batch, ok := meta["batch_errors"].([]interface{})
		require.True(t, ok)
		assert.Len(t, batch, 1)
	})
}

// newSyncHarness 用同一个内存库同时充当源库(裸SQL)与目标库(GORM)
func newSyncHarness(t *testing.T) (*testutil.TestDB, *TableSyncer) {
	t.Helper()
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)

	sqlDB, err := tdb.DB.DB()
	require.NoError(t, err)
	// 内存库要求读写共用同一连接
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, tdb.DB.Exec(`CREATE TABLE users (
		id INTEGER PRIMARY KEY,
		name TEXT,
		email TEXT,
		status TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`).Error)
	require.NoError(t, tdb.DB.Exec(`CREATE TABLE affiliates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_user_id INTEGER UNIQUE,
		name TEXT,
		email TEXT,
		status TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`).Error)

	syncer := NewTableSyncer(
		NewSourceReader(sqlDB),
		NewRecordMapper(NewTransformRegistry()),
		NewTargetWriter(tdb.DB),
		tdb.DB,
	)
	return tdb, syncer
}

func syncUsersConfig() *TableConfig {
	return &TableConfig{
		SourceTable:      "users",
		TargetTable:      "affiliates",
		PrimaryKey:       "id",
		IncrementalField: "updated_at",
		ExternalKey:      "external_user_id",
		Enabled:          true,
		FieldMapping: map[string]string{
			"id":     "external_user_id",
			"name":   "name",
			"email":  "email",
			"status": "status",
		},
		Validations: ValidationRules{
			Required: []string{"external_user_id", "email"},
			Email:    "email",
		},
	}
}

func seedSourceUser(t *testing.T, tdb *testutil.TestDB, id int, name, email string, updatedAt time.Time) {
	t.Helper()
	require.NoError(t, tdb.DB.Exec(
		`INSERT INTO users (id, name, email, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, name, email, "active", updatedAt, updatedAt,
	).Error)
}

func TestTableSyncer_Sync_Incremental(t *testing.T) {
	ctx := context.Background()
	tdb, syncer := newSyncHarness(t)
	table := syncUsersConfig()

	base := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	seedSourceUser(t, tdb, 1, "Ana", "ana@ex.com", base.Add(30*time.Minute))
	seedSourceUser(t, tdb, 2, "Bia", "bia@ex.com", base.Add(45*time.Minute))

	result, err := syncer.Sync(ctx, table, SyncModeIncremental, &base)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Success)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 2, result.Write.Inserted)

	var count int64
	tdb.DB.Table("affiliates").Count(&count)
	assert.Equal(t, int64(2), count)

	var syncLog models.ETLLog
	require.NoError(t, tdb.DB.Where("table_name = ?", "users").First(&syncLog).Error)
	assert.Equal(t, models.SyncStatusCompleted, syncLog.Status)
	assert.Equal(t, 2, syncLog.RecordsSuccess)

	// 水位线推进到批内最大增量值
	require.NotNil(t, result.NewWatermark)
	assert.WithinDuration(t, base.Add(45*time.Minute), *result.NewWatermark, time.Second)

	var record models.SyncWatermark
	require.NoError(t, tdb.DB.Where("table_name = ?", "users").First(&record).Error)
	assert.WithinDuration(t, base.Add(45*time.Minute), record.Watermark, time.Second)
}

func TestTableSyncer_Sync_RejectsInvalidRows(t *testing.T) {
	ctx := context.Background()
	tdb, syncer := newSyncHarness(t)
	table := syncUsersConfig()

	base := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	seedSourceUser(t, tdb, 1, "Ana", "ana@ex.com", base.Add(10*time.Minute))
	// 缺少邮箱的行应被校验拒绝，不影响同批其他行
	seedSourceUser(t, tdb, 2, "Bia", "", base.Add(20*time.Minute))

	result, err := syncer.Sync(ctx, table, SyncModeIncremental, &base)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Success)
	assert.Equal(t, 1, result.Failed)

	var syncLog models.ETLLog
	require.NoError(t, tdb.DB.Where("table_name = ?", "users").First(&syncLog).Error)
	assert.Equal(t, models.SyncStatusCompleted, syncLog.Status)

	rejected, ok := syncLog.Metadata["rejected_records"].([]interface{})
	require.True(t, ok)
	assert.Len(t, rejected, 1)
}

func TestTableSyncer_Sync_EmptyExtract(t *testing.T) {
	ctx := context.Background()
	tdb, syncer := newSyncHarness(t)
	table := syncUsersConfig()

	persisted := time.Date(2025, 3, 10, 10, 3, 0, 0, time.UTC)
	require.NoError(t, syncer.persistWatermark(ctx, "users", persisted))

	result, err := syncer.Sync(ctx, table, SyncModeIncremental, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 0, result.Success)
	assert.Equal(t, 0, result.Failed)
	assert.Nil(t, result.NewWatermark)

	var syncLog models.ETLLog
	require.NoError(t, tdb.DB.Where("table_name = ?", "users").First(&syncLog).Error)
	assert.Equal(t, models.SyncStatusCompleted, syncLog.Status)

	// 空读不推进水位线，迟于启动时刻落库的旧行仍可被下一轮读到
	var record models.SyncWatermark
	require.NoError(t, tdb.DB.Where("table_name = ?", "users").First(&record).Error)
	assert.WithinDuration(t, persisted, record.Watermark, time.Second)
}

func TestTableSyncer_Sync_FailedBatchKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	tdb, syncer := newSyncHarness(t)

	// 不映射外部键，整批写入失败
	table := syncUsersConfig()
	table.FieldMapping = map[string]string{"name": "name", "email": "email"}
	table.Validations = ValidationRules{}

	persisted := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	require.NoError(t, syncer.persistWatermark(ctx, "users", persisted))
	seedSourceUser(t, tdb, 1, "Ana", "ana@ex.com", persisted.Add(time.Hour))

	result, err := syncer.Sync(ctx, table, SyncModeIncremental, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, result.Success)
	assert.Equal(t, 1, result.Failed)
	assert.Nil(t, result.NewWatermark)

	var syncLog models.ETLLog
	require.NoError(t, tdb.DB.Where("table_name = ?", "users").First(&syncLog).Error)
	batch, ok := syncLog.Metadata["batch_errors"].([]interface{})
	require.True(t, ok)
	assert.Len(t, batch, 1)

	// 失败批次的行必须留在旧水位线之后等待重试
	var record models.SyncWatermark
	require.NoError(t, tdb.DB.Where("table_name = ?", "users").First(&record).Error)
	assert.WithinDuration(t, persisted, record.Watermark, time.Second)
}

func TestTableSyncer_Sync_FullMode(t *testing.T) {
	ctx := context.Background()
	tdb, syncer := newSyncHarness(t)
	table := syncUsersConfig()

	base := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		seedSourceUser(t, tdb, i,
			fmt.Sprintf("user%d", i),
			fmt.Sprintf("user%d@ex.com", i),
			base.Add(time.Duration(i)*time.Minute))
	}

	result, err := syncer.Sync(ctx, table, SyncModeFull, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 3, result.Success)
	assert.Equal(t, 3, result.Write.Inserted)

	var syncLog models.ETLLog
	require.NoError(t, tdb.DB.Where("table_name = ?", "users").First(&syncLog).Error)
	assert.Equal(t, models.SyncStatusCompleted, syncLog.Status)
	assert.EqualValues(t, 3, syncLog.Metadata["source_rows"])

	// 全量成功同样推进水位线
	require.NotNil(t, result.NewWatermark)
	assert.WithinDuration(t, base.Add(3*time.Minute), *result.NewWatermark, time.Second)
}

func TestTableSyncer_Sync_IncrementalRequiresField(t *testing.T) {
	tdb, syncer := newSyncerForTest(t)

	table := &TableConfig{
		SourceTable: "users",
		TargetTable: "affiliates",
		PrimaryKey:  "id",
		ExternalKey: "external_user_id",
	}
	_, err := syncer.Sync(context.Background(), table, SyncModeIncremental, nil)
	require.Error(t, err)

	// 配置错误直接上抛，不落同步日志
	var count int64
	tdb.DB.Model(&models.ETLLog{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

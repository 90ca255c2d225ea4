/*
 * @module service/cache/cache_service_test
 * @description 缓存服务单元测试，覆盖读写、同键覆盖与过期惰性剔除
 * @architecture 单元测试 - 内存数据库
 * @documentReference ai_docs/cache_service_design.md
 * @stateFlow 写入 -> 命中/过期 -> 清理
 * @rules 过期条目当作未命中处理
 * @dependencies testing, github.com/stretchr/testify/assert, datasync-service/testutil
 * @refs cache_service.go
 */

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datasync-service/service/models"
	"datasync-service/testutil"
)

func newCacheForTest(t *testing.T) (*testutil.TestDB, *CacheService) {
	t.Helper()
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)
	return tdb, NewCacheService(tdb.DB)
}

func TestCacheService_SetGet(t *testing.T) {
	_, svc := newCacheForTest(t)
	ctx := context.Background()

	t.Run("写入后命中", func(t *testing.T) {
		data := models.JSONB{"total_deposits": 150.5, "bet_count": float64(12)}
		require.NoError(t, svc.Set(ctx, "user_analytics:42:DAILY", data, 1800))

		got, hit, err := svc.Get(ctx, "user_analytics:42:DAILY")
		require.NoError(t, err)
		assert.True(t, hit)
		assert.Equal(t, 150.5, got["total_deposits"])
	})

	t.Run("未写入的键未命中", func(t *testing.T) {
		_, hit, err := svc.Get(ctx, "no-such-key")
		require.NoError(t, err)
		assert.False(t, hit)
	})

	t.Run("非正TTL拒绝", func(t *testing.T) {
		assert.Error(t, svc.Set(ctx, "k", models.JSONB{"v": 1}, 0))
	})
}

func TestCacheService_Overwrite(t *testing.T) {
	tdb, svc := newCacheForTest(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "report", models.JSONB{"version": float64(1)}, 600))
	require.NoError(t, svc.Set(ctx, "report", models.JSONB{"version": float64(2)}, 600))

	var count int64
	tdb.DB.Model(&models.DataCacheEntry{}).Where("cache_key = ?", "report").Count(&count)
	assert.Equal(t, int64(1), count, "同键覆盖不产生新行")

	got, hit, err := svc.Get(ctx, "report")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, float64(2), got["version"])
}

func TestCacheService_Expiry(t *testing.T) {
	tdb, svc := newCacheForTest(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "stale", models.JSONB{"v": 1}, 600))
	require.NoError(t, svc.Set(ctx, "fresh", models.JSONB{"v": 2}, 600))
	tdb.DB.Exec(`UPDATE data_cache SET expires_at = ? WHERE cache_key = ?`,
		time.Now().UTC().Add(-time.Minute), "stale")

	t.Run("过期条目未命中并惰性删除", func(t *testing.T) {
		_, hit, err := svc.Get(ctx, "stale")
		require.NoError(t, err)
		assert.False(t, hit)

		var count int64
		tdb.DB.Model(&models.DataCacheEntry{}).Where("cache_key = ?", "stale").Count(&count)
		assert.Equal(t, int64(0), count)
	})

	t.Run("DeleteExpired只清过期条目", func(t *testing.T) {
		require.NoError(t, svc.Set(ctx, "stale2", models.JSONB{"v": 3}, 600))
		tdb.DB.Exec(`UPDATE data_cache SET expires_at = ? WHERE cache_key = ?`,
			time.Now().UTC().Add(-time.Minute), "stale2")

		removed, err := svc.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, hit, err := svc.Get(ctx, "fresh")
		require.NoError(t, err)
		assert.True(t, hit)
	})
}

func TestCacheService_Delete(t *testing.T) {
	_, svc := newCacheForTest(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "gone", models.JSONB{"v": 1}, 600))
	require.NoError(t, svc.Delete(ctx, "gone"))

	_, hit, err := svc.Get(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, hit)

	// 删除不存在的键也不报错
	assert.NoError(t, svc.Delete(ctx, "gone"))
}

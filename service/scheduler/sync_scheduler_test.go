/*
 * @module service/scheduler/sync_scheduler_test
 * @description 调度器单元测试，覆盖同类任务互斥、触发丢弃、停机等待与参数兜底
 * @architecture 单元测试 - 以阻塞任务模拟长耗时执行
 * @documentReference ai_docs/scheduler_design.md
 * @stateFlow 任务占位 -> 并发触发 -> 互斥验证 -> 释放
 * @rules 同类任务至多一个在跑；cron触发丢弃、手动触发报错
 * @dependencies testing, github.com/stretchr/testify/assert
 * @refs sync_scheduler.go
 */

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datasync-service/service/etl"
)

type fakeCleaner struct {
	calls int32
	err   error
}

func (f *fakeCleaner) RunCleanup(ctx context.Context) error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

func newSchedulerForTest(t *testing.T, cleaner Cleaner) *SyncScheduler {
	t.Helper()
	s, err := NewSyncScheduler(nil, etl.NewTableRegistry(), nil, cleaner, Options{})
	require.NoError(t, err)
	return s
}

func TestNewSyncScheduler_DefaultSpecs(t *testing.T) {
	s := newSchedulerForTest(t, nil)
	assert.Equal(t, DefaultFullSyncSpec, s.opts.FullSyncSpec)
	assert.Equal(t, DefaultIncrementalSpec, s.opts.IncrementalSpec)
	assert.Equal(t, DefaultCleanupSpec, s.opts.CleanupSpec)

	custom, err := NewSyncScheduler(nil, etl.NewTableRegistry(), nil, nil, Options{
		IncrementalSpec: "*/5 * * * *",
	})
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", custom.opts.IncrementalSpec)
	assert.Equal(t, DefaultFullSyncSpec, custom.opts.FullSyncSpec)
}

func TestSyncScheduler_Start_InvalidSpec(t *testing.T) {
	s, err := NewSyncScheduler(nil, etl.NewTableRegistry(), nil, nil, Options{
		FullSyncSpec: "not a cron spec",
	})
	require.NoError(t, err)
	assert.Error(t, s.Start())
}

func TestSyncScheduler_ExclusiveGate(t *testing.T) {
	s := newSchedulerForTest(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.fireJob(JobKindFullSync, time.Minute, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.Contains(t, s.RunningKinds(), JobKindFullSync)

	t.Run("cron重复触发丢弃", func(t *testing.T) {
		var executed int32
		s.fireJob(JobKindFullSync, time.Minute, func(ctx context.Context) error {
			atomic.AddInt32(&executed, 1)
			return nil
		})
		assert.Equal(t, int32(0), atomic.LoadInt32(&executed))
	})

	t.Run("手动重复触发报错", func(t *testing.T) {
		err := s.runExclusive(context.Background(), JobKindFullSync, time.Minute, func(ctx context.Context) error {
			return nil
		})
		assert.Error(t, err)
	})

	t.Run("不同种类互不阻塞", func(t *testing.T) {
		err := s.runExclusive(context.Background(), JobKindCleanup, time.Minute, func(ctx context.Context) error {
			return nil
		})
		assert.NoError(t, err)
	})

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("占位任务未按时结束")
	}
	assert.Empty(t, s.RunningKinds())

	t.Run("释放后可再次触发", func(t *testing.T) {
		var executed int32
		s.fireJob(JobKindFullSync, time.Minute, func(ctx context.Context) error {
			atomic.AddInt32(&executed, 1)
			return nil
		})
		assert.Equal(t, int32(1), atomic.LoadInt32(&executed))
	})
}

func TestSyncScheduler_StopWaitsForRunning(t *testing.T) {
	s := newSchedulerForTest(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	go s.fireJob(JobKindIncrementalSync, time.Minute, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	stopDone := make(chan struct{})
	go func() {
		s.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop应等待在跑任务结束")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop未在任务结束后返回")
	}

	t.Run("停机后拒绝新触发", func(t *testing.T) {
		assert.False(t, s.tryAcquire(JobKindFullSync))
		err := s.TriggerCleanup(context.Background())
		assert.Error(t, err)
	})
}

func TestSyncScheduler_TriggerCleanup(t *testing.T) {
	t.Run("委托清理服务", func(t *testing.T) {
		cleaner := &fakeCleaner{}
		s := newSchedulerForTest(t, cleaner)
		require.NoError(t, s.TriggerCleanup(context.Background()))
		assert.Equal(t, int32(1), atomic.LoadInt32(&cleaner.calls))
	})

	t.Run("清理失败向上传播", func(t *testing.T) {
		cleaner := &fakeCleaner{err: errors.New("清理步骤失败")}
		s := newSchedulerForTest(t, cleaner)
		assert.Error(t, s.TriggerCleanup(context.Background()))
	})

	t.Run("未配置清理器时为空操作", func(t *testing.T) {
		s := newSchedulerForTest(t, nil)
		assert.NoError(t, s.TriggerCleanup(context.Background()))
	})
}

func TestSleepCtx(t *testing.T) {
	t.Run("正常等待", func(t *testing.T) {
		assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))
	})

	t.Run("取消立即返回", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.Error(t, sleepCtx(ctx, time.Minute))
	})
}

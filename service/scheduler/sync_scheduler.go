/*
 * @module service/scheduler/sync_scheduler
 * @description 同步调度器，管理全量/增量/清理三类cron触发，保证同类任务至多一个在跑
 * @architecture 定时调度 - cron触发进调度协程，手动触发走调用方协程，同走抢占闸门
 * @documentReference ai_docs/scheduler_design.md
 * @stateFlow cron触发 -> 同类抢占检查 -> 逐表同步(表间延迟) -> 聚合/清理 -> 释放
 * @rules 同类任务在跑时新触发记日志后丢弃不排队；Stop先停止新触发再等存量任务结束
 * @dependencies github.com/robfig/cron/v3, github.com/prometheus/client_golang
 * @refs service/etl/table_syncer.go, service/analytics/analytics_engine.go
 */

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	"datasync-service/service/analytics"
	"datasync-service/service/distributed_lock"
	"datasync-service/service/etl"
	"datasync-service/service/models"
)

// 任务种类常量
const (
	JobKindFullSync        = "fullSync"
	JobKindIncrementalSync = "incrementalSync"
	JobKindCleanup         = "cleanup"
)

// 默认cron表达式，分钟精度，绑定圣保罗时区
const (
	DefaultFullSyncSpec    = "0 2 * * *"    // 每天02:00
	DefaultIncrementalSpec = "*/15 * * * *" // 每15分钟
	DefaultCleanupSpec     = "0 3 * * 0"    // 每周日03:00
)

const (
	fullSyncBudget        = time.Hour
	incrementalSyncBudget = 5 * time.Minute
	fullSyncTableDelay    = 5 * time.Second
	incrementalTableDelay = 2 * time.Second
	schedulerTimezone     = "America/Sao_Paulo"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datasync_scheduler_jobs_total",
		Help: "调度任务执行总数",
	}, []string{"kind", "status"})

	droppedFiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datasync_scheduler_dropped_fires_total",
		Help: "因同类任务在跑而丢弃的触发数",
	}, []string{"kind"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datasync_scheduler_job_duration_seconds",
		Help:    "调度任务耗时",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"kind"})
)

// Cleaner 清理任务接口
type Cleaner interface {
	RunCleanup(ctx context.Context) error
}

// Options 调度器可调参数
type Options struct {
	FullSyncSpec    string
	IncrementalSpec string
	CleanupSpec     string
}

// SyncScheduler 同步调度器
type SyncScheduler struct {
	cron      *cron.Cron
	syncer    *etl.TableSyncer
	registry  *etl.TableRegistry
	analytics *analytics.Engine
	cleaner   Cleaner
	lock      distributed_lock.DistributedLock
	opts      Options

	mu      sync.Mutex
	cond    *sync.Cond
	running map[string]bool
	stopped bool
	started bool
}

// NewSyncScheduler 创建调度器，时区固定为圣保罗
func NewSyncScheduler(syncer *etl.TableSyncer, registry *etl.TableRegistry, engine *analytics.Engine, cleaner Cleaner, opts Options) (*SyncScheduler, error) {
	location, err := time.LoadLocation(schedulerTimezone)
	if err != nil {
		return nil, fmt.Errorf("加载调度时区失败: %w", err)
	}
	if opts.FullSyncSpec == "" {
		opts.FullSyncSpec = DefaultFullSyncSpec
	}
	if opts.IncrementalSpec == "" {
		opts.IncrementalSpec = DefaultIncrementalSpec
	}
	if opts.CleanupSpec == "" {
		opts.CleanupSpec = DefaultCleanupSpec
	}

	s := &SyncScheduler{
		cron:      cron.New(cron.WithLocation(location)),
		syncer:    syncer,
		registry:  registry,
		analytics: engine,
		cleaner:   cleaner,
		opts:      opts,
		running:   make(map[string]bool),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// SetDistributedLock 设置跨实例防重锁，多副本部署时同类任务只在一个实例执行
func (s *SyncScheduler) SetDistributedLock(lock distributed_lock.DistributedLock) {
	s.lock = lock
}

// Start 注册cron任务并启动调度
func (s *SyncScheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(s.opts.FullSyncSpec, func() {
		s.fireJob(JobKindFullSync, fullSyncBudget, s.runFullSync)
	}); err != nil {
		return fmt.Errorf("注册全量同步任务失败: %w", err)
	}
	if _, err := s.cron.AddFunc(s.opts.IncrementalSpec, func() {
		s.fireJob(JobKindIncrementalSync, incrementalSyncBudget, s.runIncrementalSync)
	}); err != nil {
		return fmt.Errorf("注册增量同步任务失败: %w", err)
	}
	if _, err := s.cron.AddFunc(s.opts.CleanupSpec, func() {
		s.fireJob(JobKindCleanup, fullSyncBudget, s.runCleanup)
	}); err != nil {
		return fmt.Errorf("注册清理任务失败: %w", err)
	}

	s.cron.Start()
	slog.Info("同步调度器已启动",
		"full_sync", s.opts.FullSyncSpec,
		"incremental_sync", s.opts.IncrementalSpec,
		"cleanup", s.opts.CleanupSpec,
		"timezone", schedulerTimezone)
	return nil
}

// Stop 停止调度：立即停止新触发，等待存量任务结束
func (s *SyncScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()

	s.mu.Lock()
	for len(s.running) > 0 {
		s.cond.Wait()
	}
	s.mu.Unlock()
	slog.Info("同步调度器已停止")
}

// RunningKinds 返回当前在跑的任务种类
func (s *SyncScheduler) RunningKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, 0, len(s.running))
	for kind := range s.running {
		kinds = append(kinds, kind)
	}
	return kinds
}

// TriggerFullSync 手动触发全量同步，同类在跑时返回错误
func (s *SyncScheduler) TriggerFullSync(ctx context.Context) error {
	return s.runExclusive(ctx, JobKindFullSync, fullSyncBudget, s.runFullSync)
}

// TriggerIncrementalSync 手动触发增量同步
func (s *SyncScheduler) TriggerIncrementalSync(ctx context.Context) error {
	return s.runExclusive(ctx, JobKindIncrementalSync, incrementalSyncBudget, s.runIncrementalSync)
}

// TriggerCleanup 手动触发清理
func (s *SyncScheduler) TriggerCleanup(ctx context.Context) error {
	return s.runExclusive(ctx, JobKindCleanup, fullSyncBudget, s.runCleanup)
}

// fireJob cron入口：同类在跑时记日志后丢弃，不排队
func (s *SyncScheduler) fireJob(kind string, budget time.Duration, job func(ctx context.Context) error) {
	if !s.tryAcquire(kind) {
		slog.Warn("同类任务仍在执行，本次触发丢弃", "kind", kind)
		droppedFiresTotal.WithLabelValues(kind).Inc()
		return
	}
	defer s.release(kind)
	s.execute(context.Background(), kind, budget, job)
}

// runExclusive 手动入口：抢不到闸门时返回错误
func (s *SyncScheduler) runExclusive(ctx context.Context, kind string, budget time.Duration, job func(ctx context.Context) error) error {
	if !s.tryAcquire(kind) {
		return fmt.Errorf("任务 %s 正在执行中", kind)
	}
	defer s.release(kind)
	return s.execute(ctx, kind, budget, job)
}

func (s *SyncScheduler) execute(parent context.Context, kind string, budget time.Duration, job func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, budget)
	defer cancel()

	// 多实例部署时跨实例防重，Redis不可用不阻塞本地执行
	if s.lock != nil {
		acquired, err := s.lock.TryLock(ctx, kind, budget+time.Minute)
		if err != nil {
			slog.Warn("分布式锁获取出错，按本地执行", "kind", kind, "error", err)
		} else if !acquired {
			slog.Warn("其他实例正在执行同类任务，本次触发丢弃", "kind", kind)
			droppedFiresTotal.WithLabelValues(kind).Inc()
			return nil
		} else {
			defer func() {
				if err := s.lock.Unlock(context.Background(), kind); err != nil {
					slog.Warn("释放分布式锁失败", "kind", kind, "error", err)
				}
			}()
		}
	}

	start := time.Now()
	err := job(ctx)
	jobDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		jobsTotal.WithLabelValues(kind, "failed").Inc()
		slog.Error("调度任务执行失败", "kind", kind, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return err
	}
	jobsTotal.WithLabelValues(kind, "completed").Inc()
	slog.Info("调度任务执行完成", "kind", kind, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *SyncScheduler) tryAcquire(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.running[kind] {
		return false
	}
	s.running[kind] = true
	return true
}

func (s *SyncScheduler) release(kind string) {
	s.mu.Lock()
	delete(s.running, kind)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// runFullSync 对全部启用表执行全量同步，随后跑一轮日周期聚合与清理
func (s *SyncScheduler) runFullSync(ctx context.Context) error {
	var firstErr error
	tables := s.registry.EnabledTables()
	for i, table := range tables {
		if i > 0 {
			if err := sleepCtx(ctx, fullSyncTableDelay); err != nil {
				return err
			}
		}
		if _, err := s.syncer.Sync(ctx, table, etl.SyncModeFull, nil); err != nil {
			slog.Error("全量同步表失败，继续下一张表", "table", table.SourceTable, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if s.analytics != nil {
		if err := s.analytics.RunAggregation(ctx, models.PeriodDaily, nil); err != nil {
			slog.Error("同步后聚合失败", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if s.cleaner != nil {
		if err := s.cleaner.RunCleanup(ctx); err != nil {
			slog.Error("同步后清理失败", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// runIncrementalSync 对声明了增量字段的启用表执行增量同步
func (s *SyncScheduler) runIncrementalSync(ctx context.Context) error {
	var firstErr error
	first := true
	for _, table := range s.registry.EnabledTables() {
		if !table.SupportsIncremental() {
			continue
		}
		if !first {
			if err := sleepCtx(ctx, incrementalTableDelay); err != nil {
				return err
			}
		}
		first = false
		if _, err := s.syncer.Sync(ctx, table, etl.SyncModeIncremental, nil); err != nil {
			slog.Error("增量同步表失败，继续下一张表", "table", table.SourceTable, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *SyncScheduler) runCleanup(ctx context.Context) error {
	if s.cleaner == nil {
		return nil
	}
	return s.cleaner.RunCleanup(ctx)
}

// sleepCtx 可取消的表间延迟
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

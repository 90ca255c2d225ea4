/*
 * @module service/core/manager
 * @description 核心管理器门面：一次性初始化、手动同步入口、状态查询与优雅停机
 * @architecture 门面模式 - 进程内唯一句柄显式传递给HTTP层，不走包级全局
 * @documentReference ai_docs/etl_engine_design.md
 * @stateFlow Initialize(建池/迁移/起调度) -> 运行期(手动同步/状态) -> Stop(停调度/关池)
 * @rules Initialize成功后重入为空操作；初始化阶段连接失败视为致命
 * @dependencies gorm.io/gorm, database/sql
 * @refs service/init.go, api/controllers
 */

package core

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"datasync-service/service/analytics"
	"datasync-service/service/cache"
	"datasync-service/service/cleanup"
	"datasync-service/service/config"
	"datasync-service/service/database"
	"datasync-service/service/distributed_lock"
	"datasync-service/service/etl"
	"datasync-service/service/event"
	"datasync-service/service/export"
	"datasync-service/service/models"
	"datasync-service/service/scheduler"
)

// Manager 核心管理器
type Manager struct {
	mu          sync.Mutex
	initialized bool
	startedAt   time.Time

	sourceDB *sql.DB
	targetDB *gorm.DB

	cfg       *config.Provider
	registry  *etl.TableRegistry
	syncer    *etl.TableSyncer
	scheduler *scheduler.SyncScheduler
	cleaner   *cleanup.CleanupService
	engine    *analytics.Engine
	cacheSvc  *cache.CacheService
	exportSvc *export.ExportService
	publisher *event.Publisher
}

// NewManager 创建未初始化的管理器
func NewManager() *Manager {
	return &Manager{}
}

// Initialize 建立两个库的连接、迁移目标库、装配服务并启动调度器。
// 成功后重入为空操作。
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}

	targetDB, err := database.NewTargetDB()
	if err != nil {
		return fmt.Errorf("初始化目标库失败: %w", err)
	}
	sourceDB, err := database.NewSourceDB()
	if err != nil {
		return fmt.Errorf("初始化源库失败: %w", err)
	}

	if err := database.AutoMigrate(targetDB); err != nil {
		return err
	}
	if err := database.InitializeData(targetDB); err != nil {
		return err
	}

	m.targetDB = targetDB
	m.sourceDB = sourceDB
	m.cfg = config.NewProvider(targetDB)
	m.registry = etl.DefaultTableRegistry()

	reader := etl.NewSourceReader(sourceDB)
	mapper := etl.NewRecordMapper(etl.NewTransformRegistry())
	writer := etl.NewTargetWriter(targetDB)
	m.syncer = etl.NewTableSyncer(reader, mapper, writer, targetDB)
	m.syncer.SetBatchSize(m.cfg.DataSyncSettings().BatchSize)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		m.publisher = event.NewPublisher(strings.Split(brokers, ","), os.Getenv("KAFKA_SYNC_TOPIC"))
		m.syncer.SetEventSink(m.publisher)
		slog.Info("同步事件发布已启用", "brokers", brokers)
	}

	m.engine = analytics.NewEngine(reader, targetDB, m.cfg)
	m.cleaner = cleanup.NewCleanupService(targetDB)
	m.cacheSvc = cache.NewCacheService(targetDB)
	m.exportSvc = export.NewExportService(targetDB, m.cfg, getEnvWithDefault("EXPORT_DIR", "/tmp/datasync-exports"))

	sched, err := scheduler.NewSyncScheduler(m.syncer, m.registry, m.engine, m.cleaner, scheduler.Options{
		FullSyncSpec:    os.Getenv("FULL_SYNC_CRON"),
		IncrementalSpec: os.Getenv("INCREMENTAL_SYNC_CRON"),
		CleanupSpec:     os.Getenv("CLEANUP_CRON"),
	})
	if err != nil {
		return err
	}
	m.scheduler = sched

	if os.Getenv("REDIS_HOST") != "" {
		lock, err := distributed_lock.NewRedisLock()
		if err != nil {
			slog.Warn("分布式锁初始化失败，按单实例运行", "error", err)
		} else {
			m.scheduler.SetDistributedLock(lock)
		}
	}

	if err := m.scheduler.Start(); err != nil {
		return err
	}

	m.initialized = true
	m.startedAt = time.Now().UTC()
	slog.Info("核心管理器初始化完成")
	return nil
}

// RunFullSync 手动触发一轮全量同步，同步执行
func (m *Manager) RunFullSync(ctx context.Context) error {
	if !m.isInitialized() {
		return fmt.Errorf("核心管理器尚未初始化")
	}
	return m.scheduler.TriggerFullSync(ctx)
}

// RunIncrementalSync 手动触发一轮增量同步
func (m *Manager) RunIncrementalSync(ctx context.Context) error {
	if !m.isInitialized() {
		return fmt.Errorf("核心管理器尚未初始化")
	}
	return m.scheduler.TriggerIncrementalSync(ctx)
}

// RunCleanup 手动触发清理
func (m *Manager) RunCleanup(ctx context.Context) error {
	if !m.isInitialized() {
		return fmt.Errorf("核心管理器尚未初始化")
	}
	return m.scheduler.TriggerCleanup(ctx)
}

// SyncTable 单表同步入口
func (m *Manager) SyncTable(ctx context.Context, tableName string, mode etl.SyncMode, watermark *time.Time) (*etl.SyncResult, error) {
	if !m.isInitialized() {
		return nil, fmt.Errorf("核心管理器尚未初始化")
	}
	table, err := m.registry.Get(tableName)
	if err != nil {
		return nil, err
	}
	if !table.Enabled {
		return nil, fmt.Errorf("表 %s 已禁用同步", tableName)
	}
	if mode != etl.SyncModeFull && mode != etl.SyncModeIncremental {
		return nil, fmt.Errorf("无效的同步模式: %s", mode)
	}
	return m.syncer.Sync(ctx, table, mode, watermark)
}

// Status 返回健康状态、连接池统计、调度状态与累计计数
func (m *Manager) Status(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{
		"initialized": m.isInitialized(),
	}
	if !m.isInitialized() {
		return status
	}

	status["started_at"] = m.startedAt
	status["uptime_seconds"] = int(time.Since(m.startedAt).Seconds())

	sourceHealthy := m.sourceDB.PingContext(ctx) == nil
	targetHealthy := true
	if sqlDB, err := m.targetDB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		targetHealthy = false
	} else {
		stats := sqlDB.Stats()
		status["target_pool"] = map[string]interface{}{
			"open":  stats.OpenConnections,
			"idle":  stats.Idle,
			"inuse": stats.InUse,
		}
	}
	sourceStats := m.sourceDB.Stats()
	status["source_pool"] = map[string]interface{}{
		"open":  sourceStats.OpenConnections,
		"idle":  sourceStats.Idle,
		"inuse": sourceStats.InUse,
	}
	status["source_healthy"] = sourceHealthy
	status["target_healthy"] = targetHealthy
	status["healthy"] = sourceHealthy && targetHealthy
	status["running_jobs"] = m.scheduler.RunningKinds()

	var completed, failed int64
	m.targetDB.WithContext(ctx).Model(&models.ETLLog{}).
		Where("status = ?", models.SyncStatusCompleted).Count(&completed)
	m.targetDB.WithContext(ctx).Model(&models.ETLLog{}).
		Where("status = ?", models.SyncStatusFailed).Count(&failed)
	status["syncs_completed"] = completed
	status["syncs_failed"] = failed
	return status
}

// Stop 优雅停机：先停调度并等在跑任务结束，再关闭连接与发布器
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return
	}

	m.scheduler.Stop()

	if m.publisher != nil {
		if err := m.publisher.Close(); err != nil {
			slog.Warn("关闭事件发布器失败", "error", err)
		}
	}
	if err := m.sourceDB.Close(); err != nil {
		slog.Warn("关闭源库连接失败", "error", err)
	}
	if sqlDB, err := m.targetDB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			slog.Warn("关闭目标库连接失败", "error", err)
		}
	}
	m.initialized = false
	slog.Info("核心管理器已停止")
}

// Analytics 分析引擎访问器
func (m *Manager) Analytics() *analytics.Engine { return m.engine }

// Exports 导出服务访问器
func (m *Manager) Exports() *export.ExportService { return m.exportSvc }

// Cache 缓存服务访问器
func (m *Manager) Cache() *cache.CacheService { return m.cacheSvc }

// Config 配置提供者访问器
func (m *Manager) Config() *config.Provider { return m.cfg }

// TargetDB 目标库访问器
func (m *Manager) TargetDB() *gorm.DB { return m.targetDB }

func (m *Manager) isInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

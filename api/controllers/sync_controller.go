/*
 * @module api/controllers/sync_controller
 * @description 同步管理控制器，提供手动触发全量/增量/单表同步、清理与日志查询接口
 * @architecture MVC架构 - 控制器层
 * @documentReference ai_docs/etl_engine_design.md
 * @stateFlow HTTP请求 -> 核心管理器 -> 同步执行 -> 统一响应
 * @rules 同类任务在跑时返回409；单表同步支持调用方指定水位线
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/render
 * @refs service/core/manager.go, service/etl/table_syncer.go
 */

package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"datasync-service/service"
	"datasync-service/service/etl"
	"datasync-service/service/models"
)

// SyncController 同步管理控制器
type SyncController struct{}

// NewSyncController 创建同步管理控制器实例
func NewSyncController() *SyncController {
	return &SyncController{}
}

// TriggerFullSync 手动触发全量同步
func (c *SyncController) TriggerFullSync(w http.ResponseWriter, r *http.Request) {
	if err := service.CoreManager.RunFullSync(r.Context()); err != nil {
		w.WriteHeader(http.StatusConflict)
		render.JSON(w, r, ErrorResponse(http.StatusConflict, err.Error()))
		return
	}
	render.JSON(w, r, SuccessResponse("全量同步完成", nil))
}

// TriggerIncrementalSync 手动触发增量同步
func (c *SyncController) TriggerIncrementalSync(w http.ResponseWriter, r *http.Request) {
	if err := service.CoreManager.RunIncrementalSync(r.Context()); err != nil {
		w.WriteHeader(http.StatusConflict)
		render.JSON(w, r, ErrorResponse(http.StatusConflict, err.Error()))
		return
	}
	render.JSON(w, r, SuccessResponse("增量同步完成", nil))
}

// SyncTable 单表同步
func (c *SyncController) SyncTable(w http.ResponseWriter, r *http.Request) {
	tableName := chi.URLParam(r, "table")
	mode := etl.SyncMode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = etl.SyncModeIncremental
	}

	var watermark *time.Time
	if raw := r.URL.Query().Get("watermark"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			render.JSON(w, r, ErrorResponse(http.StatusBadRequest, "水位线格式无效，要求RFC3339"))
			return
		}
		watermark = &parsed
	}

	result, err := service.CoreManager.SyncTable(r.Context(), tableName, mode, watermark)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse(http.StatusBadRequest, err.Error()))
		return
	}
	render.JSON(w, r, SuccessResponse("表同步完成", result))
}

// TriggerCleanup 手动触发清理
func (c *SyncController) TriggerCleanup(w http.ResponseWriter, r *http.Request) {
	if err := service.CoreManager.RunCleanup(r.Context()); err != nil {
		w.WriteHeader(http.StatusConflict)
		render.JSON(w, r, ErrorResponse(http.StatusConflict, err.Error()))
		return
	}
	render.JSON(w, r, SuccessResponse("清理完成", nil))
}

// ListSyncLogs 分页查询同步日志
func (c *SyncController) ListSyncLogs(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page <= 0 {
		page = 1
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if size <= 0 || size > 100 {
		size = 20
	}

	query := service.CoreManager.TargetDB().WithContext(r.Context()).Model(&models.ETLLog{})
	if table := r.URL.Query().Get("table"); table != "" {
		query = query.Where("table_name = ?", table)
	}
	if status := r.URL.Query().Get("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse(http.StatusInternalServerError, err.Error()))
		return
	}

	var logs []models.ETLLog
	err := query.Order("start_time DESC").
		Offset((page - 1) * size).Limit(size).
		Find(&logs).Error
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse(http.StatusInternalServerError, err.Error()))
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"status": 0,
		"msg":    "操作成功",
		"data":   logs,
		"total":  total,
		"page":   page,
		"size":   size,
	})
}

// Status 核心状态查询
func (c *SyncController) Status(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, SuccessResponse("", service.CoreManager.Status(r.Context())))
}

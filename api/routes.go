/*
 * @module api/routes
 * @description API路由配置模块，负责初始化和配置所有HTTP路由
 * @architecture RESTful API架构
 * @documentReference ai_docs/etl_engine_design.md
 * @stateFlow 无状态HTTP请求处理
 * @rules 遵循RESTful API设计规范，统一错误处理和响应格式
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/cors, github.com/go-chi/render
 * @refs api/controllers
 */

package api

import (
	"datasync-service/api/controllers"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
)

// InitRoute 初始化所有API路由
func InitRoute(r *chi.Mux) {
	// 基础中间件
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	// CORS配置
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// 健康检查
	healthController := controllers.NewHealthController()
	r.Get("/health", healthController.Health)
	r.Get("/ready", healthController.Ready)

	// 同步管理
	r.Route("/sync", func(r chi.Router) {
		syncController := controllers.NewSyncController()
		r.Post("/full", syncController.TriggerFullSync)
		r.Post("/incremental", syncController.TriggerIncrementalSync)
		r.Post("/tables/{table}", syncController.SyncTable)
		r.Post("/cleanup", syncController.TriggerCleanup)
		r.Get("/logs", syncController.ListSyncLogs)
		r.Get("/status", syncController.Status)
	})

	// 分析查询
	r.Route("/analytics", func(r chi.Router) {
		analyticsController := controllers.NewAnalyticsController()
		r.Post("/users/{id}", analyticsController.GenerateUserAnalytics)
		r.Get("/users/{id}", analyticsController.GetUserAnalytics)
		r.Post("/affiliates/{id}", analyticsController.GenerateAffiliateAnalytics)
		r.Get("/affiliates/{id}", analyticsController.GetAffiliateAnalytics)
		r.Delete("/cache/expired", analyticsController.DeleteExpiredCache)
	})

	// 数据导出
	r.Route("/exports", func(r chi.Router) {
		exportController := controllers.NewExportController()
		r.Post("/", exportController.CreateExport)
		r.Get("/{id}", exportController.GetExport)
		r.Get("/{id}/download", exportController.DownloadExport)
	})
}

/*
 * @module api/controllers/health_controller
 * @description 健康检查控制器，提供服务健康与就绪状态检查
 * @architecture MVC架构 - 控制器层
 * @documentReference ai_docs/etl_engine_design.md
 * @stateFlow HTTP请求处理流程
 * @rules 健康检查返回连接池与调度器状态，用于容器健康检查和负载均衡
 * @dependencies net/http, github.com/go-chi/render
 * @refs service/core/manager.go
 */

package controllers

import (
	"net/http"
	"time"

	"github.com/go-chi/render"

	"datasync-service/service"
)

// HealthController 健康检查控制器
type HealthController struct{}

// NewHealthController 创建健康检查控制器实例
func NewHealthController() *HealthController {
	return &HealthController{}
}

// HealthResponse 健康检查响应结构
type HealthResponse struct {
	Status    string    `json:"status" example:"ok"`
	Timestamp time.Time `json:"timestamp" example:"2024-01-01T00:00:00Z"`
	Version   string    `json:"version" example:"1.0.0"`
	Service   string    `json:"service" example:"datasync-service"`
}

// Health 健康检查
func (c *HealthController) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   "1.0.0",
		Service:   "datasync-service",
	})
}

// Ready 就绪检查，包含数据库与调度器的详细状态
func (c *HealthController) Ready(w http.ResponseWriter, r *http.Request) {
	status := service.CoreManager.Status(r.Context())
	if healthy, ok := status["healthy"].(bool); ok && !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	render.JSON(w, r, SuccessResponse("", status))
}

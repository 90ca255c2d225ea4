/*
 * @module api/controllers/export_controller
 * @description 数据导出控制器，提供导出任务创建、状态查询与令牌校验下载接口
 * @architecture MVC架构 - 控制器层
 * @documentReference ai_docs/export_service_design.md
 * @stateFlow 创建任务(返回一次性令牌) -> 轮询状态 -> 凭令牌下载
 * @rules 下载令牌只在创建时返回一次；过期或失败任务不可下载
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/render
 * @refs service/export/export_service.go
 */

package controllers

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"datasync-service/service"
	"datasync-service/service/models"
)

// ExportController 数据导出控制器
type ExportController struct{}

// NewExportController 创建数据导出控制器实例
func NewExportController() *ExportController {
	return &ExportController{}
}

// CreateExportRequest 创建导出任务请求
type CreateExportRequest struct {
	ExportType  string       `json:"export_type"`
	Format      string       `json:"format"`
	RequestedBy string       `json:"requested_by"`
	Filters     models.JSONB `json:"filters"`
}

// Bind render.Binder接口实现
func (req *CreateExportRequest) Bind(r *http.Request) error {
	return nil
}

// CreateExport 创建导出任务
func (c *ExportController) CreateExport(w http.ResponseWriter, r *http.Request) {
	req := &CreateExportRequest{}
	if err := render.Bind(r, req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse(http.StatusBadRequest, "请求体解析失败"))
		return
	}

	record, token, err := service.CoreManager.Exports().CreateExport(
		r.Context(), req.ExportType, req.Format, req.RequestedBy, req.Filters)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse(http.StatusBadRequest, err.Error()))
		return
	}

	render.JSON(w, r, SuccessResponse("导出任务已创建", map[string]interface{}{
		"export": record,
		// 明文令牌只在创建时返回一次
		"download_token": token,
	}))
}

// GetExport 查询导出任务状态
func (c *ExportController) GetExport(w http.ResponseWriter, r *http.Request) {
	record, err := service.CoreManager.Exports().GetExport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		render.JSON(w, r, ErrorResponse(http.StatusNotFound, err.Error()))
		return
	}
	render.JSON(w, r, SuccessResponse("", record))
}

// DownloadExport 校验令牌后下载导出文件
func (c *ExportController) DownloadExport(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		w.WriteHeader(http.StatusUnauthorized)
		render.JSON(w, r, ErrorResponse(http.StatusUnauthorized, "缺少下载令牌"))
		return
	}

	record, err := service.CoreManager.Exports().VerifyDownload(r.Context(), chi.URLParam(r, "id"), token)
	if err != nil {
		w.WriteHeader(http.StatusForbidden)
		render.JSON(w, r, ErrorResponse(http.StatusForbidden, err.Error()))
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(record.FilePath))
	http.ServeFile(w, r, record.FilePath)
}

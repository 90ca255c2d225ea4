/*
 * @module api/controllers/analytics_controller
 * @description 分析查询控制器，提供用户/联盟会员周期分析的生成与查询接口，查询结果走数据缓存
 * @architecture MVC架构 - 控制器层
 * @documentReference ai_docs/analytics_engine_design.md
 * @stateFlow HTTP请求 -> 缓存命中/引擎生成 -> 统一响应
 * @rules 周期类型必须为DAILY/WEEKLY/MONTHLY/YEARLY之一；生成接口幂等
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/render
 * @refs service/analytics/analytics_engine.go, service/cache/cache_service.go
 */

package controllers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"datasync-service/service"
	"datasync-service/service/models"
)

// AnalyticsController 分析查询控制器
type AnalyticsController struct{}

// NewAnalyticsController 创建分析查询控制器实例
func NewAnalyticsController() *AnalyticsController {
	return &AnalyticsController{}
}

func parseAnalyticsParams(r *http.Request) (int64, string, *time.Time, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, "", nil, fmt.Errorf("无效的实体ID")
	}

	periodType := strings.ToUpper(r.URL.Query().Get("period_type"))
	if periodType == "" {
		periodType = models.PeriodDaily
	}
	if !models.IsValidPeriodType(periodType) {
		return 0, "", nil, fmt.Errorf("无效的周期类型: %s", periodType)
	}

	var refDate *time.Time
	if raw := r.URL.Query().Get("ref_date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return 0, "", nil, fmt.Errorf("参考日期格式无效，要求YYYY-MM-DD")
		}
		refDate = &parsed
	}
	return id, periodType, refDate, nil
}

// GenerateUserAnalytics 生成(或刷新)单用户周期分析
func (c *AnalyticsController) GenerateUserAnalytics(w http.ResponseWriter, r *http.Request) {
	userID, periodType, refDate, err := parseAnalyticsParams(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse(http.StatusBadRequest, err.Error()))
		return
	}

	row, err := service.CoreManager.Analytics().GenerateUserAnalytics(r.Context(), userID, periodType, refDate)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse(http.StatusInternalServerError, err.Error()))
		return
	}
	if row == nil {
		w.WriteHeader(http.StatusNotFound)
		render.JSON(w, r, ErrorResponse(http.StatusNotFound, "用户不存在"))
		return
	}
	render.JSON(w, r, SuccessResponse("用户分析生成完成", row))
}

// GenerateAffiliateAnalytics 生成(或刷新)单联盟会员周期分析
func (c *AnalyticsController) GenerateAffiliateAnalytics(w http.ResponseWriter, r *http.Request) {
	affiliateID, periodType, refDate, err := parseAnalyticsParams(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse(http.StatusBadRequest, err.Error()))
		return
	}

	row, err := service.CoreManager.Analytics().GenerateAffiliateAnalytics(r.Context(), affiliateID, periodType, refDate)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse(http.StatusInternalServerError, err.Error()))
		return
	}
	if row == nil {
		w.WriteHeader(http.StatusNotFound)
		render.JSON(w, r, ErrorResponse(http.StatusNotFound, "联盟会员不存在"))
		return
	}
	render.JSON(w, r, SuccessResponse("联盟会员分析生成完成", row))
}

// GetUserAnalytics 查询用户分析行，命中数据缓存时直接返回
func (c *AnalyticsController) GetUserAnalytics(w http.ResponseWriter, r *http.Request) {
	userID, periodType, refDate, err := parseAnalyticsParams(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse(http.StatusBadRequest, err.Error()))
		return
	}

	cacheKey := fmt.Sprintf("user_analytics:%d:%s", userID, periodType)
	if refDate != nil {
		cacheKey += ":" + refDate.Format("2006-01-02")
	}
	if cached, hit, _ := service.CoreManager.Cache().Get(r.Context(), cacheKey); hit {
		render.JSON(w, r, SuccessResponse("", cached))
		return
	}

	query := service.CoreManager.TargetDB().WithContext(r.Context()).
		Where("user_id = ? AND period_type = ?", userID, periodType)
	if refDate != nil {
		query = query.Where("period_start <= ? AND period_end >= ?", *refDate, *refDate)
	}

	var rows []models.UserAnalytics
	if err := query.Order("period_start DESC").Limit(50).Find(&rows).Error; err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse(http.StatusInternalServerError, err.Error()))
		return
	}

	ttlMinutes := service.CoreManager.Config().AnalyticsSettings().CacheDurationMinutes
	if ttlMinutes > 0 && len(rows) > 0 {
		service.CoreManager.Cache().Set(r.Context(), cacheKey, models.JSONB{"rows": rows}, ttlMinutes*60)
	}
	render.JSON(w, r, SuccessResponse("", rows))
}

// GetAffiliateAnalytics 查询联盟会员分析行
func (c *AnalyticsController) GetAffiliateAnalytics(w http.ResponseWriter, r *http.Request) {
	affiliateID, periodType, refDate, err := parseAnalyticsParams(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse(http.StatusBadRequest, err.Error()))
		return
	}

	query := service.CoreManager.TargetDB().WithContext(r.Context()).
		Where("affiliate_id = ? AND period_type = ?", affiliateID, periodType)
	if refDate != nil {
		query = query.Where("period_start <= ? AND period_end >= ?", *refDate, *refDate)
	}

	var rows []models.AffiliateAnalytics
	if err := query.Order("period_start DESC").Limit(50).Find(&rows).Error; err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse(http.StatusInternalServerError, err.Error()))
		return
	}
	render.JSON(w, r, SuccessResponse("", rows))
}

// DeleteExpiredCache 清理过期缓存(幂等，与后台清理任务并存)
func (c *AnalyticsController) DeleteExpiredCache(w http.ResponseWriter, r *http.Request) {
	removed, err := service.CoreManager.Cache().DeleteExpired(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse(http.StatusInternalServerError, err.Error()))
		return
	}
	render.JSON(w, r, SuccessResponse("过期缓存已清理", map[string]interface{}{"removed": removed}))
}

/*
 * @module service/analytics/period
 * @description 周期解析，把参考时刻对齐到日/ISO周/月/年的日历边界
 * @architecture 纯函数
 * @documentReference ai_docs/analytics_engine_design.md
 * @stateFlow 参考时刻 -> 周期起点截断 -> 周期终点推导
 * @rules 周期起点含、终点为边界前1毫秒；周按ISO规则从周一开始；一律UTC
 * @refs analytics_engine.go
 */

package analytics

import (
	"fmt"
	"time"

	"datasync-service/service/models"
)

// ResolvePeriod 按周期类型解析[periodStart, periodEnd]窗口。
// DAILY: 当日00:00至23:59:59.999；WEEKLY: ISO周(周一起)；
// MONTHLY/YEARLY: 日历月/年。
func ResolvePeriod(periodType string, refDate time.Time) (time.Time, time.Time, error) {
	ref := refDate.UTC()

	switch periodType {
	case models.PeriodDaily:
		start := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1).Add(-time.Millisecond), nil

	case models.PeriodWeekly:
		// ISO周从周一开始
		weekday := int(ref.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		start := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC).
			AddDate(0, 0, -(weekday - 1))
		return start, start.AddDate(0, 0, 7).Add(-time.Millisecond), nil

	case models.PeriodMonthly:
		start := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0).Add(-time.Millisecond), nil

	case models.PeriodYearly:
		start := time.Date(ref.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(1, 0, 0).Add(-time.Millisecond), nil

	default:
		return time.Time{}, time.Time{}, fmt.Errorf("无效的周期类型: %s", periodType)
	}
}

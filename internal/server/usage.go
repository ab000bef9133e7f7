package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
)

// Usage returns grouped aggregates. The date range defaults to the current
// calendar month.
func (s *Server) Usage(c *gin.Context) {
	identity, _ := identityFrom(c)

	groupBy := usagedomain.GroupByEventType
	switch strings.TrimSpace(c.Query("group_by")) {
	case "", string(usagedomain.GroupByEventType):
	case string(usagedomain.GroupByTenant):
		groupBy = usagedomain.GroupByTenant
	case string(usagedomain.GroupByDay):
		groupBy = usagedomain.GroupByDay
	default:
		AbortWithError(c, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "invalid group_by", map[string]any{"field": "group_by"}))
		return
	}

	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0).Add(-time.Millisecond)

	start, ok := parseDateParam(c, "start_date")
	if !ok {
		return
	}
	end, ok := parseDateParam(c, "end_date")
	if !ok {
		return
	}
	req := usagedomain.AggregateRequest{
		GroupBy:   groupBy,
		StartDate: monthStart,
		EndDate:   monthEnd,
	}
	if start != nil {
		req.StartDate = *start
	}
	if end != nil {
		req.EndDate = *end
	}

	rows, err := s.usagesvc.Aggregate(c.Request.Context(), identity.OrgID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	buckets := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		buckets = append(buckets, gin.H{
			"key":         row.Key,
			"quantity":    row.Quantity,
			"event_count": row.EventCount,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"group_by":   string(groupBy),
		"start_date": req.StartDate.UTC().Format(time.RFC3339),
		"end_date":   req.EndDate.UTC().Format(time.RFC3339),
		"usage":      buckets,
	})
}

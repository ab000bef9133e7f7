package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	tenantdomain "github.com/smallbiznis/meterline/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"gorm.io/gorm"
)

func (s *Service) List(ctx context.Context, orgID snowflake.ID, req usagedomain.ListRequest) ([]usagedomain.UsageEvent, error) {
	if orgID == 0 {
		return nil, usagedomain.ErrInvalidOrganization
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := s.db.WithContext(ctx).Where("org_id = ?", orgID)

	if external := strings.TrimSpace(req.TenantExternalID); external != "" {
		var tenant tenantdomain.Tenant
		err := s.db.WithContext(ctx).
			Where("org_id = ? AND external_id = ?", orgID, external).
			First(&tenant).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return []usagedomain.UsageEvent{}, nil
			}
			return nil, err
		}
		query = query.Where("tenant_id = ?", tenant.ID)
	}
	if eventType := strings.TrimSpace(req.EventType); eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}
	if req.StartDate != nil {
		query = query.Where("occurred_at >= ?", req.StartDate.UTC())
	}
	if req.EndDate != nil {
		query = query.Where("occurred_at <= ?", req.EndDate.UTC())
	}

	var rows []usagedomain.UsageEvent
	err := query.Order("occurred_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

func (s *Service) Aggregate(ctx context.Context, orgID snowflake.ID, req usagedomain.AggregateRequest) ([]usagedomain.AggregateRow, error) {
	if orgID == 0 {
		return nil, usagedomain.ErrInvalidOrganization
	}

	var rows []usagedomain.AggregateRow
	var err error
	switch req.GroupBy {
	case usagedomain.GroupByTenant:
		err = s.db.WithContext(ctx).Raw(
			`SELECT t.external_id AS group_key,
			        SUM(e.quantity) AS total_quantity,
			        COUNT(*) AS event_count
			 FROM usage_events e
			 JOIN tenants t ON t.id = e.tenant_id
			 WHERE e.org_id = ? AND e.occurred_at >= ? AND e.occurred_at <= ?
			 GROUP BY t.external_id
			 ORDER BY t.external_id`,
			orgID, req.StartDate.UTC(), req.EndDate.UTC(),
		).Scan(&rows).Error
	case usagedomain.GroupByDay:
		err = s.db.WithContext(ctx).Raw(
			`SELECT `+s.dayExpr("occurred_at")+` AS group_key,
			        SUM(quantity) AS total_quantity,
			        COUNT(*) AS event_count
			 FROM usage_events
			 WHERE org_id = ? AND occurred_at >= ? AND occurred_at <= ?
			 GROUP BY group_key
			 ORDER BY group_key`,
			orgID, req.StartDate.UTC(), req.EndDate.UTC(),
		).Scan(&rows).Error
	default:
		err = s.db.WithContext(ctx).Raw(
			`SELECT event_type AS group_key,
			        SUM(quantity) AS total_quantity,
			        COUNT(*) AS event_count
			 FROM usage_events
			 WHERE org_id = ? AND occurred_at >= ? AND occurred_at <= ?
			 GROUP BY event_type
			 ORDER BY event_type`,
			orgID, req.StartDate.UTC(), req.EndDate.UTC(),
		).Scan(&rows).Error
	}
	return rows, err
}

// dayExpr formats a timestamp column to YYYY-MM-DD for the active dialect.
func (s *Service) dayExpr(column string) string {
	switch strings.ToLower(s.db.Dialector.Name()) {
	case "postgres":
		return "to_char(" + column + ", 'YYYY-MM-DD')"
	case "mysql":
		return "DATE_FORMAT(" + column + ", '%Y-%m-%d')"
	default:
		return "strftime('%Y-%m-%d', " + column + ")"
	}
}

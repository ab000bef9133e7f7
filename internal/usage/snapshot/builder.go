// Package snapshot builds the daily usage roll-ups stored in usage_snapshots.
// Invoicing and the usage API aggregate raw usage events, not these rows.
package snapshot

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	tenantdomain "github.com/smallbiznis/meterline/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const tenantBatchSize = 50

type BuilderParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	TenantSvc tenantdomain.Service
}

type Builder struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	tenantsvc tenantdomain.Service
}

func NewBuilder(p BuilderParam) *Builder {
	return &Builder{
		db:        p.DB,
		log:       p.Log.Named("usage.snapshot"),
		genID:     p.GenID,
		tenantsvc: p.TenantSvc,
	}
}

type sumRow struct {
	EventType string          `gorm:"column:event_type"`
	Quantity  decimal.Decimal `gorm:"column:total_quantity"`
}

// BuildDate upserts (tenant, date, eventType) roll-ups for one UTC day.
// Replays are idempotent: the upsert overwrites quantity with the recomputed
// sum. Returns how many snapshot rows were written.
func (b *Builder) BuildDate(ctx context.Context, date time.Time) (int, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)
	now := time.Now().UTC()

	written := 0
	var afterID snowflake.ID
	for {
		tenants, err := b.tenantsvc.ListActive(ctx, afterID, tenantBatchSize)
		if err != nil {
			return written, err
		}
		if len(tenants) == 0 {
			return written, nil
		}
		afterID = tenants[len(tenants)-1].ID

		for _, tenant := range tenants {
			n, err := b.buildTenant(ctx, tenant, dayStart, dayEnd, now)
			if err != nil {
				b.log.Warn("snapshot build failed for tenant",
					zap.Error(err),
					zap.String("tenant_id", tenant.ID.String()),
					zap.Time("date", dayStart),
				)
				continue
			}
			written += n
		}
	}
}

func (b *Builder) buildTenant(ctx context.Context, tenant tenantdomain.Tenant, dayStart, dayEnd, now time.Time) (int, error) {
	var sums []sumRow
	err := b.db.WithContext(ctx).Raw(
		`SELECT event_type, SUM(quantity) AS total_quantity
		 FROM usage_events
		 WHERE tenant_id = ? AND occurred_at >= ? AND occurred_at < ?
		 GROUP BY event_type`,
		tenant.ID, dayStart, dayEnd,
	).Scan(&sums).Error
	if err != nil {
		return 0, err
	}
	if len(sums) == 0 {
		return 0, nil
	}

	rows := make([]usagedomain.UsageSnapshot, 0, len(sums))
	for _, sum := range sums {
		rows = append(rows, usagedomain.UsageSnapshot{
			ID:           b.genID.Generate(),
			OrgID:        tenant.OrgID,
			TenantID:     tenant.ID,
			SnapshotDate: dayStart,
			EventType:    sum.EventType,
			Quantity:     sum.Quantity,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	err = b.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"}, {Name: "snapshot_date"}, {Name: "event_type"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"quantity", "updated_at"}),
		}).
		Create(&rows).Error
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

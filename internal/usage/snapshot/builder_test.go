package snapshot

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	tenantdomain "github.com/smallbiznis/meterline/internal/tenant/domain"
	tenantservice "github.com/smallbiznis/meterline/internal/tenant/service"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestBuilder(t *testing.T) (*Builder, *gorm.DB, *snowflake.Node, tenantdomain.Service) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&tenantdomain.Tenant{},
		&usagedomain.UsageEvent{},
		&usagedomain.UsageSnapshot{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()

	tenantSvc := tenantservice.NewService(tenantservice.ServiceParam{
		DB: db, Log: log, GenID: node,
	})
	builder := NewBuilder(BuilderParam{
		DB: db, Log: log, GenID: node, TenantSvc: tenantSvc,
	})
	return builder, db, node, tenantSvc
}

func seedEvent(t *testing.T, db *gorm.DB, node *snowflake.Node, tenantID snowflake.ID, eventType, qty string, occurredAt time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&usagedomain.UsageEvent{
		ID:         node.Generate(),
		OrgID:      1,
		TenantID:   tenantID,
		EventType:  eventType,
		Quantity:   dec(qty),
		OccurredAt: occurredAt,
		CreatedAt:  occurredAt,
	}).Error)
}

func TestBuildDateRollsUpOneDay(t *testing.T) {
	builder, db, node, tenantSvc := newTestBuilder(t)
	ctx := context.Background()

	resolved, err := tenantSvc.Resolve(ctx, 1, []string{"acme"})
	require.NoError(t, err)
	tenantID := resolved["acme"]

	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	seedEvent(t, db, node, tenantID, "api_request", "2", day.Add(1*time.Hour))
	seedEvent(t, db, node, tenantID, "api_request", "3", day.Add(23*time.Hour+59*time.Minute))
	seedEvent(t, db, node, tenantID, "storage_gb", "0.5", day.Add(12*time.Hour))
	// Next day: excluded from this roll-up.
	seedEvent(t, db, node, tenantID, "api_request", "100", day.Add(25*time.Hour))

	written, err := builder.BuildDate(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	var rows []usagedomain.UsageSnapshot
	require.NoError(t, db.Order("event_type").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "api_request", rows[0].EventType)
	assert.True(t, rows[0].Quantity.Equal(dec("5")))
	assert.Equal(t, "storage_gb", rows[1].EventType)
	assert.True(t, rows[1].Quantity.Equal(dec("0.5")))
}

func TestBuildDateIsIdempotent(t *testing.T) {
	builder, db, node, tenantSvc := newTestBuilder(t)
	ctx := context.Background()

	resolved, err := tenantSvc.Resolve(ctx, 1, []string{"acme"})
	require.NoError(t, err)
	tenantID := resolved["acme"]

	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	seedEvent(t, db, node, tenantID, "api_request", "2", day.Add(time.Hour))

	_, err = builder.BuildDate(ctx, day)
	require.NoError(t, err)

	// A late event lands, then the job replays.
	seedEvent(t, db, node, tenantID, "api_request", "3", day.Add(2*time.Hour))
	_, err = builder.BuildDate(ctx, day)
	require.NoError(t, err)
	_, err = builder.BuildDate(ctx, day)
	require.NoError(t, err)

	var rows []usagedomain.UsageSnapshot
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1, "replay upserts, never duplicates")
	assert.True(t, rows[0].Quantity.Equal(dec("5")))
}

func TestBuildDateSkipsInactiveTenants(t *testing.T) {
	builder, db, node, tenantSvc := newTestBuilder(t)
	ctx := context.Background()

	resolved, err := tenantSvc.Resolve(ctx, 1, []string{"live", "gone"})
	require.NoError(t, err)
	require.NoError(t, tenantSvc.Transition(ctx, 1, resolved["gone"], tenantdomain.TenantStatusDeleted))

	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	seedEvent(t, db, node, resolved["live"], "api_request", "1", day.Add(time.Hour))
	seedEvent(t, db, node, resolved["gone"], "api_request", "1", day.Add(time.Hour))

	written, err := builder.BuildDate(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 1, written)
}

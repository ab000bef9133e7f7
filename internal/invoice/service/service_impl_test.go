package service

import (
	"context"
	"encoding/json"
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

	"github.com/smallbiznis/meterline/internal/config"
	invoicedomain "github.com/smallbiznis/meterline/internal/invoice/domain"
	orgdomain "github.com/smallbiznis/meterline/internal/organization/domain"
	pricingdomain "github.com/smallbiznis/meterline/internal/pricing/domain"
	tenantdomain "github.com/smallbiznis/meterline/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type testEnv struct {
	svc      invoicedomain.Service
	db       *gorm.DB
	node     *snowflake.Node
	org      orgdomain.Organization
	tenantID snowflake.ID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&orgdomain.Organization{},
		&tenantdomain.Tenant{},
		&usagedomain.UsageEvent{},
		&pricingdomain.PricingTier{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLineItem{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Now().UTC()

	org := orgdomain.Organization{
		ID: node.Generate(), Name: "Acme", Slug: "acme",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.Create(&org).Error)

	tenant := tenantdomain.Tenant{
		ID: node.Generate(), OrgID: org.ID, ExternalID: "t1", Name: "t1",
		Status: tenantdomain.TenantStatusActive, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.Create(&tenant).Error)

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Cfg:   config.Config{TaxRate: 0.10, InvoiceDueDays: 30},
	})
	return &testEnv{svc: svc, db: db, node: node, org: org, tenantID: tenant.ID}
}

func (e *testEnv) seedTier(t *testing.T, eventType string, level int, min string, max *string, priceCents int64) {
	t.Helper()
	tier := pricingdomain.PricingTier{
		ID:             e.node.Generate(),
		OrgID:          e.org.ID,
		EventType:      eventType,
		TierLevel:      level,
		MinQuantity:    dec(min),
		UnitPriceCents: priceCents,
		EffectiveFrom:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if max != nil {
		m := dec(*max)
		tier.MaxQuantity = &m
	}
	require.NoError(t, e.db.Create(&tier).Error)
}

func (e *testEnv) seedEvent(t *testing.T, eventType, qty string, occurredAt time.Time) snowflake.ID {
	t.Helper()
	event := usagedomain.UsageEvent{
		ID:         e.node.Generate(),
		OrgID:      e.org.ID,
		TenantID:   e.tenantID,
		EventType:  eventType,
		Quantity:   dec(qty),
		OccurredAt: occurredAt,
		CreatedAt:  occurredAt,
	}
	require.NoError(t, e.db.Create(&event).Error)
	return event.ID
}

func strPtr(s string) *string { return &s }

func janPeriod() (time.Time, time.Time) {
	return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC)
}

func TestBuildInvoiceTieredPricing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start, end := janPeriod()

	env.seedTier(t, "api_request", 1, "0", strPtr("1000"), 10)
	env.seedTier(t, "api_request", 2, "1000", nil, 5)

	// 1500 units across several events in January.
	mid := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	env.seedEvent(t, "api_request", "700", mid)
	env.seedEvent(t, "api_request", "500", mid.AddDate(0, 0, 5))
	env.seedEvent(t, "api_request", "300", mid.AddDate(0, 0, 10))

	result, err := env.svc.BuildInvoice(ctx, env.tenantID, start, end)
	require.NoError(t, err)

	invoice := result.Invoice
	assert.Equal(t, "INV-ACME-000001", invoice.InvoiceNumber)
	assert.Equal(t, invoicedomain.InvoiceStatusDraft, invoice.Status)
	assert.EqualValues(t, 12500, invoice.SubtotalCents, "1000*$0.10 + 500*$0.05")
	assert.EqualValues(t, 1250, invoice.TaxCents)
	assert.EqualValues(t, 13750, invoice.TotalCents)
	assert.Equal(t, end.Add(30*24*time.Hour), invoice.DueDate)

	require.Len(t, result.LineItems, 1)
	item := result.LineItems[0]
	assert.True(t, item.Quantity.Equal(dec("1500")))
	assert.EqualValues(t, 12500, item.TotalPriceCents)
	assert.True(t, item.UnitPrice.Equal(dec("8.333333")), "display average: %s", item.UnitPrice)

	var breakdown []invoicedomain.TierBreakdownEntry
	require.NoError(t, json.Unmarshal(item.Breakdown, &breakdown))
	require.Len(t, breakdown, 2)
	assert.Equal(t, 1, breakdown[0].TierLevel)
	assert.True(t, breakdown[0].Quantity.Equal(dec("1000")))
	assert.EqualValues(t, 10000, breakdown[0].SubtotalCents)
	assert.Equal(t, 2, breakdown[1].TierLevel)
	assert.True(t, breakdown[1].Quantity.Equal(dec("500")))
	assert.EqualValues(t, 2500, breakdown[1].SubtotalCents)
}

func TestBuildInvoiceBacklinksEveryEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start, end := janPeriod()

	env.seedTier(t, "api_request", 1, "0", nil, 10)
	env.seedEvent(t, "api_request", "1", time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC))
	env.seedEvent(t, "api_request", "2", time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC))
	// Outside the period: must not be claimed.
	febEvent := env.seedEvent(t, "api_request", "9", time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC))

	result, err := env.svc.BuildInvoice(ctx, env.tenantID, start, end)
	require.NoError(t, err)

	var claimed []usagedomain.UsageEvent
	require.NoError(t, env.db.Where("invoice_id = ?", result.Invoice.ID).Find(&claimed).Error)
	require.Len(t, claimed, 2)
	for _, event := range claimed {
		require.NotNil(t, event.BilledAt, "invoice_id and billed_at are set together")
	}

	var untouched usagedomain.UsageEvent
	require.NoError(t, env.db.First(&untouched, "id = ?", febEvent).Error)
	assert.Nil(t, untouched.InvoiceID)
	assert.Nil(t, untouched.BilledAt)

	// Line-item quantities equal the claimed event sums.
	require.Len(t, result.LineItems, 1)
	total := decimal.Zero
	for _, event := range claimed {
		total = total.Add(event.Quantity)
	}
	assert.True(t, result.LineItems[0].Quantity.Equal(total))
}

func TestBuildInvoiceSecondRunClaimsNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start, end := janPeriod()

	env.seedTier(t, "api_request", 1, "0", nil, 10)
	env.seedEvent(t, "api_request", "5", time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC))

	first, err := env.svc.BuildInvoice(ctx, env.tenantID, start, end)
	require.NoError(t, err)
	require.Len(t, first.LineItems, 1)

	second, err := env.svc.BuildInvoice(ctx, env.tenantID, start, end)
	require.NoError(t, err)
	assert.Empty(t, second.LineItems, "already-billed events stay on the first invoice")
	assert.EqualValues(t, 0, second.Invoice.TotalCents)
	assert.Equal(t, "INV-ACME-000002", second.Invoice.InvoiceNumber)

	// A late ingest for January is picked up by the next build, not the old
	// invoice.
	lateEvent := env.seedEvent(t, "api_request", "3", time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC))
	third, err := env.svc.BuildInvoice(ctx, env.tenantID, start, end)
	require.NoError(t, err)
	require.Len(t, third.LineItems, 1)

	var late usagedomain.UsageEvent
	require.NoError(t, env.db.First(&late, "id = ?", lateEvent).Error)
	require.NotNil(t, late.InvoiceID)
	assert.Equal(t, third.Invoice.ID, *late.InvoiceID)
	assert.NotEqual(t, first.Invoice.ID, *late.InvoiceID)
}

func TestBuildInvoiceMisconfiguredTiersFallBackToFirstPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start, end := janPeriod()

	// Every tier starts above zero; quantity never reaches the first band.
	env.seedTier(t, "api_request", 1, "500", nil, 7)
	env.seedEvent(t, "api_request", "100", time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC))

	result, err := env.svc.BuildInvoice(ctx, env.tenantID, start, end)
	require.NoError(t, err)
	require.Len(t, result.LineItems, 1)
	assert.EqualValues(t, 700, result.LineItems[0].TotalPriceCents, "100 units at the first tier price")

	var breakdown []invoicedomain.TierBreakdownEntry
	require.NoError(t, json.Unmarshal(result.LineItems[0].Breakdown, &breakdown))
	require.Len(t, breakdown, 1)
	assert.True(t, breakdown[0].Quantity.Equal(dec("100")))
}

func TestBuildInvoiceUnpricedEventTypeIsFree(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start, end := janPeriod()

	env.seedEvent(t, "api_request", "100", time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC))

	result, err := env.svc.BuildInvoice(ctx, env.tenantID, start, end)
	require.NoError(t, err)
	require.Len(t, result.LineItems, 1)
	assert.EqualValues(t, 0, result.LineItems[0].TotalPriceCents)
	assert.EqualValues(t, 0, result.Invoice.TotalCents)
}

func TestBuildInvoiceRejectsInvertedPeriod(t *testing.T) {
	env := newTestEnv(t)
	start, end := janPeriod()
	_, err := env.svc.BuildInvoice(context.Background(), env.tenantID, end, start)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidPeriod)
}

func TestBuildInvoiceUnknownTenant(t *testing.T) {
	env := newTestEnv(t)
	start, end := janPeriod()
	_, err := env.svc.BuildInvoice(context.Background(), env.node.Generate(), start, end)
	assert.ErrorIs(t, err, invoicedomain.ErrTenantNotFound)
}

func TestTransitionStateMachine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start, end := janPeriod()

	result, err := env.svc.BuildInvoice(ctx, env.tenantID, start, end)
	require.NoError(t, err)
	id := result.Invoice.ID

	require.NoError(t, env.svc.Transition(ctx, env.org.ID, id, invoicedomain.InvoiceStatusPending))
	require.NoError(t, env.svc.Transition(ctx, env.org.ID, id, invoicedomain.InvoiceStatusPaid))

	var paid invoicedomain.Invoice
	require.NoError(t, env.db.First(&paid, "id = ?", id).Error)
	assert.NotNil(t, paid.PaidAt)

	// PAID is terminal.
	err = env.svc.Transition(ctx, env.org.ID, id, invoicedomain.InvoiceStatusCancelled)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)
}

func TestInvoiceNumbersIncreasePerOrganization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start, end := janPeriod()

	for i := 1; i <= 3; i++ {
		result, err := env.svc.BuildInvoice(ctx, env.tenantID, start, end)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("INV-ACME-%06d", i), result.Invoice.InvoiceNumber)
	}
}

package service

import (
	"context"
	"errors"
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

	"github.com/smallbiznis/meterline/internal/cache"
	"github.com/smallbiznis/meterline/internal/config"
	quotadomain "github.com/smallbiznis/meterline/internal/quota/domain"
	quotaservice "github.com/smallbiznis/meterline/internal/quota/service"
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

type testEnv struct {
	svc   usagedomain.Service
	db    *gorm.DB
	node  *snowflake.Node
	orgID snowflake.ID
}

// newTestEnv wires the real pipeline against in-memory SQLite with the
// fast-path cache disabled, so correctness rests on the store alone.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&tenantdomain.Tenant{},
		&quotadomain.QuotaLimit{},
		&usagedomain.UsageEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	log := zap.NewNop()
	c := cache.New(config.Config{}, log)

	tenantSvc := tenantservice.NewService(tenantservice.ServiceParam{
		DB: db, Log: log, GenID: node,
	})
	quotaSvc := quotaservice.NewService(quotaservice.ServiceParam{
		DB: db, Log: log, Cache: c,
	})
	usageSvc := NewService(ServiceParam{
		DB:        db,
		Log:       log,
		GenID:     node,
		Cfg:       config.Config{IdempotencyTTL: 24 * time.Hour},
		Cache:     c,
		TenantSvc: tenantSvc,
		QuotaSvc:  quotaSvc,
	})

	return &testEnv{svc: usageSvc, db: db, node: node, orgID: node.Generate()}
}

func input(eventType, tenant, qty, key string) usagedomain.EventInput {
	return usagedomain.EventInput{
		EventType:        eventType,
		TenantExternalID: tenant,
		Quantity:         dec(qty),
		IdempotencyKey:   key,
	}
}

func TestIngestSingleEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	results, err := env.svc.Ingest(ctx, env.orgID, []usagedomain.EventInput{
		input("api_request", "t1", "1", ""),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Deduplicated)
	assert.NotZero(t, results[0].EventID)
	assert.Equal(t, "t1", results[0].TenantExternalID)

	var row usagedomain.UsageEvent
	require.NoError(t, env.db.First(&row, "id = ?", results[0].EventID).Error)
	assert.Equal(t, env.orgID, row.OrgID)
	assert.Nil(t, row.InvoiceID)
	assert.Nil(t, row.BilledAt)
	assert.False(t, row.OccurredAt.IsZero(), "server assigns timestamp when caller omits one")
}

func TestIngestDeduplicatesByIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.Ingest(ctx, env.orgID, []usagedomain.EventInput{
		input("api_request", "t1", "1", "k1"),
	})
	require.NoError(t, err)
	require.False(t, first[0].Deduplicated)

	for i := 0; i < 3; i++ {
		again, err := env.svc.Ingest(ctx, env.orgID, []usagedomain.EventInput{
			input("api_request", "t1", "1", "k1"),
		})
		require.NoError(t, err)
		assert.True(t, again[0].Deduplicated)
		assert.Equal(t, first[0].EventID, again[0].EventID, "every replay returns the same event id")
	}

	var count int64
	require.NoError(t, env.db.Model(&usagedomain.UsageEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIngestKeysAreScopedPerOrganization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	otherOrg := env.node.Generate()

	a, err := env.svc.Ingest(ctx, env.orgID, []usagedomain.EventInput{input("api_request", "t1", "1", "k1")})
	require.NoError(t, err)
	b, err := env.svc.Ingest(ctx, otherOrg, []usagedomain.EventInput{input("api_request", "t1", "1", "k1")})
	require.NoError(t, err)

	assert.False(t, b[0].Deduplicated, "same key in another org is a distinct event")
	assert.NotEqual(t, a[0].EventID, b[0].EventID)
}

func TestIngestBatchPositionalAlignment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inputs := []usagedomain.EventInput{
		input("api_request", "t1", "1", "a"),
		input("storage_gb", "t2", "2.5", ""),
		input("api_request", "t1", "1", "a"), // duplicate within the batch
		input("api_request", "t3", "3", "b"),
	}
	results, err := env.svc.Ingest(ctx, env.orgID, inputs)
	require.NoError(t, err)
	require.Len(t, results, 4)

	for i, r := range results {
		assert.Equal(t, inputs[i].EventType, r.EventType, "position %d", i)
		assert.Equal(t, inputs[i].TenantExternalID, r.TenantExternalID, "position %d", i)
	}
	assert.False(t, results[0].Deduplicated)
	assert.False(t, results[1].Deduplicated)
	assert.True(t, results[2].Deduplicated, "second occurrence of a key dedups in-batch")
	assert.Equal(t, results[0].EventID, results[2].EventID)
	assert.False(t, results[3].Deduplicated)

	var count int64
	require.NoError(t, env.db.Model(&usagedomain.UsageEvent{}).Count(&count).Error)
	assert.EqualValues(t, 3, count)
}

func TestIngestBatchQuotaRejectionIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Resolve the tenant first so a quota row can reference it.
	seedResults, err := env.svc.Ingest(ctx, env.orgID, []usagedomain.EventInput{
		input("api_request", "t1", "9", ""),
	})
	require.NoError(t, err)
	tenantID := seedResults[0].TenantID

	require.NoError(t, env.db.Create(&quotadomain.QuotaLimit{
		ID:              env.node.Generate(),
		TenantID:        tenantID,
		EventType:       "api_request",
		EnforcementMode: quotadomain.ModeHard,
		LimitValue:      dec("10"),
		ResetAt:         time.Now().UTC().Add(-time.Hour),
	}).Error)

	// Two events of quantity 1 pre-sum to 2; 9 + 2 > 10 rejects everything.
	_, err = env.svc.Ingest(ctx, env.orgID, []usagedomain.EventInput{
		input("api_request", "t1", "1", "x1"),
		input("api_request", "t1", "1", "x2"),
	})
	var quotaErr *usagedomain.QuotaExceededError
	require.True(t, errors.As(err, &quotaErr))
	require.Len(t, quotaErr.Violations, 1)
	assert.Equal(t, "t1", quotaErr.Violations[0].TenantExternalID)
	assert.Equal(t, "9", quotaErr.Violations[0].Result.Current.String())

	var count int64
	require.NoError(t, env.db.Model(&usagedomain.UsageEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "no event of the rejected batch persists")
}

func TestIngestSoftLimitWarning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seedResults, err := env.svc.Ingest(ctx, env.orgID, []usagedomain.EventInput{
		input("api_request", "t1", "5", ""),
	})
	require.NoError(t, err)

	soft := dec("4")
	require.NoError(t, env.db.Create(&quotadomain.QuotaLimit{
		ID:              env.node.Generate(),
		TenantID:        seedResults[0].TenantID,
		EventType:       "api_request",
		EnforcementMode: quotadomain.ModeSoft,
		LimitValue:      dec("100"),
		SoftLimitValue:  &soft,
		ResetAt:         time.Now().UTC().Add(-time.Hour),
	}).Error)

	results, err := env.svc.Ingest(ctx, env.orgID, []usagedomain.EventInput{
		input("api_request", "t1", "1", ""),
	})
	require.NoError(t, err)
	assert.True(t, results[0].Warning)
}

func TestIngestRejectsFarFutureTimestamp(t *testing.T) {
	env := newTestEnv(t)
	future := time.Now().UTC().Add(usagedomain.FutureSkewTolerance + time.Hour)

	in := input("api_request", "t1", "1", "")
	in.Timestamp = &future
	_, err := env.svc.Ingest(context.Background(), env.orgID, []usagedomain.EventInput{in})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidTimestamp)
}

func TestIngestAcceptsLateArrivingTimestamp(t *testing.T) {
	env := newTestEnv(t)
	past := time.Now().UTC().AddDate(0, -2, 0)

	in := input("api_request", "t1", "1", "")
	in.Timestamp = &past
	results, err := env.svc.Ingest(context.Background(), env.orgID, []usagedomain.EventInput{in})
	require.NoError(t, err)

	var row usagedomain.UsageEvent
	require.NoError(t, env.db.First(&row, "id = ?", results[0].EventID).Error)
	assert.WithinDuration(t, past, row.OccurredAt, time.Second, "late timestamps persist verbatim")
}

func TestIngestValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   usagedomain.EventInput
		want error
	}{
		{"zero quantity", input("api_request", "t1", "0", ""), usagedomain.ErrInvalidQuantity},
		{"negative quantity", input("api_request", "t1", "-1", ""), usagedomain.ErrInvalidQuantity},
		{"blank event type", input("  ", "t1", "1", ""), usagedomain.ErrInvalidEventType},
		{"blank tenant", input("api_request", " ", "1", ""), usagedomain.ErrInvalidTenantID},
		{"oversized event type", input(strings.Repeat("x", 101), "t1", "1", ""), usagedomain.ErrInvalidEventType},
		{"oversized key", input("api_request", "t1", "1", strings.Repeat("k", 256)), usagedomain.ErrInvalidIdempotencyKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Ingest(ctx, env.orgID, []usagedomain.EventInput{tc.in})
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := env.svc.Ingest(ctx, env.orgID, nil)
	assert.ErrorIs(t, err, usagedomain.ErrEmptyBatch)
}

func TestListOrdersNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		in := input("api_request", "t1", "1", "")
		in.Timestamp = &ts
		_, err := env.svc.Ingest(ctx, env.orgID, []usagedomain.EventInput{in})
		require.NoError(t, err)
	}

	rows, err := env.svc.List(ctx, env.orgID, usagedomain.ListRequest{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, rows[0].OccurredAt.After(rows[1].OccurredAt))
	assert.True(t, rows[1].OccurredAt.After(rows[2].OccurredAt))
}

func TestAggregateByEventType(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, env.orgID, []usagedomain.EventInput{
		input("api_request", "t1", "2", ""),
		input("api_request", "t2", "3", ""),
		input("storage_gb", "t1", "0.5", ""),
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	rows, err := env.svc.Aggregate(ctx, env.orgID, usagedomain.AggregateRequest{
		GroupBy:   usagedomain.GroupByEventType,
		StartDate: now.Add(-time.Hour),
		EndDate:   now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byKey := map[string]usagedomain.AggregateRow{}
	for _, row := range rows {
		byKey[row.Key] = row
	}
	assert.True(t, byKey["api_request"].Quantity.Equal(dec("5")))
	assert.EqualValues(t, 2, byKey["api_request"].EventCount)
	assert.True(t, byKey["storage_gb"].Quantity.Equal(dec("0.5")))
}

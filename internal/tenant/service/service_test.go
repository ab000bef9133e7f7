package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	tenantdomain "github.com/smallbiznis/meterline/internal/tenant/domain"
)

func newTestService(t *testing.T) (tenantdomain.Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&tenantdomain.Tenant{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
	}), db
}

func TestResolveCreatesMissingTenants(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	resolved, err := svc.Resolve(ctx, 1, []string{"acme", "globex"})
	require.NoError(t, err)
	require.Len(t, resolved, 2)

	var rows []tenantdomain.Tenant
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, tenantdomain.TenantStatusActive, row.Status)
		assert.Equal(t, row.ExternalID, row.Name)
	}
}

func TestResolveIsStableAcrossCalls(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	first, err := svc.Resolve(ctx, 1, []string{"acme"})
	require.NoError(t, err)
	second, err := svc.Resolve(ctx, 1, []string{"acme", "acme", "globex"})
	require.NoError(t, err)

	assert.Equal(t, first["acme"], second["acme"])

	var count int64
	require.NoError(t, db.Model(&tenantdomain.Tenant{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestResolveScopedPerOrganization(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	org1, err := svc.Resolve(ctx, 1, []string{"acme"})
	require.NoError(t, err)
	org2, err := svc.Resolve(ctx, 2, []string{"acme"})
	require.NoError(t, err)

	assert.NotEqual(t, org1["acme"], org2["acme"])
}

func TestResolveRejectsBlankExternalID(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Resolve(context.Background(), 1, []string{"  "})
	assert.ErrorIs(t, err, tenantdomain.ErrInvalidExternalID)
}

func TestTransition(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	resolved, err := svc.Resolve(ctx, 1, []string{"acme"})
	require.NoError(t, err)
	id := resolved["acme"]

	require.NoError(t, svc.Transition(ctx, 1, id, tenantdomain.TenantStatusSuspended))
	require.NoError(t, svc.Transition(ctx, 1, id, tenantdomain.TenantStatusActive))
	require.NoError(t, svc.Transition(ctx, 1, id, tenantdomain.TenantStatusDeleted))

	// DELETED is terminal; the row stays for audit.
	err = svc.Transition(ctx, 1, id, tenantdomain.TenantStatusActive)
	assert.ErrorIs(t, err, tenantdomain.ErrInvalidTransition)

	var row tenantdomain.Tenant
	require.NoError(t, db.First(&row, "id = ?", id).Error)
	assert.Equal(t, tenantdomain.TenantStatusDeleted, row.Status)
}

func TestListActivePages(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	externals := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		externals = append(externals, fmt.Sprintf("t-%d", i))
	}
	resolved, err := svc.Resolve(ctx, 1, externals)
	require.NoError(t, err)
	require.NoError(t, svc.Transition(ctx, 1, resolved["t-3"], tenantdomain.TenantStatusSuspended))

	var all []tenantdomain.Tenant
	var afterID snowflake.ID
	for {
		page, err := svc.ListActive(ctx, afterID, 3)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		afterID = page[len(page)-1].ID
	}
	assert.Len(t, all, 6)
	for _, row := range all {
		assert.Equal(t, tenantdomain.TenantStatusActive, row.Status)
	}
}

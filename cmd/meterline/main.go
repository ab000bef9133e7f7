package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/apikey"
	"github.com/smallbiznis/meterline/internal/cache"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/invoice"
	"github.com/smallbiznis/meterline/internal/logger"
	"github.com/smallbiznis/meterline/internal/migration"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"github.com/smallbiznis/meterline/internal/quota"
	"github.com/smallbiznis/meterline/internal/ratelimit"
	"github.com/smallbiznis/meterline/internal/seed"
	"github.com/smallbiznis/meterline/internal/server"
	"github.com/smallbiznis/meterline/internal/subscription"
	"github.com/smallbiznis/meterline/internal/tenant"
	"github.com/smallbiznis/meterline/internal/usage"
	"github.com/smallbiznis/meterline/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		obsmetrics.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		cache.Module,
		migration.Module,

		// Domains
		apikey.Module,
		tenant.Module,
		quota.Module,
		ratelimit.Module,
		usage.Module,
		invoice.Module,
		subscription.Module,

		seed.Module,
		server.Module,
	)
	app.Run()
}

func registerSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

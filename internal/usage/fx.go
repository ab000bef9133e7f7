package usage

import (
	"github.com/smallbiznis/meterline/internal/usage/service"
	"github.com/smallbiznis/meterline/internal/usage/snapshot"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(service.NewService),
	fx.Provide(snapshot.NewBuilder),
)

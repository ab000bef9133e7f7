package migration

import (
	"github.com/smallbiznis/meterline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func runOnStart(cfg config.Config, gdb *gorm.DB, log *zap.Logger) error {
	// Embedded migrations target postgres; other dialects (sqlite in tests)
	// migrate through AutoMigrate in their own setup.
	if cfg.DBType != "postgres" {
		log.Info("skipping embedded migrations", zap.String("db_type", cfg.DBType))
		return nil
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	if err := RunMigrations(sqlDB); err != nil {
		return err
	}
	log.Info("migrations applied")
	return nil
}

var Module = fx.Module("migration",
	fx.Invoke(runOnStart),
)

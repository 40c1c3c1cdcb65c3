package migration

import (
	"github.com/bwmarrin/snowflake"
	"github.com/hookwise/entitled/internal/config"
	"github.com/hookwise/entitled/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Embedded migrations target postgres; other dialects are
			// managed externally.
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		if err := RunMigrations(sqlDB); err != nil {
			return err
		}

		if cfg.DefaultTenantID != 0 {
			return seed.EnsureDefaultTenant(conn, snowflake.ID(cfg.DefaultTenantID))
		}
		return nil
	}),
)

package migration

import (
	"github.com/smallbiznis/commerce/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		log = log.Named("migration")
		if !cfg.DBAutoMigrate {
			log.Info("auto migration disabled")
			return nil
		}
		if err := Run(conn); err != nil {
			return err
		}
		log.Info("schema up to date", zap.Int("models", len(Models())))
		return nil
	}),
)

package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"nexus-pipeline/pkg/config"
	"nexus-pipeline/pkg/db"
	"nexus-pipeline/pkg/logger"
	"nexus-pipeline/services/credit"
	"nexus-pipeline/services/job"
	"nexus-pipeline/services/organisation"
	"nexus-pipeline/services/webhook"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		fx.Invoke(migrate),
		fxLogger,
	)

	if err := app.Start(context.Background()); err != nil {
		zap.L().Fatal("migration failed", zap.Error(err))
	}
	_ = app.Stop(context.Background())
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func migrate(db *gorm.DB) error {
	models := []any{
		&organisation.Organisation{},
		&organisation.User{},
		&credit.Account{},
		&credit.Transaction{},
		&job.Job{},
		&webhook.Delivery{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	zap.L().Info("[Migrate] schema up to date", zap.Int("models", len(models)))
	return nil
}

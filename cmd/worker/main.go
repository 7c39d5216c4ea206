package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"nexus-pipeline/pkg/compute"
	"nexus-pipeline/pkg/config"
	"nexus-pipeline/pkg/db"
	"nexus-pipeline/pkg/gen"
	"nexus-pipeline/pkg/logger"
	"nexus-pipeline/pkg/metrics"
	"nexus-pipeline/pkg/otelcol"
	"nexus-pipeline/pkg/profiling"
	"nexus-pipeline/pkg/redis"
	"nexus-pipeline/pkg/task"
	"nexus-pipeline/services/credit"
	"nexus-pipeline/services/job"
	"nexus-pipeline/services/organisation"
	"nexus-pipeline/services/pipeline"
	"nexus-pipeline/services/resultcache"
	"nexus-pipeline/services/webhook"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		metrics.Module,
		db.Module,
		redis.Module,
		gen.Module,
		task.Client,
		task.Server,
		compute.Module,
		credit.Module,
		job.Module,
		organisation.Module,
		webhook.Module,
		resultcache.Module,
		pipeline.Bindings,
		pipeline.WorkerModule,
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

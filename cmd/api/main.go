package main

import (
	"log"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"nexus-pipeline/pkg/authz"
	"nexus-pipeline/pkg/config"
	"nexus-pipeline/pkg/db"
	"nexus-pipeline/pkg/gen"
	"nexus-pipeline/pkg/health"
	"nexus-pipeline/pkg/logger"
	"nexus-pipeline/pkg/metrics"
	"nexus-pipeline/pkg/otelcol"
	"nexus-pipeline/pkg/profiling"
	"nexus-pipeline/pkg/redis"
	"nexus-pipeline/pkg/server"
	"nexus-pipeline/pkg/task"
	"nexus-pipeline/services/credit"
	"nexus-pipeline/services/job"
	"nexus-pipeline/services/organisation"
	"nexus-pipeline/services/pipeline"
	"nexus-pipeline/services/ratelimit"
	"nexus-pipeline/services/webhook"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		metrics.Module,
		db.Module,
		redis.Module,
		gen.Module,
		task.Client,
		authz.Module,
		credit.Module,
		job.Module,
		organisation.Module,
		webhook.Module,
		ratelimit.Module,
		health.Module,
		pipeline.Bindings,
		pipeline.API,
		server.ProvideHTTPServer,
		fx.Invoke(registerRoutes),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

type routes struct {
	fx.In
	Router        *gin.Engine
	Enforcer      *casbin.SyncedEnforcer
	Health        health.HealthService
	Organisation  *organisation.Handler
	Organisations *organisation.Service
	Credit        *credit.Handler
	Jobs          *pipeline.Handler
	Webhook       *webhook.Handler
}

func registerRoutes(p routes) {
	p.Health.Register(p.Router)

	v1 := p.Router.Group("/v1")
	p.Organisation.RegisterPublic(v1)

	authed := v1.Group("", organisation.Identity(p.Organisations))
	p.Organisation.Register(authed)
	p.Jobs.Register(authed, organisation.RoleOf)
	p.Credit.Register(authed, authz.Require(p.Enforcer, organisation.RoleOf, authz.ObjectCredit, authz.ActionView))
	p.Webhook.Register(authed, authz.Require(p.Enforcer, organisation.RoleOf, authz.ObjectWebhook, authz.ActionView))
}

package pipeline

import (
	"nexus-pipeline/pkg/taskname"
	"nexus-pipeline/services/credit"
	"nexus-pipeline/services/job"
	"nexus-pipeline/services/organisation"
	"nexus-pipeline/services/ratelimit"
	"nexus-pipeline/services/resultcache"
	"nexus-pipeline/services/webhook"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

// Bindings connects the domain services through the narrow interfaces they
// consume from each other.
var Bindings = fx.Module("pipeline.bindings",
	fx.Provide(
		func(s *credit.Service) job.Refunder { return s },
		func(s *credit.Service) Ledger { return s },
		func(s *organisation.Service) webhook.Endpoints { return s },
		func(s *webhook.Service) Notifier { return s },
	),
)

// API is the submission side used by the HTTP binary.
var API = fx.Module("pipeline.api",
	fx.Provide(
		func(l *ratelimit.Limiter) Admitter { return l },
		NewSubmitter,
		NewHandler,
	),
)

// WorkerModule is the consumer side: job and webhook handlers plus the sweeper.
var WorkerModule = fx.Module("pipeline.worker",
	fx.Provide(
		func(c *resultcache.Cache) ResultCache { return c },
		func(s *webhook.Service) DeliveryRequeuer { return s },
		NewWorker,
		NewSweeper,
	),
	fx.Invoke(RegisterHandlers, StartSweeper),
)

func RegisterHandlers(mux *asynq.ServeMux, w *Worker, wh *webhook.Service) {
	mux.HandleFunc(taskname.JobSummarize, w.HandleJobTask)
	mux.HandleFunc(taskname.JobAnalyze, w.HandleJobTask)
	mux.HandleFunc(taskname.WebhookDeliver, wh.HandleDeliverTask)
}

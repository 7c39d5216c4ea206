package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"nexus-pipeline/pkg/compute"
	"nexus-pipeline/pkg/config"
	"nexus-pipeline/pkg/metrics"
	"nexus-pipeline/pkg/task"
	"nexus-pipeline/services/job"
	"nexus-pipeline/services/resultcache"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// transitionTimeout bounds state writes made after the handler context may
// already be cancelled.
const transitionTimeout = 10 * time.Second

// Notifier receives terminal jobs for webhook delivery.
type Notifier interface {
	NotifyJob(ctx context.Context, j *job.Job) error
}

// ResultCache stores finished outputs by input fingerprint.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
}

type Worker struct {
	jobs     *job.Service
	compute  compute.Client
	cache    ResultCache
	notifier Notifier
	enqueuer task.Enqueuer
	policy   task.RetryPolicy
	metrics  *metrics.Metrics
	timeout  time.Duration
}

type WorkerParams struct {
	fx.In
	Jobs     *job.Service
	Compute  compute.Client
	Cache    ResultCache `optional:"true"`
	Notifier Notifier    `optional:"true"`
	Enqueuer task.Enqueuer
	Policy   task.RetryPolicy
	Config   *config.Config
	Metrics  *metrics.Metrics `optional:"true"`
}

func NewWorker(p WorkerParams) *Worker {
	timeout := p.Config.Worker.JobTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Worker{
		jobs:     p.Jobs,
		compute:  p.Compute,
		cache:    p.Cache,
		notifier: p.Notifier,
		enqueuer: p.Enqueuer,
		policy:   p.Policy,
		metrics:  p.Metrics,
		timeout:  timeout,
	}
}

// HandleJobTask runs one attempt of a job. Attempt failures are recorded on
// the job and never surface to asynq; an error is returned only when the
// state itself could not be written, so the task is redelivered.
func (w *Worker) HandleJobTask(ctx context.Context, t *asynq.Task) error {
	var p JobPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.JobID == "" {
		zap.L().Error("[Worker] invalid job payload", zap.String("task_type", t.Type()), zap.Error(err))
		return fmt.Errorf("invalid payload: %w", asynq.SkipRetry)
	}

	log := zap.L().With(zap.String("task_type", t.Type()), zap.String("job_id", p.JobID))

	j, claimed, err := w.jobs.Claim(ctx, p.JobID)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("[Worker] job not claimable, dropping task")
		return nil
	}
	log = log.With(zap.Int("attempt", j.AttemptCount))
	log.Info("[Worker] job started")

	output, cached, runErr := w.run(ctx, j)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), transitionTimeout)
	defer cancel()

	if runErr == nil {
		return w.complete(sctx, log, j, output, cached)
	}
	return w.fail(sctx, log, j, runErr)
}

func (w *Worker) run(ctx context.Context, j *job.Job) ([]byte, bool, error) {
	text, err := inputText(j.Input)
	if err != nil {
		return nil, false, err
	}

	key := ""
	if w.cache != nil {
		key = resultcache.Key(string(j.Type), j.Input)
		if raw, ok := w.cache.Get(ctx, key); ok {
			if out, err := markCached(raw); err == nil {
				return out, true, nil
			}
		}
	}

	cctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	result, err := w.compute.Generate(cctx, prompt(j.Type, text))
	if err != nil {
		return nil, false, err
	}

	out, err := json.Marshal(map[string]string{outputField(j.Type): result})
	if err != nil {
		return nil, false, err
	}
	if w.cache != nil {
		w.cache.Set(ctx, key, out)
	}
	return out, false, nil
}

func (w *Worker) complete(ctx context.Context, log *zap.Logger, j *job.Job, output []byte, cached bool) error {
	ok, err := w.jobs.Complete(ctx, j.ID, output)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("[Worker] job left RUNNING before completion was recorded")
		return nil
	}
	w.metrics.RecordJobCompleted(ctx, string(j.Type), cached)
	log.Info("[Worker] job completed", zap.Bool("cached", cached))
	w.notify(ctx, log, j.ID)
	return nil
}

func (w *Worker) fail(ctx context.Context, log *zap.Logger, j *job.Job, cause error) error {
	out, err := w.jobs.Fail(ctx, j.ID, cause)
	if err != nil {
		return err
	}
	return w.afterFail(ctx, log, out)
}

// afterFail schedules the next attempt or announces the terminal failure.
func (w *Worker) afterFail(ctx context.Context, log *zap.Logger, out job.FailOutcome) error {
	if !out.Applied {
		return nil
	}
	j := out.Job
	if out.Retry {
		delay := w.policy.Delay(j.AttemptCount)
		if _, err := w.enqueuer.Enqueue(ctx, NewJobTask(j, w.timeout),
			asynq.ProcessIn(delay),
			asynq.TaskID(JobTaskID(j.ID, j.AttemptCount+1)),
		); err != nil {
			return fmt.Errorf("schedule retry of job %s: %w", j.ID, err)
		}
		w.metrics.RecordJobRetried(ctx, string(j.Type))
		log.Info("[Worker] job retry scheduled", zap.Duration("delay", delay))
		return nil
	}

	w.metrics.RecordJobFailed(ctx, string(j.Type))
	log.Warn("[Worker] job failed permanently, cost refunded", zap.Int64("cost", j.Cost))
	w.notify(ctx, log, j.ID)
	return nil
}

func (w *Worker) notify(ctx context.Context, log *zap.Logger, id string) {
	notifyJob(ctx, log, w.jobs, w.notifier, id)
}

// notifyJob reloads a job that reached a terminal state and hands it to the
// notifier. Delivery is best effort; errors are only logged.
func notifyJob(ctx context.Context, log *zap.Logger, jobs *job.Service, n Notifier, id string) {
	if n == nil {
		return
	}
	j, err := jobs.Load(ctx, id)
	if err != nil {
		log.Error("[Pipeline] reload job for webhook", zap.Error(err))
		return
	}
	if err := n.NotifyJob(ctx, j); err != nil {
		log.Error("[Pipeline] webhook dispatch failed", zap.Error(err))
	}
}

func inputText(input []byte) (string, error) {
	var body struct {
		Text any `json:"text"`
	}
	if err := json.Unmarshal(input, &body); err != nil {
		return "", fmt.Errorf("%w: input must be a JSON object", job.ErrValidation)
	}
	text, ok := body.Text.(string)
	if !ok || strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: No text provided", job.ErrValidation)
	}
	return text, nil
}

func prompt(t job.Type, text string) string {
	if t == job.TypeAnalyze {
		return "Analyze this: " + text
	}
	return "Summarize this: " + text
}

func outputField(t job.Type) string {
	if t == job.TypeAnalyze {
		return "analysis"
	}
	return "summary"
}

func markCached(raw []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["cached"] = true
	return json.Marshal(m)
}

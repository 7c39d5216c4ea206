package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"nexus-pipeline/pkg/config"
	"nexus-pipeline/pkg/metrics"
	"nexus-pipeline/pkg/task"
	"nexus-pipeline/services/credit"
	"nexus-pipeline/services/job"
	"nexus-pipeline/services/ratelimit"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var ErrEnqueueFailed = errors.New("pipeline: job could not be queued")

// Admitter is the per-organisation admission check run before any charge.
type Admitter interface {
	Check(ctx context.Context, organisationID string) (ratelimit.Decision, error)
}

// Ledger is the slice of the credit ledger submission needs.
type Ledger interface {
	Deduct(ctx context.Context, req credit.DeductRequest) (*credit.Transaction, error)
	Refund(ctx context.Context, req credit.RefundRequest) (*credit.Transaction, error)
}

type SubmitRequest struct {
	OrganisationID string
	UserID         string
	Type           string
	Input          json.RawMessage
}

type SubmitResult struct {
	Job      *job.Job
	Decision ratelimit.Decision
}

type Submitter struct {
	admitter Admitter
	ledger   Ledger
	jobs     *job.Service
	enqueuer task.Enqueuer
	notifier Notifier
	metrics  *metrics.Metrics
	cfg      *config.Config
}

type SubmitterParams struct {
	fx.In
	Admitter Admitter `optional:"true"`
	Ledger   Ledger
	Jobs     *job.Service
	Enqueuer task.Enqueuer
	Notifier Notifier `optional:"true"`
	Config   *config.Config
	Metrics  *metrics.Metrics `optional:"true"`
}

func NewSubmitter(p SubmitterParams) *Submitter {
	return &Submitter{
		admitter: p.Admitter,
		ledger:   p.Ledger,
		jobs:     p.Jobs,
		enqueuer: p.Enqueuer,
		notifier: p.Notifier,
		metrics:  p.Metrics,
		cfg:      p.Config,
	}
}

// Submit admits, charges, records and queues a job, in that order. A step
// that fails after the charge reverses the charge before returning.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	var result SubmitResult
	if s.admitter != nil {
		d, err := s.admitter.Check(ctx, req.OrganisationID)
		result.Decision = d
		if err != nil {
			return &result, err
		}
	}

	typ, err := job.ParseType(req.Type)
	if err != nil {
		return &result, err
	}
	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if !json.Valid(input) {
		return &result, fmt.Errorf("%w: input is not valid JSON", job.ErrValidation)
	}

	jobID := s.jobs.NewID()
	cost := typ.Cost()
	if _, err := s.ledger.Deduct(ctx, credit.DeductRequest{
		OrganisationID: req.OrganisationID,
		Amount:         cost,
		JobID:          jobID,
		Description:    fmt.Sprintf("%s job: %s", typ, jobID),
	}); err != nil {
		return &result, err
	}

	log := zap.L().With(
		zap.String("organisation_id", req.OrganisationID),
		zap.String("job_id", jobID),
		zap.String("job_type", string(typ)),
	)

	j, err := s.jobs.Create(ctx, job.CreateRequest{
		ID:             jobID,
		OrganisationID: req.OrganisationID,
		UserID:         req.UserID,
		Type:           typ,
		Input:          datatypes.JSON(input),
		MaxAttempts:    s.cfg.Worker.MaxAttempts,
	})
	if err != nil {
		log.Error("[Pipeline] job insert failed, refunding", zap.Error(err))
		s.metrics.RecordCompensation(ctx, "create_failed")
		if _, rerr := s.ledger.Refund(context.WithoutCancel(ctx), credit.RefundRequest{
			OrganisationID: req.OrganisationID,
			Amount:         cost,
			JobID:          jobID,
			Description:    fmt.Sprintf("Refund for unrecorded job: %s", jobID),
		}); rerr != nil && !errors.Is(rerr, credit.ErrAlreadyRefunded) {
			log.Error("[Pipeline] compensation refund failed", zap.Error(rerr))
		}
		return &result, err
	}

	if _, err := s.enqueuer.Enqueue(ctx, NewJobTask(j, s.cfg.Worker.JobTimeout), asynq.TaskID(JobTaskID(j.ID, 1))); err != nil {
		log.Error("[Pipeline] enqueue failed, failing job", zap.Error(err))
		s.metrics.RecordCompensation(ctx, "enqueue_failed")
		actx := context.WithoutCancel(ctx)
		applied, aerr := s.jobs.Abort(actx, j.ID, "could not be queued")
		if aerr != nil {
			log.Error("[Pipeline] compensation abort failed", zap.Error(aerr))
		}
		if applied {
			notifyJob(actx, log, s.jobs, s.notifier, j.ID)
		}
		return &result, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	s.metrics.RecordJobQueued(ctx, string(typ))
	log.Info("[Pipeline] job queued", zap.Int64("cost", cost))
	result.Job = j
	return &result, nil
}

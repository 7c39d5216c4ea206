package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nexus-pipeline/pkg/clock"
	"nexus-pipeline/pkg/config"
	"nexus-pipeline/pkg/db/option"
	"nexus-pipeline/pkg/metrics"
	"nexus-pipeline/pkg/repository"
	"nexus-pipeline/pkg/task"
	"nexus-pipeline/pkg/taskname"
	"nexus-pipeline/services/job"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var defaultDelays = []time.Duration{5 * time.Second, 25 * time.Second, 125 * time.Second}

const (
	defaultMaxAttempts = 3
	defaultTimeout     = 10 * time.Second
)

// Endpoints resolves an organisation's webhook url and signing secret. An
// empty url means no webhook is configured.
type Endpoints interface {
	Endpoint(ctx context.Context, organisationID string) (url, secret string, err error)
}

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	enqueuer  task.Enqueuer
	endpoints Endpoints
	http      *http.Client
	clock     clock.Clock
	metrics   *metrics.Metrics

	delays      []time.Duration
	maxAttempts int

	deliveries repository.Repository[Delivery]
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Node       *snowflake.Node
	Config     *config.Config
	Enqueuer   task.Enqueuer
	Endpoints  Endpoints
	HTTPClient *http.Client      `name:"webhook" optional:"true"`
	Clock      clock.Clock      `optional:"true"`
	Metrics    *metrics.Metrics `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		db:          p.DB,
		node:        p.Node,
		enqueuer:    p.Enqueuer,
		endpoints:   p.Endpoints,
		http:        p.HTTPClient,
		clock:       p.Clock,
		metrics:     p.Metrics,
		delays:      p.Config.Webhook.Delays,
		maxAttempts: p.Config.Webhook.MaxAttempts,
		deliveries:  repository.ProvideStore[Delivery](p.DB),
	}
	if s.http == nil {
		timeout := p.Config.Webhook.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		s.http = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if len(s.delays) == 0 {
		s.delays = defaultDelays
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	return s
}

func NewDeliverTask(deliveryID string) *asynq.Task {
	payload, _ := json.Marshal(map[string]string{"delivery_id": deliveryID})
	return asynq.NewTask(taskname.WebhookDeliver, payload)
}

func deliverTaskID(deliveryID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", taskname.WebhookDeliver, deliveryID, attempt)
}

// NotifyJob sends the outcome of a terminal job to the organisation's
// endpoint. Organisations without a webhook are skipped.
func (s *Service) NotifyJob(ctx context.Context, j *job.Job) error {
	if j == nil || !j.Status.Terminal() {
		return nil
	}

	url, secret, err := s.endpoints.Endpoint(ctx, j.OrganisationID)
	if err != nil {
		return fmt.Errorf("resolve webhook endpoint: %w", err)
	}
	if url == "" {
		zap.L().Debug("[Webhook] no endpoint configured", zap.String("organisation_id", j.OrganisationID))
		return nil
	}

	n := Notification{JobID: j.ID, Status: string(j.Status)}
	if j.Status == job.StatusCompleted {
		n.Result = json.RawMessage(j.Output)
	} else if j.Error != nil {
		n.Error = *j.Error
	}

	_, err = s.Dispatch(ctx, DispatchRequest{
		OrganisationID: j.OrganisationID,
		JobID:          j.ID,
		URL:            url,
		Secret:         secret,
		Payload:        n,
	})
	return err
}

// Dispatch records a pending delivery and schedules its first attempt. The
// signature is computed once over the exact body that will be sent.
func (s *Service) Dispatch(ctx context.Context, req DispatchRequest) (*Delivery, error) {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}

	now := s.clock.Now()
	d := &Delivery{
		ID:             s.node.Generate().String(),
		OrganisationID: req.OrganisationID,
		JobID:          req.JobID,
		URL:            req.URL,
		Status:         StatusPending,
		NextRetryAt:    &now,
		Payload:        string(body),
		Signature:      Sign(req.Secret, body),
	}
	if err := s.deliveries.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}

	if _, err := s.enqueuer.Enqueue(ctx, NewDeliverTask(d.ID),
		asynq.Queue(task.QueueLow),
		asynq.TaskID(deliverTaskID(d.ID, 1)),
	); err != nil {
		// The sweeper picks up overdue pending deliveries.
		zap.L().Warn("[Webhook] enqueue failed", zap.String("delivery_id", d.ID), zap.Error(err))
	}
	return d, nil
}

// Deliver makes one attempt for a pending delivery and records the result.
// Failed attempts are rescheduled on the queue rather than slept on. The
// returned error is non-nil only when the delivery ledger itself failed.
func (s *Service) Deliver(ctx context.Context, deliveryID string) error {
	d, err := s.deliveries.FindOne(ctx, &Delivery{ID: deliveryID})
	if err != nil {
		return err
	}
	if d == nil {
		return ErrNotFound
	}
	if d.Status != StatusPending || d.Attempts >= s.maxAttempts {
		return nil
	}

	attempt := d.Attempts + 1
	code, sendErr := s.send(ctx, d)

	updates := map[string]any{
		"attempts":      attempt,
		"response_code": nil,
		"error":         nil,
		"next_retry_at": nil,
	}
	if code > 0 {
		updates["response_code"] = code
	}

	var retryIn time.Duration
	switch {
	case sendErr == nil:
		updates["status"] = StatusDelivered
	case attempt < s.maxAttempts:
		retryIn = s.delay(attempt)
		next := s.clock.Now().Add(retryIn)
		updates["status"] = StatusPending
		updates["error"] = sendErr.Error()
		updates["next_retry_at"] = next
	default:
		updates["status"] = StatusFailed
		updates["error"] = sendErr.Error()
	}

	res := s.db.WithContext(ctx).Model(&Delivery{}).
		Where("id = ? AND status = ? AND attempts = ?", d.ID, StatusPending, d.Attempts).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Another worker recorded this attempt first.
		return nil
	}

	log := zap.L().With(
		zap.String("delivery_id", d.ID),
		zap.String("job_id", d.JobID),
		zap.Int("attempt", attempt),
	)
	switch updates["status"] {
	case StatusDelivered:
		s.metrics.RecordWebhook(ctx, true)
		log.Info("[Webhook] delivered", zap.Int("response_code", code))
	case StatusFailed:
		s.metrics.RecordWebhook(ctx, false)
		log.Warn("[Webhook] delivery failed permanently", zap.Error(sendErr))
	default:
		log.Info("[Webhook] attempt failed, rescheduled", zap.Duration("retry_in", retryIn), zap.Error(sendErr))
		if _, err := s.enqueuer.Enqueue(ctx, NewDeliverTask(d.ID),
			asynq.Queue(task.QueueLow),
			asynq.ProcessIn(retryIn),
			asynq.TaskID(deliverTaskID(d.ID, attempt+1)),
		); err != nil {
			log.Warn("[Webhook] reschedule failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) delay(attempt int) time.Duration {
	if attempt-1 < len(s.delays) {
		return s.delays[attempt-1]
	}
	return s.delays[len(s.delays)-1]
}

func (s *Service) send(ctx context.Context, d *Delivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, strings.NewReader(d.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, d.Signature)
	req.Header.Set(HeaderJobID, d.JobID)

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// HandleDeliverTask is the asynq handler for webhook:deliver.
func (s *Service) HandleDeliverTask(ctx context.Context, t *asynq.Task) error {
	var payload struct {
		DeliveryID string `json:"delivery_id"`
	}
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode webhook task: %v: %w", err, asynq.SkipRetry)
	}

	err := s.Deliver(ctx, payload.DeliveryID)
	if errors.Is(err, ErrNotFound) {
		zap.L().Warn("[Webhook] delivery vanished", zap.String("delivery_id", payload.DeliveryID))
		return nil
	}
	return err
}

// RequeueDue schedules pending deliveries whose next attempt is overdue by
// more than grace. It covers enqueues lost between the ledger write and the
// queue.
func (s *Service) RequeueDue(ctx context.Context, grace time.Duration, limit int) (int, error) {
	due, err := s.deliveries.Find(ctx, &Delivery{Status: StatusPending},
		option.ApplyOperator(option.Condition{Field: "next_retry_at", Operator: option.LT, Value: s.clock.Now().Add(-grace)}),
		option.WithOrder("next_retry_at ASC"),
		option.ApplyPagination(limit, 0),
	)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, d := range due {
		if _, err := s.enqueuer.Enqueue(ctx, NewDeliverTask(d.ID),
			asynq.Queue(task.QueueLow),
			asynq.TaskID(deliverTaskID(d.ID, d.Attempts+1)),
		); err != nil {
			zap.L().Warn("[Webhook] requeue failed", zap.String("delivery_id", d.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// List returns the organisation's deliveries, newest first, optionally for a
// single job.
func (s *Service) List(ctx context.Context, organisationID, jobID string, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.deliveries.Find(ctx, &Delivery{OrganisationID: organisationID, JobID: jobID},
		option.WithOrder("created_at DESC, id DESC"),
		option.ApplyPagination(limit, 0),
	)
}

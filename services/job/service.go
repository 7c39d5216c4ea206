package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nexus-pipeline/pkg/clock"
	"nexus-pipeline/pkg/db/option"
	"nexus-pipeline/pkg/db/pagination"
	"nexus-pipeline/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultMaxAttempts = 3

// Refunder returns a job's cost to its organisation inside tx. Implementations
// must treat a repeated refund of the same job as success.
type Refunder interface {
	RefundJob(ctx context.Context, tx *gorm.DB, organisationID, jobID string, amount int64) error
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    clock.Clock
	refunder Refunder

	jobs repository.Repository[Job]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Refunder Refunder    `optional:"true"`
	Clock    clock.Clock `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Service{
		db:       p.DB,
		node:     p.Node,
		clock:    c,
		refunder: p.Refunder,
		jobs:     repository.ProvideStore[Job](p.DB),
	}
}

func (s *Service) NewID() string {
	return s.node.Generate().String()
}

// Create inserts a PENDING job with no attempts.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Job, error) {
	if _, ok := costs[req.Type]; !ok {
		return nil, ErrInvalidJobType
	}
	if req.ID == "" {
		req.ID = s.NewID()
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = defaultMaxAttempts
	}

	j := &Job{
		ID:             req.ID,
		OrganisationID: req.OrganisationID,
		UserID:         req.UserID,
		Type:           req.Type,
		Status:         StatusPending,
		Input:          req.Input,
		Cost:           req.Type.Cost(),
		MaxAttempts:    req.MaxAttempts,
	}
	if err := s.jobs.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

// Claim moves a job from PENDING to RUNNING with a single conditional update.
// It reports false, without error, when the job is not PENDING.
func (s *Service) Claim(ctx context.Context, id string) (*Job, bool, error) {
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{
			"status":        StatusRunning,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"started_at":    s.clock.Now(),
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}

	j, err := s.jobs.FindOne(ctx, &Job{ID: id})
	if err != nil {
		return nil, false, err
	}
	if j == nil {
		return nil, false, nil
	}
	return j, true, nil
}

// Complete moves a RUNNING job to COMPLETED. It reports false when the job is
// missing or not RUNNING.
func (s *Service) Complete(ctx context.Context, id string, output []byte) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusRunning).
		Updates(map[string]any{
			"status":       StatusCompleted,
			"output":       datatypes.JSON(output),
			"error":        nil,
			"completed_at": s.clock.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Fail records a failed attempt of a RUNNING job. Validation failures and
// exhausted attempts end in FAILED and refund the job cost in the same
// transaction. Anything else puts the job back to PENDING for a retry.
func (s *Service) Fail(ctx context.Context, id string, cause error) (FailOutcome, error) {
	var out FailOutcome
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		if err := tx.Scopes(option.LockingUpdate).Where("id = ?", id).First(&j).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		out.Job = &j
		if j.Status != StatusRunning {
			return nil
		}

		if errors.Is(cause, ErrValidation) || j.AttemptCount >= j.MaxAttempts {
			if err := s.terminate(ctx, tx, &j, StatusRunning, msg); err != nil {
				return err
			}
			out.Applied, out.Terminal = true, true
			return nil
		}

		if err := tx.Model(&Job{}).
			Where("id = ? AND status = ?", id, StatusRunning).
			Updates(map[string]any{"status": StatusPending, "error": msg}).Error; err != nil {
			return err
		}
		j.Status = StatusPending
		j.Error = &msg
		out.Applied, out.Retry = true, true
		return nil
	})
	if err != nil {
		return FailOutcome{}, err
	}

	if out.Applied {
		zap.L().Info("[Job] attempt failed",
			zap.String("job_id", id),
			zap.Int("attempt", out.Job.AttemptCount),
			zap.Bool("retry", out.Retry),
			zap.String("error", msg),
		)
	}
	return out, nil
}

// Abort fails a job that was never picked up, refunding its cost. It reports
// false when the job is not PENDING.
func (s *Service) Abort(ctx context.Context, id, reason string) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		if err := tx.Scopes(option.LockingUpdate).Where("id = ?", id).First(&j).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if j.Status != StatusPending {
			return nil
		}
		if err := s.terminate(ctx, tx, &j, StatusPending, reason); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *Service) terminate(ctx context.Context, tx *gorm.DB, j *Job, from Status, msg string) error {
	now := s.clock.Now()
	res := tx.Model(&Job{}).
		Where("id = ? AND status = ?", j.ID, from).
		Updates(map[string]any{
			"status":       StatusFailed,
			"error":        msg,
			"completed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s changed state concurrently", j.ID)
	}

	if s.refunder != nil {
		if err := s.refunder.RefundJob(ctx, tx, j.OrganisationID, j.ID, j.Cost); err != nil {
			return fmt.Errorf("refund job %s: %w", j.ID, err)
		}
	}

	j.Status = StatusFailed
	j.Error = &msg
	j.CompletedAt = &now
	return nil
}

// Get returns a job owned by the organisation.
func (s *Service) Get(ctx context.Context, organisationID, id string) (*Job, error) {
	j, err := s.jobs.FindOne(ctx, &Job{ID: id, OrganisationID: organisationID})
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrNotFound
	}
	return j, nil
}

// Load returns a job by id regardless of organisation. Worker use only.
func (s *Service) Load(ctx context.Context, id string) (*Job, error) {
	j, err := s.jobs.FindOne(ctx, &Job{ID: id})
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrNotFound
	}
	return j, nil
}

// List returns the organisation's jobs, newest first.
func (s *Service) List(ctx context.Context, organisationID string, req ListRequest) (*ListResponse, error) {
	p := pagination.Pagination{Limit: req.Limit, Cursor: req.Cursor}.Normalize()

	opts := []option.QueryOption{
		option.WithOrder("created_at DESC, id DESC"),
		option.ApplyPagination(p.Limit+1, 0),
	}
	if p.Cursor != "" {
		cur, err := pagination.DecodeCursor(p.Cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: bad cursor", ErrValidation)
		}
		opts = append(opts, option.Where("created_at < ? OR (created_at = ? AND id < ?)", cur.CreatedAt, cur.CreatedAt, cur.ID))
	}

	rows, err := s.jobs.Find(ctx, &Job{OrganisationID: organisationID}, opts...)
	if err != nil {
		return nil, err
	}

	rows, info, err := pagination.Trim(rows, p.Limit, func(j *Job) pagination.Cursor {
		return pagination.Cursor{CreatedAt: j.CreatedAt, ID: j.ID}
	})
	if err != nil {
		return nil, err
	}
	return &ListResponse{Jobs: rows, NextPage: info.NextCursor, HasMore: info.HasMore}, nil
}

// FindStale returns RUNNING jobs started before now-olderThan. These belong to
// workers that died mid-attempt.
func (s *Service) FindStale(ctx context.Context, olderThan time.Duration, limit int) ([]*Job, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	return s.jobs.Find(ctx, &Job{Status: StatusRunning},
		option.ApplyOperator(option.Condition{Field: "started_at", Operator: option.LT, Value: cutoff}),
		option.WithOrder("started_at ASC"),
		option.ApplyPagination(limit, 0),
	)
}

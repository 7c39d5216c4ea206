package job

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

var (
	ErrInvalidJobType = errors.New("job: invalid job type")
	ErrNotFound       = errors.New("job: not found")
	// ErrValidation marks input that can never succeed. Failing with it skips
	// the retry path.
	ErrValidation = errors.New("job: validation failed")
)

type Type string

const (
	TypeSummarize Type = "SUMMARIZE"
	TypeAnalyze   Type = "ANALYZE"
)

var costs = map[Type]int64{
	TypeSummarize: 10,
	TypeAnalyze:   25,
}

func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := costs[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobType, s)
	}
	return t, nil
}

// Cost is the number of credits charged when a job of this type is submitted.
func (t Type) Cost() int64 {
	return costs[t]
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Job struct {
	ID             string         `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	OrganisationID string         `gorm:"column:organisation_id;type:varchar(32);not null;index:idx_jobs_org_created,priority:1" json:"organisation_id"`
	UserID         string         `gorm:"column:user_id;type:varchar(32)" json:"user_id"`
	Type           Type           `gorm:"column:job_type;type:varchar(16);not null" json:"job_type"`
	Status         Status         `gorm:"column:status;type:varchar(16);not null;index:idx_jobs_status_started,priority:1" json:"status"`
	Input          datatypes.JSON `gorm:"column:input" json:"input"`
	Output         datatypes.JSON `gorm:"column:output" json:"output,omitempty"`
	Error          *string        `gorm:"column:error;type:text" json:"error,omitempty"`
	Cost           int64          `gorm:"column:cost;not null;default:0" json:"cost"`
	AttemptCount   int            `gorm:"column:attempt_count;not null;default:0" json:"attempt_count"`
	MaxAttempts    int            `gorm:"column:max_attempts;not null;default:3" json:"max_attempts"`
	StartedAt      *time.Time     `gorm:"column:started_at;index:idx_jobs_status_started,priority:2" json:"started_at,omitempty"`
	CompletedAt    *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime;index:idx_jobs_org_created,priority:2" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

type CreateRequest struct {
	ID             string
	OrganisationID string
	UserID         string
	Type           Type
	Input          datatypes.JSON
	MaxAttempts    int
}

type ListRequest struct {
	Limit  int
	Cursor string
}

type ListResponse struct {
	Jobs     []*Job
	NextPage string
	HasMore  bool
}

// FailOutcome describes what Fail did. Applied is false when the job was not
// RUNNING, in which case nothing changed.
type FailOutcome struct {
	Job      *Job
	Applied  bool
	Retry    bool
	Terminal bool
}

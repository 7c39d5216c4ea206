package webhook

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("webhook: delivery not found")

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderJobID     = "X-Webhook-Job-Id"
)

// Delivery tracks one notification through all of its attempts.
type Delivery struct {
	ID             string         `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	OrganisationID string         `gorm:"column:organisation_id;type:varchar(32);not null;index" json:"organisation_id"`
	JobID          string         `gorm:"column:job_id;type:varchar(32);not null;index" json:"job_id"`
	URL            string         `gorm:"column:url;type:varchar(2048);not null" json:"url"`
	Status         Status         `gorm:"column:status;type:varchar(16);not null;index:idx_webhook_deliveries_due,priority:1" json:"status"`
	Attempts       int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	NextRetryAt    *time.Time     `gorm:"column:next_retry_at;index:idx_webhook_deliveries_due,priority:2" json:"next_retry_at,omitempty"`
	ResponseCode   *int           `gorm:"column:response_code" json:"response_code,omitempty"`
	Error          *string        `gorm:"column:error;type:text" json:"error,omitempty"`
	// Payload is the exact signed body, kept as text so the datastore never
	// reformats it.
	Payload        string         `gorm:"column:payload;type:text" json:"-"`
	Signature      string         `gorm:"column:signature;type:varchar(64)" json:"-"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Delivery) TableName() string { return "webhook_deliveries" }

type DispatchRequest struct {
	OrganisationID string
	JobID          string
	URL            string
	Secret         string
	Payload        any
}

// Notification is the body posted to the organisation's endpoint.
type Notification struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

package organisation

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("organisation: not found")
	ErrUserNotFound    = errors.New("organisation: user not found")
	ErrDomainTaken     = errors.New("organisation: domain already registered")
	ErrEmailTaken      = errors.New("organisation: email already registered")
	ErrInvalidRole     = errors.New("organisation: invalid role")
	ErrInvalidWebhook  = errors.New("organisation: webhook url must be an absolute http(s) url")
	ErrInvalidArgument = errors.New("organisation: invalid argument")
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

type Organisation struct {
	ID            string    `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	Name          string    `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Slug          string    `gorm:"column:slug;type:varchar(255);index" json:"slug"`
	Domain        string    `gorm:"column:domain;type:varchar(255);uniqueIndex;not null" json:"domain"`
	WebhookURL    *string   `gorm:"column:webhook_url;type:varchar(2048)" json:"webhook_url,omitempty"`
	WebhookSecret *string   `gorm:"column:webhook_secret;type:varchar(255)" json:"-"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Organisation) TableName() string { return "organisations" }

type User struct {
	ID             string    `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	OrganisationID string    `gorm:"column:organisation_id;type:varchar(32);index;not null" json:"organisation_id"`
	Email          string    `gorm:"column:email;type:varchar(255);uniqueIndex;not null" json:"email"`
	Name           string    `gorm:"column:name;type:varchar(255)" json:"name"`
	Role           Role      `gorm:"column:role;type:varchar(16);not null;default:member" json:"role"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string { return "users" }

type CreateRequest struct {
	Name       string
	Domain     string
	AdminEmail string
	AdminName  string
}

// Webhook is an organisation's notification endpoint. Secret is only
// returned when it was just generated or set.
type Webhook struct {
	URL        string `json:"url,omitempty"`
	Secret     string `json:"secret,omitempty"`
	Configured bool   `json:"configured"`
}

package organisation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"nexus-pipeline/pkg/config"
	"nexus-pipeline/pkg/db"
	"nexus-pipeline/pkg/repository"
	"nexus-pipeline/services/credit"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	credit *credit.Service
	bonus  int64

	orgs  repository.Repository[Organisation]
	users repository.Repository[User]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
	Credit *credit.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		credit: p.Credit,
		bonus:  p.Config.Credit.SignupBonus,
		orgs:   repository.ProvideStore[Organisation](p.DB),
		users:  repository.ProvideStore[User](p.DB),
	}
}

// Create registers an organisation, opens its credit account with the signup
// bonus and, when AdminEmail is set, adds its first admin.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Organisation, *User, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Domain = strings.ToLower(strings.TrimSpace(req.Domain))
	if req.Name == "" || req.Domain == "" {
		return nil, nil, fmt.Errorf("%w: name and domain are required", ErrInvalidArgument)
	}

	org := &Organisation{
		ID:     s.node.Generate().String(),
		Name:   req.Name,
		Slug:   slug.Make(req.Name),
		Domain: req.Domain,
	}

	var admin *User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(org).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return ErrDomainTaken
			}
			return err
		}

		if _, err := s.credit.WithTrx(tx).CreateAccount(ctx, org.ID, s.bonus); err != nil {
			return fmt.Errorf("open credit account: %w", err)
		}

		if req.AdminEmail == "" {
			return nil
		}
		admin = &User{
			ID:             s.node.Generate().String(),
			OrganisationID: org.ID,
			Email:          strings.ToLower(strings.TrimSpace(req.AdminEmail)),
			Name:           req.AdminName,
			Role:           RoleAdmin,
		}
		if err := tx.Create(admin).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return ErrEmailTaken
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	zap.L().Info("[Organisation] created",
		zap.String("organisation_id", org.ID),
		zap.String("slug", org.Slug),
		zap.Int64("signup_bonus", s.bonus),
	)
	return org, admin, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Organisation, error) {
	org, err := s.orgs.FindOne(ctx, &Organisation{ID: id})
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, ErrNotFound
	}
	return org, nil
}

func (s *Service) GetByDomain(ctx context.Context, domain string) (*Organisation, error) {
	org, err := s.orgs.FindOne(ctx, &Organisation{Domain: strings.ToLower(domain)})
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, ErrNotFound
	}
	return org, nil
}

func (s *Service) AddUser(ctx context.Context, organisationID, email, name string, role Role) (*User, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if _, err := s.Get(ctx, organisationID); err != nil {
		return nil, err
	}

	u := &User{
		ID:             s.node.Generate().String(),
		OrganisationID: organisationID,
		Email:          strings.ToLower(strings.TrimSpace(email)),
		Name:           name,
		Role:           role,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return u, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := s.users.FindOne(ctx, &User{ID: id})
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// SetWebhook stores the organisation's endpoint. An empty secret is replaced
// with a generated one, which is returned once.
func (s *Service) SetWebhook(ctx context.Context, organisationID, rawURL, secret string) (*Webhook, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidWebhook
	}
	if secret == "" {
		secret = "whsec_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	endpoint := u.String()

	res := s.db.WithContext(ctx).Model(&Organisation{}).
		Where("id = ?", organisationID).
		Updates(map[string]any{"webhook_url": endpoint, "webhook_secret": secret})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &Webhook{URL: endpoint, Secret: secret, Configured: true}, nil
}

func (s *Service) GetWebhook(ctx context.Context, organisationID string) (*Webhook, error) {
	org, err := s.Get(ctx, organisationID)
	if err != nil {
		return nil, err
	}
	if org.WebhookURL == nil || *org.WebhookURL == "" {
		return &Webhook{}, nil
	}
	return &Webhook{URL: *org.WebhookURL, Configured: true}, nil
}

func (s *Service) DeleteWebhook(ctx context.Context, organisationID string) error {
	res := s.db.WithContext(ctx).Model(&Organisation{}).
		Where("id = ?", organisationID).
		Updates(map[string]any{"webhook_url": nil, "webhook_secret": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Endpoint returns the organisation's webhook url and signing secret. url is
// empty when no webhook is configured.
func (s *Service) Endpoint(ctx context.Context, organisationID string) (string, string, error) {
	org, err := s.Get(ctx, organisationID)
	if errors.Is(err, ErrNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	if org.WebhookURL == nil {
		return "", "", nil
	}
	secret := ""
	if org.WebhookSecret != nil {
		secret = *org.WebhookSecret
	}
	return *org.WebhookURL, secret, nil
}

package organisation

import (
	"errors"
	"net/http"

	"nexus-pipeline/pkg/authz"
	"nexus-pipeline/pkg/errutil"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc      *Service
	enforcer *casbin.SyncedEnforcer
}

func NewHandler(svc *Service, enforcer *casbin.SyncedEnforcer) *Handler {
	return &Handler{svc: svc, enforcer: enforcer}
}

// RegisterPublic mounts routes that need no caller identity.
func (h *Handler) RegisterPublic(r gin.IRouter) {
	r.POST("/organisations", h.create)
}

// Register mounts routes behind Identity.
func (h *Handler) Register(r gin.IRouter) {
	view := authz.Require(h.enforcer, RoleOf, authz.ObjectWebhook, authz.ActionView)
	manage := authz.Require(h.enforcer, RoleOf, authz.ObjectWebhook, authz.ActionManage)

	r.GET("/webhook", view, h.getWebhook)
	r.PUT("/webhook", manage, h.setWebhook)
	r.DELETE("/webhook", manage, h.deleteWebhook)
}

type createRequest struct {
	Name       string `json:"name" binding:"required"`
	Domain     string `json:"domain" binding:"required"`
	AdminEmail string `json:"admin_email" binding:"required,email"`
	AdminName  string `json:"admin_name"`
}

func (h *Handler) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	org, admin, err := h.svc.Create(c.Request.Context(), CreateRequest{
		Name:       req.Name,
		Domain:     req.Domain,
		AdminEmail: req.AdminEmail,
		AdminName:  req.AdminName,
	})
	if err != nil {
		_ = c.Error(toHTTPError(err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"organisation": org, "admin": admin})
}

type webhookRequest struct {
	URL    string `json:"url" binding:"required"`
	Secret string `json:"secret"`
}

func (h *Handler) setWebhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	wh, err := h.svc.SetWebhook(c.Request.Context(), OrganisationID(c), req.URL, req.Secret)
	if err != nil {
		_ = c.Error(toHTTPError(err))
		return
	}
	c.JSON(http.StatusOK, wh)
}

func (h *Handler) getWebhook(c *gin.Context) {
	wh, err := h.svc.GetWebhook(c.Request.Context(), OrganisationID(c))
	if err != nil {
		_ = c.Error(toHTTPError(err))
		return
	}
	c.JSON(http.StatusOK, wh)
}

func (h *Handler) deleteWebhook(c *gin.Context) {
	if err := h.svc.DeleteWebhook(c.Request.Context(), OrganisationID(c)); err != nil {
		_ = c.Error(toHTTPError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUserNotFound):
		return errutil.NotFound(err.Error(), err)
	case errors.Is(err, ErrDomainTaken), errors.Is(err, ErrEmailTaken):
		return errutil.Conflict(err.Error(), err)
	case errors.Is(err, ErrInvalidWebhook), errors.Is(err, ErrInvalidRole), errors.Is(err, ErrInvalidArgument):
		return errutil.ValidationFailed(err.Error(), err)
	default:
		return errutil.Internal("organisation request failed", err)
	}
}

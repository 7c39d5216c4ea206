package pipeline

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"nexus-pipeline/pkg/authz"
	"nexus-pipeline/pkg/errutil"
	"nexus-pipeline/pkg/middleware"
	"nexus-pipeline/services/credit"
	"nexus-pipeline/services/job"
	"nexus-pipeline/services/ratelimit"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRetryAfter         = "Retry-After"
)

type Handler struct {
	submitter *Submitter
	jobs      *job.Service
	enforcer  *casbin.SyncedEnforcer
}

type HandlerParams struct {
	fx.In
	Submitter *Submitter
	Jobs      *job.Service
	Enforcer  *casbin.SyncedEnforcer
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{submitter: p.Submitter, jobs: p.Jobs, enforcer: p.Enforcer}
}

// Register mounts the job routes. roleOf reports the caller's role as set by
// the identity middleware.
func (h *Handler) Register(r gin.IRouter, roleOf func(*gin.Context) string) {
	view := authz.Require(h.enforcer, roleOf, authz.ObjectJob, authz.ActionView)
	create := authz.Require(h.enforcer, roleOf, authz.ObjectJob, authz.ActionCreate)

	r.POST("/jobs", create, h.submit)
	r.GET("/jobs", view, h.list)
	r.GET("/jobs/:id", view, h.get)
}

type submitRequest struct {
	JobType string         `json:"job_type" binding:"required"`
	Input   map[string]any `json:"input"`
}

type submitResponse struct {
	ID              string     `json:"id"`
	Status          job.Status `json:"status"`
	JobType         job.Type   `json:"job_type"`
	CreditsDeducted int64      `json:"credits_deducted"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (h *Handler) submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	input, err := marshalInput(req.Input)
	if err != nil {
		_ = c.Error(errutil.BadRequest("invalid input", err))
		return
	}

	res, err := h.submitter.Submit(c.Request.Context(), SubmitRequest{
		OrganisationID: c.GetString(middleware.OrganisationKey),
		UserID:         c.GetString(middleware.UserKey),
		Type:           req.JobType,
		Input:          input,
	})
	if res != nil {
		setRateLimitHeaders(c, res.Decision)
	}
	if err != nil {
		_ = c.Error(toHTTPError(err))
		return
	}

	c.JSON(http.StatusAccepted, submitResponse{
		ID:              res.Job.ID,
		Status:          res.Job.Status,
		JobType:         res.Job.Type,
		CreditsDeducted: res.Job.Cost,
		CreatedAt:       res.Job.CreatedAt,
	})
}

func (h *Handler) get(c *gin.Context) {
	j, err := h.jobs.Get(c.Request.Context(), c.GetString(middleware.OrganisationKey), c.Param("id"))
	if err != nil {
		_ = c.Error(toHTTPError(err))
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *Handler) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	out, err := h.jobs.List(c.Request.Context(), c.GetString(middleware.OrganisationKey), job.ListRequest{
		Limit:  limit,
		Cursor: c.Query("cursor"),
	})
	if err != nil {
		_ = c.Error(toHTTPError(err))
		return
	}
	c.JSON(http.StatusOK, out)
}

func setRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	c.Header(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	c.Header(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining()))
	if !d.Allowed {
		c.Header(HeaderRetryAfter, strconv.Itoa(d.RetryAfter))
	}
}

func toHTTPError(err error) error {
	var exceeded *ratelimit.ExceededError
	switch {
	case errors.As(err, &exceeded):
		return errutil.TooManyRequest("rate limit exceeded", err)
	case errors.Is(err, credit.ErrInsufficientBalance):
		return errutil.PaymentRequired("insufficient credits", err)
	case errors.Is(err, credit.ErrAccountNotFound):
		return errutil.PaymentRequired("organisation has no credit account", err)
	case errors.Is(err, job.ErrInvalidJobType), errors.Is(err, job.ErrValidation):
		return errutil.BadRequest(err.Error(), err)
	case errors.Is(err, job.ErrNotFound):
		return errutil.NotFound("job not found", err)
	case errors.Is(err, ErrEnqueueFailed):
		return errutil.ServiceUnavailable("job could not be queued, credits refunded", err)
	default:
		return errutil.Internal("job request failed", err)
	}
}

func marshalInput(in map[string]any) ([]byte, error) {
	if in == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(in)
}

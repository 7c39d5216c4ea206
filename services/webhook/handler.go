package webhook

import (
	"net/http"
	"strconv"

	"nexus-pipeline/pkg/errutil"
	"nexus-pipeline/pkg/middleware"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter, guards ...gin.HandlerFunc) {
	r.GET("/webhook/deliveries", append(guards, h.list)...)
}

func (h *Handler) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	out, err := h.svc.List(c.Request.Context(), c.GetString(middleware.OrganisationKey), c.Query("job_id"), limit)
	if err != nil {
		_ = c.Error(errutil.Internal("failed to list deliveries", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": out})
}

package credit

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
	r.GET("/credits", append(guards, h.balance)...)
}

// balance returns the current balance with the most recent ledger rows.
func (h *Handler) balance(c *gin.Context) {
	ctx := c.Request.Context()
	org := c.GetString(middleware.OrganisationKey)
	limit, _ := strconv.Atoi(c.Query("limit"))

	balance, err := h.svc.GetBalance(ctx, org)
	if err != nil {
		_ = c.Error(errutil.Internal("failed to read balance", err))
		return
	}
	txns, err := h.svc.ListTransactions(ctx, org, limit)
	if err != nil {
		_ = c.Error(errutil.Internal("failed to list transactions", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"organisation_id": org,
		"balance":         balance,
		"transactions":    txns,
	})
}

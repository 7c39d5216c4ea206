package credit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"nexus-pipeline/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestBalanceHandler(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateAccount(ctx, "org-1", 100)
	require.NoError(t, err)
	_, err = svc.Deduct(ctx, DeductRequest{OrganisationID: "org-1", Amount: 10, JobID: "job-1"})
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(svc).Register(r, func(c *gin.Context) {
		c.Set(middleware.OrganisationKey, "org-1")
		c.Next()
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/credits", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Balance      int64          `json:"balance"`
		Transactions []*Transaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, int64(90), body.Balance)
	require.Len(t, body.Transactions, 2)
	require.Equal(t, KindDeduction, body.Transactions[0].Kind)
}

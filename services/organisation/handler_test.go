package organisation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"nexus-pipeline/pkg/authz"
	"nexus-pipeline/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, _ := newTestService(t)
	enforcer, err := authz.NewEnforcer()
	require.NoError(t, err)

	h := NewHandler(svc, enforcer)
	r := gin.New()
	r.Use(middleware.Error())
	v1 := r.Group("/v1")
	h.RegisterPublic(v1)
	h.Register(v1.Group("", Identity(svc)))
	return r, svc
}

func do(r http.Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateOrganisationHandler(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/v1/organisations", "", `{"name":"Acme","domain":"acme.io","admin_email":"a@acme.io"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(r, http.MethodPost, "/v1/organisations", "", `{"name":"Acme","domain":"acme.io","admin_email":"b@acme.io"}`)
	require.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, "/v1/organisations", "", `{"name":"Acme"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookRoutesEnforceRoles(t *testing.T) {
	r, svc := newTestRouter(t)
	ctx := context.Background()

	org, admin, err := svc.Create(ctx, CreateRequest{Name: "A", Domain: "a.io", AdminEmail: "admin@a.io"})
	require.NoError(t, err)
	member, err := svc.AddUser(ctx, org.ID, "member@a.io", "M", RoleMember)
	require.NoError(t, err)

	w := do(r, http.MethodGet, "/v1/webhook", "", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodGet, "/v1/webhook", "nobody", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPut, "/v1/webhook", member.ID, `{"url":"https://example.com/hook"}`)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPut, "/v1/webhook", admin.ID, `{"url":"https://example.com/hook","secret":"s3cret"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/v1/webhook", member.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got Webhook
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.True(t, got.Configured)
	require.Equal(t, "https://example.com/hook", got.URL)

	w = do(r, http.MethodPut, "/v1/webhook", admin.ID, `{"url":"not a url"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodDelete, "/v1/webhook", admin.ID, "")
	require.Equal(t, http.StatusNoContent, w.Code)
}

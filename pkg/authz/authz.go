package authz

import (
	_ "embed"
	"fmt"
	"net/http"

	"nexus-pipeline/pkg/errutil"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

//go:embed model.conf
var modelText string

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

const (
	ObjectJob     = "job"
	ObjectCredit  = "credit"
	ObjectWebhook = "webhook"
)

const (
	ActionView   = "view"
	ActionCreate = "create"
	ActionManage = "manage"
)

var Module = fx.Module("authz", fx.Provide(NewEnforcer))

// NewEnforcer builds an in-memory RBAC enforcer. Admins inherit every member
// permission.
func NewEnforcer() (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{"role:member", ObjectJob, ActionView},
		{"role:member", ObjectJob, ActionCreate},
		{"role:member", ObjectCredit, ActionView},
		{"role:member", ObjectWebhook, ActionView},

		{"role:admin", ObjectWebhook, ActionManage},
	}
	if _, err := enforcer.AddPolicies(policies); err != nil {
		return fmt.Errorf("seed policies: %w", err)
	}
	if _, err := enforcer.AddGroupingPolicy("role:admin", "role:member"); err != nil {
		return fmt.Errorf("seed role hierarchy: %w", err)
	}
	return nil
}

func Subject(role string) string {
	return "role:" + role
}

// Require aborts with 403 unless the role returned by roleOf may perform act
// on obj.
func Require(enforcer *casbin.SyncedEnforcer, roleOf func(*gin.Context) string, obj, act string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := roleOf(c)
		ok, err := enforcer.Enforce(Subject(role), obj, act)
		if err != nil {
			zap.L().Error("[Authz] enforce failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, errutil.BaseError{
				Code:    errutil.StatusInternal,
				Message: "authorization unavailable",
			}.JSON())
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, errutil.BaseError{
				Code:    errutil.StatusForbidden,
				Message: fmt.Sprintf("role %q may not %s %s", role, act, obj),
			}.JSON())
			return
		}
		c.Next()
	}
}

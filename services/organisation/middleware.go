package organisation

import (
	"errors"
	"strings"

	"nexus-pipeline/pkg/errutil"
	"nexus-pipeline/pkg/middleware"

	"github.com/gin-gonic/gin"
)

const (
	HeaderUserID = "X-User-ID"
	userKey      = "user"
)

// Identity resolves the X-User-ID header into the caller and their
// organisation. Requests without a known user are rejected with 401.
func Identity(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if id == "" {
			abort(c, errutil.Unauthorized("missing "+HeaderUserID+" header", nil))
			return
		}

		u, err := svc.GetUser(c.Request.Context(), id)
		if errors.Is(err, ErrUserNotFound) {
			abort(c, errutil.Unauthorized("unknown user", nil))
			return
		}
		if err != nil {
			abort(c, errutil.Internal("failed to resolve user", err))
			return
		}

		c.Set(userKey, u)
		c.Set(middleware.OrganisationKey, u.OrganisationID)
		c.Set(middleware.UserKey, u.ID)
		c.Next()
	}
}

func abort(c *gin.Context, err error) {
	be, _ := errutil.As(err)
	c.AbortWithStatusJSON(be.Code.HTTPStatus(), be.JSON())
}

func CurrentUser(c *gin.Context) *User {
	v, ok := c.Get(userKey)
	if !ok {
		return nil
	}
	u, _ := v.(*User)
	return u
}

func OrganisationID(c *gin.Context) string {
	return c.GetString(middleware.OrganisationKey)
}

// RoleOf returns the caller's role, or "" for anonymous requests.
func RoleOf(c *gin.Context) string {
	if u := CurrentUser(c); u != nil {
		return string(u.Role)
	}
	return ""
}

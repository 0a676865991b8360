package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/syncpad/syncpad/internal/auth"
	apperrors "github.com/syncpad/syncpad/pkg/errors"
	"github.com/syncpad/syncpad/pkg/response"
)

const (
	// CtxIdentityKey holds the resolved auth.Identity on the request context.
	CtxIdentityKey = "authIdentity"
	// CtxUserIDKey holds the resolved user id on the request context.
	CtxUserIDKey = "userID"
)

// Auth resolves the bearer credential through the external authentication
// service. Connections without a verified identity never reach a handler.
func Auth(authenticator iauth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := bearerCredential(c)
		if credential == "" {
			response.Error(c, apperrors.ErrUnauthorized)
			c.Abort()
			return
		}

		identity, err := authenticator.Resolve(c.Request.Context(), credential)
		if err != nil {
			if !errors.Is(err, iauth.ErrNoIdentity) {
				response.Error(c, apperrors.Wrap(err, "authentication failed"))
				c.Abort()
				return
			}
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, apperrors.ErrUnauthorized)
			c.Abort()
			return
		}

		c.Set(CtxIdentityKey, identity)
		c.Set(CtxUserIDKey, identity.UserID)
		c.Next()
	}
}

// bearerCredential extracts the credential from the Authorization header,
// falling back to the access_token query parameter for websocket upgrades
// where browsers cannot set headers.
func bearerCredential(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) >= 8 && strings.EqualFold(authz[:7], "Bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return strings.TrimSpace(c.Query("access_token"))
}

// IdentityFromContext returns the identity stored by Auth.
func IdentityFromContext(c *gin.Context) (iauth.Identity, bool) {
	value, ok := c.Get(CtxIdentityKey)
	if !ok {
		return iauth.Identity{}, false
	}
	identity, ok := value.(iauth.Identity)
	return identity, ok
}

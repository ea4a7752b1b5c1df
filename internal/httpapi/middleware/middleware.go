package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-sync/internal/common"
)

// PrincipalKey is the gin context key holding the authenticated subject.
const PrincipalKey = "principal"

const RequestIDHeader = "X-Request-Id"

// AuthRequired validates the bearer token and stores its subject as the
// principal for ownership checks.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}
		raw := strings.TrimPrefix(h, "Bearer ")

		claims := jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid || claims.Subject == "" {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			c.Abort()
			return
		}

		c.Set(PrincipalKey, claims.Subject)
		c.Next()
	}
}

// RequestID tags every request with a correlation id, generating one when the
// client did not send one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Set(RequestIDHeader, id)
		c.Next()
	}
}

// Recovery converts panics into 500 envelopes and logs them.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in handler",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path))
				common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// OwnerOnly rejects authenticated subjects other than the owner the sync core
// runs as. The daemon hosts a single owner's session; a token for anyone else
// must not operate it.
func OwnerOnly(owner func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, ok := Principal(c)
		if !ok || sub != owner() {
			common.Fail(c, http.StatusForbidden, 40302, "forbidden for this principal")
			c.Abort()
			return
		}
		c.Next()
	}
}

// Principal returns the authenticated subject set by AuthRequired.
func Principal(c *gin.Context) (string, bool) {
	v, ok := c.Get(PrincipalKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

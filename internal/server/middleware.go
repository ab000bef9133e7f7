package server

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apikeydomain "github.com/smallbiznis/meterline/internal/apikey/domain"
)

const (
	contextIdentityKey  = "identity"
	contextRequestIDKey = "request_id"

	headerRequestID = "X-Request-ID"
)

// RequestID assigns a correlation id to every request. Incoming ids are
// honored so callers can stitch traces across services.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(contextRequestIDKey, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func requestIDFrom(c *gin.Context) string {
	if id, ok := c.Get(contextRequestIDKey); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// RequestTimeout bounds every request with the configured deadline.
// In-flight store calls are cancelled at the deadline; committed writes
// stand and idempotency keys protect retries.
func (s *Server) RequestTimeout() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// APIKeyRequired authenticates requests using a bearer API key.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			AbortWithError(c, apikeydomain.ErrInvalidKey)
			return
		}
		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, apikeydomain.ErrInvalidKey)
			return
		}

		identity, err := s.apikeysvc.Validate(c.Request.Context(), parts[1])
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Set(contextIdentityKey, identity)
		c.Next()
	}
}

// RequireScope gates a route on one permission. Membership only, no
// hierarchy.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := identityFrom(c)
		if !ok {
			AbortWithError(c, apikeydomain.ErrInvalidKey)
			return
		}
		if !apikeydomain.HasScope(identity.Scopes, scope) {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

func identityFrom(c *gin.Context) (apikeydomain.Identity, bool) {
	value, ok := c.Get(contextIdentityKey)
	if !ok {
		return apikeydomain.Identity{}, false
	}
	identity, ok := value.(apikeydomain.Identity)
	return identity, ok
}

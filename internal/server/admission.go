package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/meterline/internal/ratelimit"
)

// RateLimited runs admission control before any pipeline work. Rejections
// carry Retry-After and the X-RateLimit family; admitted requests expose
// their remaining budget the same way.
func (s *Server) RateLimited() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.metrics != nil {
			s.metrics.SetBreakerOpen(s.cache.BreakerOpen())
		}

		identity, ok := identityFrom(c)
		if !ok {
			c.Next()
			return
		}

		policy, err := ratelimit.PolicyFor(c.Request.Context(), s.db, identity.OrgID, identity.KeyID)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		decision, err := s.limiter.Admit(c.Request.Context(), identity.OrgID.String(), policy)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		if !decision.Unlimited {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		}

		if !decision.Allowed {
			retryAfter := int64(decision.RetryAfter.Seconds())
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			if s.metrics != nil {
				s.metrics.RecordRateLimitRejection()
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
				Error: "rate limit exceeded",
				Code:  CodeRateLimitExceeded,
				Details: map[string]any{
					"limit":       decision.Limit,
					"retry_after": retryAfter,
					"reset_at":    decision.ResetAt.Unix(),
				},
			})
			return
		}
		c.Next()
	}
}

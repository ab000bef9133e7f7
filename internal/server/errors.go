package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/meterline/internal/apikey/domain"
	invoicedomain "github.com/smallbiznis/meterline/internal/invoice/domain"
	quotadomain "github.com/smallbiznis/meterline/internal/quota/domain"
	subscriptiondomain "github.com/smallbiznis/meterline/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/meterline/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
)

// Error codes of the public envelope.
const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeQuotaExceeded     = "QUOTA_EXCEEDED"
	CodeInternalError     = "INTERNAL_ERROR"
)

var ErrForbidden = errors.New("forbidden")

type errorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError carries a fully shaped envelope through gin's error list.
type apiError struct {
	status  int
	code    string
	message string
	details map[string]any
}

func (e *apiError) Error() string { return e.code }

func newAPIError(status int, code, message string, details map[string]any) *apiError {
	return &apiError{status: status, code: code, message: message, details: details}
}

// AbortWithError defers response shaping to the error middleware.
func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

// ErrorHandlingMiddleware renders the last accumulated error as the public
// envelope. Internal detail never leaks; 5xx responses carry the request id.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status >= http.StatusInternalServerError {
			if payload.Details == nil {
				payload.Details = map[string]any{}
			}
			payload.Details["request_id"] = requestIDFrom(c)
		}
		c.AbortWithStatusJSON(status, payload)
	}
}

func mapError(err error) (int, errorResponse) {
	var shaped *apiError
	if errors.As(err, &shaped) {
		return shaped.status, errorResponse{
			Error:   shaped.message,
			Code:    shaped.code,
			Details: shaped.details,
		}
	}

	var quotaErr *usagedomain.QuotaExceededError
	if errors.As(err, &quotaErr) {
		return http.StatusForbidden, errorResponse{
			Error:   "quota exceeded",
			Code:    CodeQuotaExceeded,
			Details: map[string]any{"violations": violationsPayload(quotaErr.Violations)},
		}
	}

	switch {
	case errors.Is(err, apikeydomain.ErrInvalidKey),
		errors.Is(err, apikeydomain.ErrKeyRevoked),
		errors.Is(err, apikeydomain.ErrKeyExpired):
		return http.StatusUnauthorized, errorResponse{
			Error: "unauthorized",
			Code:  CodeUnauthorized,
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorResponse{
			Error: "forbidden",
			Code:  CodeForbidden,
		}
	case isValidationError(err):
		return http.StatusBadRequest, errorResponse{
			Error:   "invalid request",
			Code:    CodeInvalidRequest,
			Details: map[string]any{"reason": err.Error()},
		}
	default:
		return http.StatusInternalServerError, errorResponse{
			Error: "internal server error",
			Code:  CodeInternalError,
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, usagedomain.ErrInvalidEventType),
		errors.Is(err, usagedomain.ErrInvalidTenantID),
		errors.Is(err, usagedomain.ErrInvalidQuantity),
		errors.Is(err, usagedomain.ErrInvalidTimestamp),
		errors.Is(err, usagedomain.ErrInvalidIdempotencyKey),
		errors.Is(err, usagedomain.ErrEmptyBatch),
		errors.Is(err, usagedomain.ErrBatchTooLarge),
		errors.Is(err, tenantdomain.ErrInvalidExternalID),
		errors.Is(err, invoicedomain.ErrInvalidPeriod),
		errors.Is(err, invoicedomain.ErrTenantNotFound),
		errors.Is(err, subscriptiondomain.ErrInvalidStatus):
		return true
	default:
		return false
	}
}

// violationsPayload shapes batch quota violations for the envelope.
func violationsPayload(violations []usagedomain.BatchViolation) []map[string]any {
	out := make([]map[string]any, 0, len(violations))
	for _, v := range violations {
		out = append(out, map[string]any{
			"tenant_id":  v.TenantExternalID,
			"event_type": v.EventType,
			"details":    quotaDetails(v.Result),
		})
	}
	return out
}

func quotaDetails(result quotadomain.Result) map[string]any {
	details := map[string]any{
		"current":          result.Current.String(),
		"limit":            result.Limit.String(),
		"enforcement_mode": string(result.EnforcementMode),
		"reset_at":         result.ResetAt.UTC().Format(time.RFC3339),
	}
	if result.SoftLimit != nil {
		details["soft_limit"] = result.SoftLimit.String()
	}
	if result.GracePeriodEnd != nil {
		details["grace_period_end"] = result.GracePeriodEnd.UTC().Format(time.RFC3339)
	}
	return details
}

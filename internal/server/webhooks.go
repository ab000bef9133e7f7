package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/meterline/internal/subscription/domain"
)

const headerPSPSignature = "X-PSP-Signature"

type pspWebhookEvent struct {
	Type string `json:"type"`
	Data struct {
		SubscriptionID string `json:"subscription_id"`
		Status         string `json:"status"`
	} `json:"data"`
}

// PSPWebhook applies HMAC-signed subscription status changes from the
// payment processor.
func (s *Server) PSPWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "unreadable body", nil))
		return
	}

	if !s.verifyPSPSignature(body, c.GetHeader(headerPSPSignature)) {
		AbortWithError(c, newAPIError(http.StatusUnauthorized, CodeUnauthorized, "invalid signature", nil))
		return
	}

	var event pspWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		AbortWithError(c, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body", nil))
		return
	}

	ref := strings.TrimSpace(event.Data.SubscriptionID)
	status := subscriptiondomain.SubscriptionStatus(strings.ToUpper(strings.TrimSpace(event.Data.Status)))
	if ref == "" || !subscriptiondomain.ValidStatus(status) {
		AbortWithError(c, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "invalid webhook payload", nil))
		return
	}

	if err := s.subsvc.ApplyStatus(c.Request.Context(), ref, status); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (s *Server) verifyPSPSignature(body []byte, signature string) bool {
	secret := s.cfg.PSPWebhookSecret
	if secret == "" {
		return false
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

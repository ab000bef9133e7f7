package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// OperatorRequired guards the scheduled-operation endpoints with the
// operator secret.
func (s *Server) OperatorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		parts := strings.Fields(header)
		if s.cfg.CronSecret == "" || len(parts) != 2 || parts[0] != "Bearer" ||
			subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.cfg.CronSecret)) != 1 {
			AbortWithError(c, newAPIError(http.StatusUnauthorized, CodeUnauthorized, "unauthorized", nil))
			return
		}
		c.Next()
	}
}

type snapshotRequest struct {
	Date string `json:"date"`
}

// BuildSnapshots rolls up one UTC day, defaulting to yesterday. Replays are
// idempotent.
func (s *Server) BuildSnapshots(c *gin.Context) {
	var req snapshotRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body", nil))
			return
		}
	}

	date := time.Now().UTC().AddDate(0, 0, -1)
	if raw := strings.TrimSpace(req.Date); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			AbortWithError(c, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "invalid date", map[string]any{"field": "date"}))
			return
		}
		date = parsed
	}

	written, err := s.snapshots.BuildDate(c.Request.Context(), date)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"date":      date.UTC().Format("2006-01-02"),
		"snapshots": written,
	})
}

type buildInvoiceRequest struct {
	TenantID    string `json:"tenant_id"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

// BuildInvoice prices one tenant's period and returns the committed invoice
// with its line items.
func (s *Server) BuildInvoice(c *gin.Context) {
	var req buildInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body", nil))
		return
	}

	tenantID, err := snowflake.ParseString(strings.TrimSpace(req.TenantID))
	if err != nil || tenantID == 0 {
		AbortWithError(c, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "invalid tenant_id", map[string]any{"field": "tenant_id"}))
		return
	}
	periodStart, err := parsePeriodBound(req.PeriodStart)
	if err != nil {
		AbortWithError(c, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "invalid period_start", map[string]any{"field": "period_start"}))
		return
	}
	periodEnd, err := parsePeriodBound(req.PeriodEnd)
	if err != nil {
		AbortWithError(c, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "invalid period_end", map[string]any{"field": "period_end"}))
		return
	}

	ctx := c.Request.Context()
	if s.cfg.InvoiceBuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.InvoiceBuildTimeout)
		defer cancel()
	}
	result, err := s.invoicesvc.BuildInvoice(ctx, tenantID, periodStart, periodEnd)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	lineItems := make([]gin.H, 0, len(result.LineItems))
	for _, item := range result.LineItems {
		lineItems = append(lineItems, gin.H{
			"event_type":        item.EventType,
			"quantity":          item.Quantity,
			"unit_price":        item.UnitPrice,
			"total_price_cents": item.TotalPriceCents,
			"breakdown":         item.Breakdown,
		})
	}

	invoice := result.Invoice
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"invoice_id":     invoice.ID.String(),
		"invoice_number": invoice.InvoiceNumber,
		"status":         string(invoice.Status),
		"period_start":   invoice.PeriodStart.UTC().Format(time.RFC3339),
		"period_end":     invoice.PeriodEnd.UTC().Format(time.RFC3339),
		"subtotal_cents": invoice.SubtotalCents,
		"tax_cents":      invoice.TaxCents,
		"total_cents":    invoice.TotalCents,
		"due_date":       invoice.DueDate.UTC().Format(time.RFC3339),
		"line_items":     lineItems,
	})
}

func parsePeriodBound(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed, nil
	}
	return time.Parse("2006-01-02", raw)
}

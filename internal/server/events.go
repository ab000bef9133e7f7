package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	tenantdomain "github.com/smallbiznis/meterline/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
)

type eventPayload struct {
	EventType      string           `json:"event_type"`
	TenantID       string           `json:"tenant_id"`
	Quantity       *decimal.Decimal `json:"quantity"`
	Metadata       map[string]any   `json:"metadata"`
	Timestamp      string           `json:"timestamp"`
	IdempotencyKey string           `json:"idempotency_key"`
}

type batchPayload struct {
	Events []eventPayload `json:"events"`
}

// IngestEvents accepts a single event or a batch of up to 1000, runs the
// full pipeline, and answers positionally.
func (s *Server) IngestEvents(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "unreadable body", nil))
		return
	}

	payloads, single, err := parseIngestBody(body)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	inputs := make([]usagedomain.EventInput, 0, len(payloads))
	for i, p := range payloads {
		input, err := p.toInput()
		if err != nil {
			AbortWithError(c, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "invalid event", map[string]any{
				"index": i,
				"field": fieldOf(err),
			}))
			return
		}
		inputs = append(inputs, input)
	}

	identity, _ := identityFrom(c)
	results, err := s.usagesvc.Ingest(c.Request.Context(), identity.OrgID, inputs)
	if err != nil {
		var quotaErr *usagedomain.QuotaExceededError
		if single && errors.As(err, &quotaErr) && len(quotaErr.Violations) == 1 {
			v := quotaErr.Violations[0]
			AbortWithError(c, newAPIError(http.StatusForbidden, CodeQuotaExceeded, "quota exceeded", quotaDetails(v.Result)))
			return
		}
		AbortWithError(c, err)
		return
	}

	if single {
		c.JSON(http.StatusOK, gin.H{
			"success":      true,
			"event_id":     results[0].EventID.String(),
			"deduplicated": results[0].Deduplicated,
		})
		return
	}

	eventIDs := make([]string, 0, len(results))
	events := make([]gin.H, 0, len(results))
	deduplicated := 0
	for _, r := range results {
		eventIDs = append(eventIDs, r.EventID.String())
		entry := gin.H{
			"id":           r.EventID.String(),
			"tenant_id":    r.TenantExternalID,
			"event_type":   r.EventType,
			"deduplicated": r.Deduplicated,
		}
		if r.IdempotencyKey != "" {
			entry["idempotency_key"] = r.IdempotencyKey
		}
		events = append(events, entry)
		if r.Deduplicated {
			deduplicated++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"count":        len(results),
		"new_events":   len(results) - deduplicated,
		"deduplicated": deduplicated,
		"event_ids":    eventIDs,
		"events":       events,
	})
}

func parseIngestBody(body []byte) ([]eventPayload, bool, error) {
	var batch batchPayload
	if err := json.Unmarshal(body, &batch); err == nil && batch.Events != nil {
		if len(batch.Events) == 0 {
			return nil, false, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "events must not be empty", nil)
		}
		if len(batch.Events) > usagedomain.MaxBatchSize {
			return nil, false, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "too many events", map[string]any{
				"max": usagedomain.MaxBatchSize,
			})
		}
		return batch.Events, false, nil
	}

	var one eventPayload
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, false, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body", nil)
	}
	return []eventPayload{one}, true, nil
}

func (p eventPayload) toInput() (usagedomain.EventInput, error) {
	input := usagedomain.EventInput{
		EventType:        strings.TrimSpace(p.EventType),
		TenantExternalID: strings.TrimSpace(p.TenantID),
		Metadata:         p.Metadata,
		IdempotencyKey:   strings.TrimSpace(p.IdempotencyKey),
	}

	if p.Quantity != nil {
		input.Quantity = *p.Quantity
	} else {
		input.Quantity = decimal.NewFromInt(1)
	}

	if ts := strings.TrimSpace(p.Timestamp); ts != "" {
		// RFC 3339 requires an explicit offset; naive timestamps are
		// rejected rather than guessed at.
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return input, usagedomain.ErrInvalidTimestamp
		}
		input.Timestamp = &parsed
	}
	return input, nil
}

func fieldOf(err error) string {
	switch {
	case errors.Is(err, usagedomain.ErrInvalidEventType):
		return "event_type"
	case errors.Is(err, usagedomain.ErrInvalidTenantID):
		return "tenant_id"
	case errors.Is(err, usagedomain.ErrInvalidQuantity):
		return "quantity"
	case errors.Is(err, usagedomain.ErrInvalidTimestamp):
		return "timestamp"
	case errors.Is(err, usagedomain.ErrInvalidIdempotencyKey):
		return "idempotency_key"
	default:
		return "request"
	}
}

// ListEvents returns events newest first, filtered by tenant, type, and
// date range.
func (s *Server) ListEvents(c *gin.Context) {
	identity, _ := identityFrom(c)

	req := usagedomain.ListRequest{
		TenantExternalID: c.Query("tenant_id"),
		EventType:        c.Query("event_type"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 1000 {
			AbortWithError(c, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "invalid limit", map[string]any{"field": "limit"}))
			return
		}
		req.Limit = limit
	}
	var ok bool
	if req.StartDate, ok = parseDateParam(c, "start_date"); !ok {
		return
	}
	if req.EndDate, ok = parseDateParam(c, "end_date"); !ok {
		return
	}

	rows, err := s.usagesvc.List(c.Request.Context(), identity.OrgID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	externals, err := s.tenantExternals(c, rows)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	events := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		entry := gin.H{
			"id":         row.ID.String(),
			"tenant_id":  externals[row.TenantID],
			"event_type": row.EventType,
			"quantity":   row.Quantity,
			"timestamp":  row.OccurredAt.UTC().Format(time.RFC3339),
		}
		if row.Metadata != nil {
			entry["metadata"] = row.Metadata
		}
		if row.IdempotencyKey != nil {
			entry["idempotency_key"] = *row.IdempotencyKey
		}
		if row.InvoiceID != nil {
			entry["invoice_id"] = row.InvoiceID.String()
		}
		if row.BilledAt != nil {
			entry["billed_at"] = row.BilledAt.UTC().Format(time.RFC3339)
		}
		events = append(events, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

func parseDateParam(c *gin.Context, name string) (*time.Time, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, true
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return &parsed, true
	}
	if parsed, err := time.Parse("2006-01-02", raw); err == nil {
		return &parsed, true
	}
	AbortWithError(c, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "invalid date", map[string]any{"field": name}))
	return nil, false
}

// tenantExternals maps tenant ids of the result set back to caller-facing
// external ids in one lookup.
func (s *Server) tenantExternals(c *gin.Context, rows []usagedomain.UsageEvent) (map[snowflake.ID]string, error) {
	ids := make([]snowflake.ID, 0, len(rows))
	seen := make(map[snowflake.ID]struct{}, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.TenantID]; ok {
			continue
		}
		seen[row.TenantID] = struct{}{}
		ids = append(ids, row.TenantID)
	}
	out := make(map[snowflake.ID]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var tenants []tenantdomain.Tenant
	err := s.db.WithContext(c.Request.Context()).
		Select("id", "external_id").
		Where("id IN ?", ids).
		Find(&tenants).Error
	if err != nil {
		return nil, err
	}
	for _, t := range tenants {
		out[t.ID] = t.ExternalID
	}
	return out, nil
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/config"
	invoicedomain "github.com/smallbiznis/meterline/internal/invoice/domain"
	orgdomain "github.com/smallbiznis/meterline/internal/organization/domain"
	pricingdomain "github.com/smallbiznis/meterline/internal/pricing/domain"
	tenantdomain "github.com/smallbiznis/meterline/internal/tenant/domain"
	"github.com/smallbiznis/meterline/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// numberAttempts bounds invoice-number retries when concurrent builds race
// on the same sequence position.
const numberAttempts = 8

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Cfg   config.Config
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	cfg   config.Config
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("invoice.service"),
		genID: p.GenID,
		cfg:   p.Cfg,
	}
}

func (s *Service) BuildInvoice(ctx context.Context, tenantID snowflake.ID, periodStart, periodEnd time.Time) (*invoicedomain.BuildResult, error) {
	if !periodEnd.After(periodStart) {
		return nil, invoicedomain.ErrInvalidPeriod
	}

	tenant, org, err := s.loadTenantAndOrg(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	tiers, err := s.loadTiers(ctx, org.ID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	dueDate := periodEnd.Add(time.Duration(s.cfg.InvoiceDueDays) * 24 * time.Hour)

	var result *invoicedomain.BuildResult
	for attempt := 0; attempt < numberAttempts; attempt++ {
		number, err := s.nextInvoiceNumber(ctx, org, attempt)
		if err != nil {
			return nil, err
		}

		result, err = s.buildOnce(ctx, tenant, org, number, periodStart, periodEnd, dueDate, tiers, now)
		if err != nil {
			if db.IsDuplicateKeyErr(err) {
				continue
			}
			return nil, err
		}
		return result, nil
	}
	return nil, invoicedomain.ErrNumberExhausted
}

// buildOnce runs the atomic unit: insert the invoice, claim unbilled events
// by backlinking them, then price exactly what was claimed. The
// invoice_id IS NULL filter on the claim is the serialization point, so
// concurrent builds over overlapping ranges cannot double-bill.
func (s *Service) buildOnce(
	ctx context.Context,
	tenant *tenantdomain.Tenant,
	org *orgdomain.Organization,
	number string,
	periodStart, periodEnd, dueDate time.Time,
	tiers map[string][]pricingdomain.PricingTier,
	now time.Time,
) (*invoicedomain.BuildResult, error) {
	invoice := invoicedomain.Invoice{
		ID:            s.genID.Generate(),
		OrgID:         org.ID,
		TenantID:      tenant.ID,
		InvoiceNumber: number,
		PeriodStart:   periodStart.UTC(),
		PeriodEnd:     periodEnd.UTC(),
		Status:        invoicedomain.InvoiceStatusDraft,
		DueDate:       dueDate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	var lineItems []invoicedomain.InvoiceLineItem

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&invoice).Error; err != nil {
			return err
		}

		// Claim the period's unbilled events. First commit wins.
		err := tx.Exec(
			`UPDATE usage_events
			 SET invoice_id = ?, billed_at = ?
			 WHERE tenant_id = ? AND occurred_at >= ? AND occurred_at <= ?
			   AND invoice_id IS NULL`,
			invoice.ID, now,
			tenant.ID, periodStart.UTC(), periodEnd.UTC(),
		).Error
		if err != nil {
			return err
		}

		// Price exactly what this invoice claimed, so line items and event
		// backlinks agree by construction.
		type claimRow struct {
			EventType string          `gorm:"column:event_type"`
			Quantity  decimal.Decimal `gorm:"column:total_quantity"`
		}
		var claims []claimRow
		err = tx.Raw(
			`SELECT event_type, SUM(quantity) AS total_quantity
			 FROM usage_events
			 WHERE invoice_id = ?
			 GROUP BY event_type
			 ORDER BY event_type`,
			invoice.ID,
		).Scan(&claims).Error
		if err != nil {
			return err
		}

		var subtotal int64
		for _, claim := range claims {
			if !claim.Quantity.IsPositive() {
				continue
			}
			item, err := s.priceLineItem(invoice.ID, claim.EventType, claim.Quantity, tiers[claim.EventType], now)
			if err != nil {
				return err
			}
			lineItems = append(lineItems, item)
			subtotal += item.TotalPriceCents
		}

		if len(lineItems) > 0 {
			if err := tx.Create(&lineItems).Error; err != nil {
				return err
			}
		}

		tax := decimal.NewFromInt(subtotal).
			Mul(decimal.NewFromFloat(s.cfg.TaxRate)).
			Round(0).IntPart()
		invoice.SubtotalCents = subtotal
		invoice.TaxCents = tax
		invoice.TotalCents = subtotal + tax

		return tx.Model(&invoicedomain.Invoice{}).
			Where("id = ?", invoice.ID).
			Updates(map[string]any{
				"subtotal_cents": invoice.SubtotalCents,
				"tax_cents":      invoice.TaxCents,
				"total_cents":    invoice.TotalCents,
				"updated_at":     now,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("invoice built",
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.String("tenant_id", tenant.ID.String()),
		zap.Int("line_items", len(lineItems)),
		zap.Int64("total_cents", invoice.TotalCents),
	)
	return &invoicedomain.BuildResult{Invoice: invoice, LineItems: lineItems}, nil
}

// priceLineItem walks the ordered tiers, consuming quantity band by band.
// If every tier starts above zero (misconfiguration) the whole quantity is
// priced at the first tier's unit price.
func (s *Service) priceLineItem(invoiceID snowflake.ID, eventType string, quantity decimal.Decimal, tiers []pricingdomain.PricingTier, now time.Time) (invoicedomain.InvoiceLineItem, error) {
	var (
		breakdown []invoicedomain.TierBreakdownEntry
		total     int64
		processed = decimal.Zero
	)

	for _, tier := range tiers {
		if processed.GreaterThanOrEqual(quantity) {
			break
		}
		upper := quantity
		if tier.MaxQuantity != nil && tier.MaxQuantity.LessThan(upper) {
			upper = *tier.MaxQuantity
		}
		lower := processed
		if tier.MinQuantity.GreaterThan(lower) {
			lower = tier.MinQuantity
		}
		consumed := upper.Sub(lower)
		if !consumed.IsPositive() {
			continue
		}

		subtotal := consumed.Mul(decimal.NewFromInt(tier.UnitPriceCents)).Round(0).IntPart()
		breakdown = append(breakdown, invoicedomain.TierBreakdownEntry{
			TierLevel:      tier.TierLevel,
			Quantity:       consumed,
			UnitPriceCents: tier.UnitPriceCents,
			SubtotalCents:  subtotal,
		})
		total += subtotal
		processed = upper
	}

	if len(breakdown) == 0 {
		if len(tiers) == 0 {
			// No pricing configured: the usage is recorded but free.
			breakdown = []invoicedomain.TierBreakdownEntry{{
				TierLevel: 1,
				Quantity:  quantity,
			}}
		} else {
			first := tiers[0]
			subtotal := quantity.Mul(decimal.NewFromInt(first.UnitPriceCents)).Round(0).IntPart()
			breakdown = []invoicedomain.TierBreakdownEntry{{
				TierLevel:      first.TierLevel,
				Quantity:       quantity,
				UnitPriceCents: first.UnitPriceCents,
				SubtotalCents:  subtotal,
			}}
			total = subtotal
		}
	}

	blob, err := json.Marshal(breakdown)
	if err != nil {
		return invoicedomain.InvoiceLineItem{}, err
	}

	unitPrice := decimal.Zero
	if quantity.IsPositive() {
		unitPrice = decimal.NewFromInt(total).DivRound(quantity, 6)
	}

	return invoicedomain.InvoiceLineItem{
		ID:              s.genID.Generate(),
		InvoiceID:       invoiceID,
		EventType:       eventType,
		Quantity:        quantity,
		UnitPrice:       unitPrice,
		TotalPriceCents: total,
		Breakdown:       blob,
		CreatedAt:       now,
	}, nil
}

func (s *Service) Transition(ctx context.Context, orgID, invoiceID snowflake.ID, next invoicedomain.InvoiceStatus) error {
	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, invoiceID).
		First(&invoice).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return invoicedomain.ErrNotFound
		}
		return err
	}
	if !invoice.CanTransition(next) {
		return invoicedomain.ErrInvalidTransition
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":     next,
		"updated_at": now,
	}
	if next == invoicedomain.InvoiceStatusPaid {
		updates["paid_at"] = now
	}
	return s.db.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("id = ?", invoice.ID).
		Updates(updates).Error
}

func (s *Service) loadTenantAndOrg(ctx context.Context, tenantID snowflake.ID) (*tenantdomain.Tenant, *orgdomain.Organization, error) {
	var tenant tenantdomain.Tenant
	err := s.db.WithContext(ctx).Where("id = ?", tenantID).First(&tenant).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, invoicedomain.ErrTenantNotFound
		}
		return nil, nil, err
	}

	var org orgdomain.Organization
	err = s.db.WithContext(ctx).Where("id = ?", tenant.OrgID).First(&org).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, orgdomain.ErrNotFound
		}
		return nil, nil, err
	}
	return &tenant, &org, nil
}

// loadTiers returns tiers effective during the period, sorted by level, per
// event type.
func (s *Service) loadTiers(ctx context.Context, orgID snowflake.ID, periodStart, periodEnd time.Time) (map[string][]pricingdomain.PricingTier, error) {
	var rows []pricingdomain.PricingTier
	err := s.db.WithContext(ctx).
		Where(`org_id = ? AND effective_from <= ? AND (effective_to IS NULL OR effective_to > ?)`,
			orgID, periodEnd.UTC(), periodStart.UTC()).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	tiers := make(map[string][]pricingdomain.PricingTier)
	for _, row := range rows {
		tiers[row.EventType] = append(tiers[row.EventType], row)
	}
	for eventType := range tiers {
		sort.Slice(tiers[eventType], func(i, j int) bool {
			return tiers[eventType][i].TierLevel < tiers[eventType][j].TierLevel
		})
	}
	return tiers, nil
}

// nextInvoiceNumber derives the next per-organization sequence position.
// Collisions under concurrent builds surface at the unique index and retry
// with the following number.
func (s *Service) nextInvoiceNumber(ctx context.Context, org *orgdomain.Organization, attempt int) (string, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("org_id = ?", org.ID).
		Count(&count).Error
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("INV-%s-%06d", strings.ToUpper(org.Slug), count+1+int64(attempt)), nil
}

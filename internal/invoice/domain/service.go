package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// BuildResult is a freshly committed invoice with its line items.
type BuildResult struct {
	Invoice   Invoice
	LineItems []InvoiceLineItem
}

// Service generates invoices and drives their lifecycle.
type Service interface {
	// BuildInvoice prices every unbilled event of the tenant whose timestamp
	// falls in [periodStart, periodEnd] and commits the invoice, its line
	// items, and the event backlinks in one transaction. Rebuilding the same
	// range yields an invoice with zero line items.
	BuildInvoice(ctx context.Context, tenantID snowflake.ID, periodStart, periodEnd time.Time) (*BuildResult, error)

	// Transition applies a lifecycle change under the invoice state machine.
	Transition(ctx context.Context, orgID, invoiceID snowflake.ID, next InvoiceStatus) error
}

package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/commerceerr"
	offerdomain "github.com/smallbiznis/commerce/internal/offer/domain"
	"github.com/smallbiznis/commerce/internal/schedule"
	"gorm.io/gorm"
)

// TaxCalculator returns the tax owed on an invoice. Results must be non-negative.
type TaxCalculator interface {
	Tax(ctx context.Context, invoice *Invoice, subtotal int64) (int64, error)
}

// ShippingCalculator returns the shipping owed on an invoice. Results must be non-negative.
type ShippingCalculator interface {
	Shipping(ctx context.Context, invoice *Invoice) (int64, error)
}

// Ownership reports which of productIDs the owner has held an entitlement for.
type Ownership interface {
	OwnedProducts(ctx context.Context, db *gorm.DB, siteID, ownerID snowflake.ID, productIDs []snowflake.ID) (map[snowflake.ID]bool, error)
}

// LineCharge is the billing plan of one non-promotional line.
type LineCharge struct {
	Item      OrderItem
	Recurring bool
	// Trial is set for recurring lines whose buyer gets the introductory period.
	Trial bool
	// Gross is max(MSRP sum, current price) times quantity.
	Gross    int64
	Discount int64
	// TrialAdjustment is the amount waived by the trial on the first charge.
	TrialAdjustment int64
	// FirstCharge is what the buyer pays at checkout for this line.
	FirstCharge int64
	// RecurringAmount is the per-period charge after the trial.
	RecurringAmount int64
	StartAt         time.Time
	PreviouslyOwned bool
}

// Breakdown is the charge plan derived from an invoice.
type Breakdown struct {
	Currency       string
	Lines          []LineCharge
	GlobalDiscount int64
	// OneTimeAmount is the single charge covering one-time lines, tax and shipping.
	OneTimeAmount int64
	Subtotal      int64
	Discounts     int64
	Tax           int64
	Shipping      int64
	Total         int64
	Schedule      schedule.Schedule
}

func (b Breakdown) OneTimeLines() []LineCharge {
	out := make([]LineCharge, 0, len(b.Lines))
	for _, line := range b.Lines {
		if !line.Recurring {
			out = append(out, line)
		}
	}
	return out
}

// ChargesOneTime reports whether checkout owes a one-time charge. Tax and
// shipping are collected by it even when every line is recurring.
func (b Breakdown) ChargesOneTime() bool {
	return len(b.OneTimeLines()) > 0 || b.Tax+b.Shipping > 0
}

func (b Breakdown) RecurringLines() []LineCharge {
	out := make([]LineCharge, 0, len(b.Lines))
	for _, line := range b.Lines {
		if line.Recurring {
			out = append(out, line)
		}
	}
	return out
}

// GatewayInvoice describes an invoice raised by a payment provider.
type GatewayInvoice struct {
	SiteID           snowflake.ID
	OwnerID          snowflake.ID
	GatewayInvoiceID string
	Currency         string
	Total            int64
	OfferIDs         []snowflake.ID
	PaidAt           time.Time
	ProviderData     map[string]any
}

type Service interface {
	// GetCartOrCheckoutCart returns the owner's single in-flight invoice,
	// creating one or collapsing duplicates as needed.
	GetCartOrCheckoutCart(ctx context.Context, siteID, ownerID snowflake.ID) (*Invoice, error)
	Get(ctx context.Context, id snowflake.ID) (*Invoice, error)
	AddOffer(ctx context.Context, invoiceID, offerID snowflake.ID, qty int) (*Invoice, error)
	RemoveOffer(ctx context.Context, invoiceID, offerID snowflake.ID) (*Invoice, error)

	// Load returns the invoice with lines, locked when forUpdate is set.
	Load(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*Invoice, error)
	UpdateTotals(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	Transition(ctx context.Context, db *gorm.DB, invoice *Invoice, to Status) error
	Breakdown(ctx context.Context, db *gorm.DB, invoice *Invoice) (*Breakdown, error)
	// EnsureGatewayInvoice gets or creates a COMPLETE invoice keyed by the
	// provider invoice id. created is false when it already existed.
	EnsureGatewayInvoice(ctx context.Context, db *gorm.DB, req GatewayInvoice) (invoice *Invoice, created bool, err error)
}

// IsOwned reports whether any product of offer is in owned.
func IsOwned(offer offerdomain.Offer, owned map[snowflake.ID]bool) bool {
	for _, product := range offer.Products {
		if owned[product.ID] {
			return true
		}
	}
	return false
}

var (
	ErrInvalidQuantity     = commerceerr.Validation("invalid_quantity")
	ErrInvalidTransition   = commerceerr.Validation("invalid_invoice_transition")
	ErrInvoiceNotEditable  = commerceerr.Validation("invoice_not_editable")
	ErrOfferNotPurchasable = commerceerr.Validation("offer_not_purchasable")
	ErrNegativeAdjustment  = commerceerr.Validation("negative_tax_or_shipping")
	ErrInvoiceNotFound     = commerceerr.NotFound("invoice_not_found")
	ErrItemNotFound        = commerceerr.NotFound("order_item_not_found")
	ErrVersionConflict     = commerceerr.Consistency("invoice_version_conflict")
)

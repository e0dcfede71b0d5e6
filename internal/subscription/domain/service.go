package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/commerceerr"
	"github.com/smallbiznis/commerce/internal/sitecontext"
	"gorm.io/gorm"
)

// Renewal is a paid period reported by the gateway.
type Renewal struct {
	TransactionID string
	Amount        int64
	PaidAt        time.Time
}

type RenewResult struct {
	// Renewed is false when the period was already recorded.
	Renewed         bool
	PaymentID       snowflake.ID
	ReceiptsWritten int
	Reactivated     bool
}

type Service interface {
	// Create inserts sub. When the gateway id is already stored the stored
	// row is returned with created=false.
	Create(ctx context.Context, db *gorm.DB, sub *Subscription) (stored *Subscription, created bool, err error)
	Get(ctx context.Context, id snowflake.ID) (*Subscription, error)
	FindByGatewayID(ctx context.Context, db *gorm.DB, gatewayID string, forUpdate bool) (*Subscription, error)
	ListByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]Subscription, error)

	Cancel(ctx context.Context, id snowflake.ID, actor sitecontext.Actor) (*Subscription, error)
	// Void ends every active entitlement of the subscription now and returns
	// how many were ended.
	Void(ctx context.Context, id snowflake.ID, actor sitecontext.Actor) (int64, error)
	UpdatePrice(ctx context.Context, id snowflake.ID, newPrice int64, actor sitecontext.Actor) error

	// ApplyProviderStatus moves sub to status when allowed. changed is false
	// for same-state and disallowed transitions.
	ApplyProviderStatus(ctx context.Context, db *gorm.DB, sub *Subscription, status Status) (changed bool, err error)
	Renew(ctx context.Context, db *gorm.DB, sub *Subscription, renewal Renewal) (*RenewResult, error)
	// DeleteStalePayments removes the subscription's payments on its invoice
	// that never received a transaction id.
	DeleteStalePayments(ctx context.Context, db *gorm.DB, sub *Subscription) (int64, error)
}

var (
	ErrInvalidSubscription  = commerceerr.Validation("invalid_subscription")
	ErrInvalidGatewayID     = commerceerr.Validation("invalid_gateway_id")
	ErrInvalidPrice         = commerceerr.Validation("invalid_price")
	ErrInvalidRenewal       = commerceerr.Validation("invalid_renewal")
	ErrSubscriptionNotFound = commerceerr.NotFound("subscription_not_found")
	ErrInvalidTransition    = commerceerr.Consistency("invalid_subscription_transition")
	ErrVersionConflict      = commerceerr.Consistency("subscription_version_conflict")
)

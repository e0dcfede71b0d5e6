package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/commerceerr"
	"gorm.io/gorm"
)

// NewPayment describes a payment about to be attempted.
type NewPayment struct {
	SiteID         snowflake.ID
	OwnerID        snowflake.ID
	InvoiceID      snowflake.ID
	SubscriptionID *snowflake.ID
	Provider       string
	Amount         int64
	Currency       string
}

// Settlement is the outcome of a successful provider call.
type Settlement struct {
	TransactionID string
	ProviderData  map[string]any
}

// Grant asks for one receipt per product of a purchased line.
type Grant struct {
	SiteID         snowflake.ID
	OwnerID        snowflake.ID
	OrderItemID    *snowflake.ID
	OfferID        snowflake.ID
	ProductIDs     []snowflake.ID
	PaymentID      *snowflake.ID
	TransactionID  string
	SubscriptionID *snowflake.ID
	StartAt        time.Time
	EndAt          *time.Time
}

// Service is the payment ledger. Every method runs on the db it is given so
// callers can compose them inside one transaction.
type Service interface {
	CreatePending(ctx context.Context, db *gorm.DB, req NewPayment) (*Payment, error)
	Settle(ctx context.Context, db *gorm.DB, payment *Payment, settlement Settlement) error
	Fail(ctx context.Context, db *gorm.DB, payment *Payment, gwErr *GatewayError) error
	// EnsurePayment gets the payment holding transactionID or creates it settled.
	EnsurePayment(ctx context.Context, db *gorm.DB, req NewPayment, transactionID string) (payment *Payment, created bool, err error)
	FindPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*Payment, error)
	FindSubscriptionPayment(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, transactionID string) (*Payment, error)
	// DeletePendingSubscriptionPayments removes payments of the subscription on
	// invoiceID that never received a transaction id.
	DeletePendingSubscriptionPayments(ctx context.Context, db *gorm.DB, invoiceID, subscriptionID snowflake.ID) (int64, error)
	// PendingPayments lists the payments of invoiceID still awaiting a
	// gateway answer, oldest first.
	PendingPayments(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]Payment, error)
	// DeclinedAttempts counts the payments of invoiceID the gateway turned
	// down. Attempts that were abandoned before an answer are not counted.
	DeclinedAttempts(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int64, error)
	MarkRefunded(ctx context.Context, db *gorm.DB, payment *Payment, full bool) error

	// GrantReceipts writes the receipts of grant that do not exist yet and
	// returns how many were written.
	GrantReceipts(ctx context.Context, db *gorm.DB, grant Grant) (int, error)
	HasReceipt(ctx context.Context, db *gorm.DB, transactionID string) (bool, error)
	// EndSubscriptionReceipts closes the receipts of subscriptionID active at
	// at and returns how many were closed.
	EndSubscriptionReceipts(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, at time.Time) (int64, error)

	// ReserveRefund checks amount against the settled balance of payment net
	// of succeeded and pending refunds and records a PENDING refund. payment
	// should be locked by the caller; its version is bumped so concurrent
	// reservations conflict.
	ReserveRefund(ctx context.Context, db *gorm.DB, payment *Payment, amount int64, reason string) (*Refund, error)
	CompleteRefund(ctx context.Context, db *gorm.DB, refund *Refund, transactionID string) error
	FailRefund(ctx context.Context, db *gorm.DB, refund *Refund, gwErr *GatewayError) error
	// RefundedTotal sums the succeeded refunds of paymentID.
	RefundedTotal(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (int64, error)

	// RecordCustomer links ownerID to the provider customer. Existing links are kept.
	RecordCustomer(ctx context.Context, db *gorm.DB, siteID, ownerID snowflake.ID, provider, customerRef string) error
	ResolveOwner(ctx context.Context, db *gorm.DB, provider, customerRef string) (*GatewayCustomer, error)
	CustomerRef(ctx context.Context, db *gorm.DB, siteID, ownerID snowflake.ID, provider string) (string, error)

	OwnedProducts(ctx context.Context, db *gorm.DB, siteID, ownerID snowflake.ID, productIDs []snowflake.ID) (map[snowflake.ID]bool, error)

	// RecordEvent stores a decoded event once per provider event id and
	// returns the stored record. inserted is false for a redelivery.
	RecordEvent(ctx context.Context, db *gorm.DB, event *Event) (record *EventRecord, inserted bool, err error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, record *EventRecord) error
}

var (
	ErrInvalidAmount          = commerceerr.Validation("invalid_amount")
	ErrInvalidProvider        = commerceerr.Validation("invalid_provider")
	ErrInvalidTransaction     = commerceerr.Validation("invalid_transaction_id")
	ErrInvalidCustomer        = commerceerr.Validation("invalid_customer")
	ErrRefundExceedsBalance   = commerceerr.Validation("refund_exceeds_balance")
	ErrPaymentNotSettled      = commerceerr.Validation("payment_not_settled")
	ErrPaymentNotFound        = commerceerr.NotFound("payment_not_found")
	ErrCustomerNotFound       = commerceerr.NotFound("gateway_customer_not_found")
	ErrGatewayNotConfigured   = commerceerr.NotFound("gateway_not_configured")
	ErrUnsupportedProvider    = commerceerr.Validation("unsupported_provider")
	ErrInvalidSignature       = commerceerr.Validation("invalid_webhook_signature")
	ErrInvalidEventPayload    = commerceerr.Validation("invalid_event_payload")
	ErrPaymentVersionConflict = commerceerr.Consistency("payment_version_conflict")
	ErrRefundNotPending       = commerceerr.Consistency("refund_not_pending")
)

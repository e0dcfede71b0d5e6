package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*Payment, error)
	FindPaymentByTransaction(ctx context.Context, db *gorm.DB, transactionID string) (*Payment, error)
	FindSubscriptionPayment(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, transactionID string) (*Payment, error)
	// UpdatePayment applies fields when the stored version matches and bumps it.
	UpdatePayment(ctx context.Context, db *gorm.DB, payment *Payment, fields map[string]any) error
	DeletePendingSubscriptionPayments(ctx context.Context, db *gorm.DB, invoiceID, subscriptionID snowflake.ID) (int64, error)
	ListPendingPayments(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]Payment, error)
	// CountDeclinedPayments counts the FAILED payments of invoiceID other than
	// abandoned ones.
	CountDeclinedPayments(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int64, error)

	InsertRefund(ctx context.Context, db *gorm.DB, refund *Refund) error
	// UpdatePendingRefund applies fields only while the refund is PENDING.
	UpdatePendingRefund(ctx context.Context, db *gorm.DB, refund *Refund, fields map[string]any) error
	SumRefunds(ctx context.Context, db *gorm.DB, paymentID snowflake.ID, statuses ...RefundStatus) (int64, error)

	InsertReceipt(ctx context.Context, db *gorm.DB, receipt *Receipt) error
	ReceiptExists(ctx context.Context, db *gorm.DB, transactionID string, orderItemID *snowflake.ID, productID snowflake.ID) (bool, error)
	CountReceiptsByTransaction(ctx context.Context, db *gorm.DB, transactionID string) (int64, error)
	ListReceiptsBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]Receipt, error)
	ListReceiptsByOwner(ctx context.Context, db *gorm.DB, siteID, ownerID snowflake.ID, productIDs []snowflake.ID) ([]Receipt, error)
	EndReceipts(ctx context.Context, db *gorm.DB, ids []snowflake.ID, endAt time.Time) (int64, error)

	FindCustomerByRef(ctx context.Context, db *gorm.DB, provider, customerRef string) (*GatewayCustomer, error)
	FindCustomerByOwner(ctx context.Context, db *gorm.DB, siteID, ownerID snowflake.ID, provider string) (*GatewayCustomer, error)
	InsertCustomer(ctx context.Context, db *gorm.DB, customer *GatewayCustomer) error

	// InsertEvent stores record unless the provider event id is already
	// known. inserted is false for a duplicate.
	InsertEvent(ctx context.Context, db *gorm.DB, record *EventRecord) (inserted bool, err error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}

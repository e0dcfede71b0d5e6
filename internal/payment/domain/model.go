// Package domain holds payments, refunds, receipts and the gateway contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentSettled           PaymentStatus = "SETTLED"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
)

// CodeAbandoned marks a payment failed because its attempt never finished,
// as opposed to a decline reported by the gateway.
const CodeAbandoned = "abandoned"

// Settled reports whether money moved for the payment.
func (s PaymentStatus) Settled() bool {
	return s == PaymentSettled || s == PaymentPartiallyRefunded || s == PaymentRefunded
}

// Payment is one attempt to move money for an invoice or subscription.
type Payment struct {
	ID             snowflake.ID  `json:"id" gorm:"primaryKey"`
	SiteID         snowflake.ID  `json:"site_id" gorm:"not null;index"`
	OwnerID        snowflake.ID  `json:"owner_id" gorm:"not null;index"`
	InvoiceID      snowflake.ID  `json:"invoice_id" gorm:"not null;index"`
	SubscriptionID *snowflake.ID `json:"subscription_id,omitempty" gorm:"index"`
	Provider       string        `json:"provider" gorm:"type:text;not null"`
	Amount         int64         `json:"amount" gorm:"not null"`
	Currency       string        `json:"currency" gorm:"type:text;not null"`
	Status         PaymentStatus `json:"status" gorm:"type:text;not null"`
	// TransactionID is the gateway reference, unset until the charge settles.
	TransactionID *string           `json:"transaction_id,omitempty" gorm:"type:text;uniqueIndex"`
	Success       bool              `json:"success" gorm:"not null;default:false"`
	ErrorCode     *string           `json:"error_code,omitempty" gorm:"type:text"`
	ErrorMessage  *string           `json:"error_message,omitempty" gorm:"type:text"`
	ErrorRaw      *string           `json:"error_raw,omitempty" gorm:"type:text"`
	ProviderData  datatypes.JSONMap `json:"provider_data,omitempty" gorm:"type:jsonb"`
	Version       int64             `json:"version" gorm:"not null;default:1"`
	CreatedAt     time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time         `json:"updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

type RefundStatus string

const (
	// RefundPending holds its amount against the payment balance while the
	// gateway call is in flight.
	RefundPending   RefundStatus = "PENDING"
	RefundSucceeded RefundStatus = "SUCCEEDED"
	RefundFailed    RefundStatus = "FAILED"
)

type Refund struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	PaymentID     snowflake.ID `json:"payment_id" gorm:"not null;index"`
	Amount        int64        `json:"amount" gorm:"not null"`
	Reason        string       `json:"reason" gorm:"type:text"`
	Status        RefundStatus `json:"status" gorm:"type:text;not null"`
	TransactionID *string      `json:"transaction_id,omitempty" gorm:"type:text"`
	ErrorCode     *string      `json:"error_code,omitempty" gorm:"type:text"`
	ErrorMessage  *string      `json:"error_message,omitempty" gorm:"type:text"`
	CreatedAt     time.Time    `json:"created_at" gorm:"not null"`
}

func (Refund) TableName() string { return "refunds" }

// Receipt grants entitlement to one product of one purchased line.
type Receipt struct {
	ID             snowflake.ID  `json:"id" gorm:"primaryKey"`
	SiteID         snowflake.ID  `json:"site_id" gorm:"not null;index:idx_receipts_owner"`
	OwnerID        snowflake.ID  `json:"owner_id" gorm:"not null;index:idx_receipts_owner"`
	OrderItemID    *snowflake.ID `json:"order_item_id,omitempty" gorm:"index"`
	OfferID        snowflake.ID  `json:"offer_id" gorm:"not null"`
	ProductID      snowflake.ID  `json:"product_id" gorm:"not null;index"`
	PaymentID      *snowflake.ID `json:"payment_id,omitempty" gorm:"index"`
	TransactionID  string        `json:"transaction_id" gorm:"type:text;not null;index"`
	SubscriptionID *snowflake.ID `json:"subscription_id,omitempty" gorm:"index"`
	StartAt        time.Time     `json:"start_at" gorm:"not null"`
	// EndAt is nil for perpetual entitlements.
	EndAt     *time.Time `json:"end_at,omitempty"`
	CreatedAt time.Time  `json:"created_at" gorm:"not null"`
}

func (Receipt) TableName() string { return "receipts" }

// Active reports whether the entitlement covers at: start <= at < end.
func (r Receipt) Active(at time.Time) bool {
	if r.StartAt.After(at) {
		return false
	}
	return r.EndAt == nil || at.Before(*r.EndAt)
}

// GatewayCustomer maps an owner to the customer record held by a provider.
type GatewayCustomer struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	SiteID      snowflake.ID `json:"site_id" gorm:"not null;uniqueIndex:ux_gateway_customers_owner"`
	OwnerID     snowflake.ID `json:"owner_id" gorm:"not null;uniqueIndex:ux_gateway_customers_owner"`
	Provider    string       `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_gateway_customers_owner;uniqueIndex:ux_gateway_customers_ref"`
	CustomerRef string       `json:"customer_ref" gorm:"type:text;not null;uniqueIndex:ux_gateway_customers_ref"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
}

func (GatewayCustomer) TableName() string { return "gateway_customers" }

// EventRecord is an inbound provider event, stored once per provider event id.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	SiteID          snowflake.ID   `json:"site_id" gorm:"not null;index"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

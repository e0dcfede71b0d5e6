// Package domain contains the cart and invoice models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	offerdomain "github.com/smallbiznis/commerce/internal/offer/domain"
	"gorm.io/datatypes"
)

// Status is the invoice lifecycle state.
type Status string

const (
	StatusCart     Status = "CART"
	StatusCheckout Status = "CHECKOUT"
	StatusComplete Status = "COMPLETE"
	StatusRefunded Status = "REFUNDED"
)

var transitions = map[Status][]Status{
	StatusCart:     {StatusCheckout},
	StatusCheckout: {StatusCart, StatusComplete},
	StatusComplete: {StatusRefunded},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InFlight reports whether the invoice is still a cart being shopped or checked out.
func (s Status) InFlight() bool {
	return s == StatusCart || s == StatusCheckout
}

type Invoice struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	SiteID    snowflake.ID `json:"site_id" gorm:"not null;index:idx_invoices_owner"`
	OwnerID   snowflake.ID `json:"owner_id" gorm:"not null;index:idx_invoices_owner"`
	Status    Status       `json:"status" gorm:"type:text;not null;default:CART"`
	Currency  string       `json:"currency" gorm:"type:text;not null"`
	Subtotal  int64        `json:"subtotal" gorm:"not null;default:0"`
	Discounts int64        `json:"discounts" gorm:"not null;default:0"`
	Tax       int64        `json:"tax" gorm:"not null;default:0"`
	Shipping  int64        `json:"shipping" gorm:"not null;default:0"`
	Total     int64        `json:"total" gorm:"not null;default:0"`
	OrderedAt *time.Time   `json:"ordered_at,omitempty"`
	// GatewayInvoiceID keys invoices created from provider events.
	GatewayInvoiceID *string           `json:"gateway_invoice_id,omitempty" gorm:"type:text;uniqueIndex"`
	ProviderData     datatypes.JSONMap `json:"provider_data,omitempty" gorm:"type:jsonb"`
	Version          int64             `json:"version" gorm:"not null;default:1"`
	Items            []OrderItem       `json:"items" gorm:"foreignKey:InvoiceID"`
	CreatedAt        time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time         `json:"updated_at" gorm:"not null"`
	// DeletedAt tombstones duplicate carts. Repository reads filter it explicitly.
	DeletedAt *time.Time `json:"deleted_at,omitempty" gorm:"index"`
}

func (Invoice) TableName() string { return "invoices" }

// Editable reports whether lines may still be added or removed.
func (i Invoice) Editable() bool { return i.Status.InFlight() }

// OneTimeItems returns lines billed once.
func (i Invoice) OneTimeItems() []OrderItem {
	return i.filterItems(func(o offerdomain.Offer) bool { return o.IsOneTime() })
}

// RecurringItems returns lines billed by subscription.
func (i Invoice) RecurringItems() []OrderItem {
	return i.filterItems(func(o offerdomain.Offer) bool { return o.IsRecurring() })
}

// PromotionItems returns promotional lines.
func (i Invoice) PromotionItems() []OrderItem {
	return i.filterItems(func(o offerdomain.Offer) bool { return o.IsPromotion() })
}

func (i Invoice) filterItems(keep func(offerdomain.Offer) bool) []OrderItem {
	out := make([]OrderItem, 0, len(i.Items))
	for _, item := range i.Items {
		if keep(item.Offer) {
			out = append(out, item)
		}
	}
	return out
}

// OrderItem is an offer at a quantity on an invoice.
type OrderItem struct {
	ID        snowflake.ID      `json:"id" gorm:"primaryKey"`
	InvoiceID snowflake.ID      `json:"invoice_id" gorm:"not null;uniqueIndex:ux_order_items_offer"`
	OfferID   snowflake.ID      `json:"offer_id" gorm:"not null;uniqueIndex:ux_order_items_offer"`
	Offer     offerdomain.Offer `json:"offer" gorm:"foreignKey:OfferID"`
	Quantity  int               `json:"quantity" gorm:"not null;default:1"`
	CreatedAt time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time         `json:"updated_at" gorm:"not null"`
}

func (OrderItem) TableName() string { return "order_items" }

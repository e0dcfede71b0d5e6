// Package domain holds recurring billing agreements settled through a gateway.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	offerdomain "github.com/smallbiznis/commerce/internal/offer/domain"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusSuspended Status = "SUSPENDED"
	StatusCanceled  Status = "CANCELED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusExpired
}

var transitions = map[Status][]Status{
	StatusActive:    {StatusPaused, StatusSuspended, StatusCanceled, StatusExpired},
	StatusSuspended: {StatusActive, StatusCanceled, StatusExpired},
	StatusPaused:    {StatusCanceled, StatusExpired},
}

// CanTransition reports whether from may move to to. Only ACTIVE and
// SUSPENDED may move back and forth.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TrialTransactionID names the settled introductory charge recorded against
// the gateway's initial invoice txn.
func TrialTransactionID(txn string) string {
	return txn + "-trial"
}

// Subscription is a recurring charge held by a gateway for one offer.
type Subscription struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	SiteID    snowflake.ID `json:"site_id" gorm:"not null;index"`
	OwnerID   snowflake.ID `json:"owner_id" gorm:"not null;index"`
	OfferID   snowflake.ID `json:"offer_id" gorm:"not null;index"`
	InvoiceID snowflake.ID `json:"invoice_id" gorm:"not null;index"`
	Provider  string       `json:"provider" gorm:"type:text;not null"`
	GatewayID string       `json:"gateway_id" gorm:"type:text;not null;uniqueIndex"`
	Status    Status       `json:"status" gorm:"type:text;not null"`
	AutoRenew bool         `json:"auto_renew" gorm:"not null"`
	// Amount is charged every period after any trial.
	Amount      int64                  `json:"amount" gorm:"not null"`
	Currency    string                 `json:"currency" gorm:"type:text;not null"`
	PeriodUnit  offerdomain.PeriodUnit `json:"period_unit" gorm:"type:text;not null"`
	PeriodCount int                    `json:"period_count" gorm:"not null"`
	CanceledAt  *time.Time             `json:"canceled_at,omitempty"`
	Version     int64                  `json:"version" gorm:"not null;default:1"`
	CreatedAt   time.Time              `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time              `json:"updated_at" gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// MapProviderStatus converts a gateway subscription status to the local one.
func MapProviderStatus(provider, status string) (Status, bool) {
	status = strings.ToLower(strings.TrimSpace(status))
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "stripe":
		switch status {
		case "active", "trialing":
			return StatusActive, true
		case "past_due", "unpaid", "incomplete":
			return StatusSuspended, true
		case "paused":
			return StatusPaused, true
		case "canceled":
			return StatusCanceled, true
		case "incomplete_expired":
			return StatusExpired, true
		}
	case "authorizenet":
		switch status {
		case "active":
			return StatusActive, true
		case "suspended":
			return StatusSuspended, true
		case "canceled", "cancelled", "terminated":
			return StatusCanceled, true
		case "expired":
			return StatusExpired, true
		}
	}
	return "", false
}

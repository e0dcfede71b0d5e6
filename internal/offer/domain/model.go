// Package domain defines the catalog: products, offers and their prices.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Term determines how an offer is billed and how long its entitlement lasts.
type Term string

const (
	TermPerpetual    Term = "PERPETUAL"
	TermOneTime      Term = "ONE_TIME"
	TermSubscription Term = "SUBSCRIPTION"
)

type PeriodUnit string

const (
	PeriodDay   PeriodUnit = "DAY"
	PeriodMonth PeriodUnit = "MONTH"
)

type Kind string

const (
	KindStandard  Kind = "STANDARD"
	KindPromotion Kind = "PROMOTION"
)

// Product is a sellable item with manufacturer-suggested prices per currency.
type Product struct {
	ID        snowflake.ID                         `json:"id" gorm:"primaryKey"`
	SiteID    snowflake.ID                         `json:"site_id" gorm:"not null;index"`
	Name      string                               `json:"name" gorm:"type:text;not null"`
	MSRP      datatypes.JSONType[map[string]int64] `json:"msrp" gorm:"column:msrp;type:jsonb"`
	CreatedAt time.Time                            `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time                            `json:"updated_at" gorm:"not null"`
}

func (Product) TableName() string { return "products" }

// MSRPFor returns the suggested price of the product in currency.
func (p Product) MSRPFor(currency string) (int64, bool) {
	amounts := p.MSRP.Data()
	if amounts == nil {
		return 0, false
	}
	amount, ok := amounts[strings.ToUpper(currency)]
	return amount, ok
}

// Offer bundles products under one set of terms.
type Offer struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	SiteID        snowflake.ID `json:"site_id" gorm:"not null;index"`
	Name          string       `json:"name" gorm:"type:text;not null"`
	Kind          Kind         `json:"kind" gorm:"type:text;not null;default:STANDARD"`
	Available     bool         `json:"available" gorm:"not null"`
	AllowMultiple bool         `json:"allow_multiple" gorm:"not null;default:false"`
	Term          Term         `json:"term" gorm:"type:text;not null"`
	PeriodUnit    PeriodUnit   `json:"period_unit" gorm:"type:text;not null;default:MONTH"`
	PeriodCount   int          `json:"period_count" gorm:"not null;default:1"`
	// Occurrences is the number of billing cycles; 0 bills until canceled.
	Occurrences      int   `json:"occurrences" gorm:"not null;default:0"`
	TrialOccurrences int   `json:"trial_occurrences" gorm:"not null;default:0"`
	TrialAmount      int64 `json:"trial_amount" gorm:"not null;default:0"`
	TrialDays        int   `json:"trial_days" gorm:"not null;default:0"`

	// PromoTargetOfferID scopes a promotion to one offer. Promotions without a
	// target discount the whole invoice.
	PromoTargetOfferID *snowflake.ID   `json:"promo_target_offer_id,omitempty" gorm:"index"`
	PromoPercent       decimal.Decimal `json:"promo_percent" gorm:"type:numeric(7,4);not null;default:0"`

	Products  []Product `json:"products" gorm:"many2many:offer_products"`
	Prices    []Price   `json:"prices" gorm:"foreignKey:OfferID"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (Offer) TableName() string { return "offers" }

func (o Offer) IsPromotion() bool { return o.Kind == KindPromotion }

func (o Offer) IsRecurring() bool { return !o.IsPromotion() && o.Term == TermSubscription }

func (o Offer) IsOneTime() bool { return !o.IsPromotion() && o.Term != TermSubscription }

// Purchasable reports whether the offer can be added to a cart.
func (o Offer) Purchasable() bool { return o.Available && len(o.Prices) > 0 }

// ProductIDs lists the ids of the bundled products.
func (o Offer) ProductIDs() []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(o.Products))
	for _, p := range o.Products {
		ids = append(ids, p.ID)
	}
	return ids
}

// Price is one (currency, cost, priority, window) option of an offer.
type Price struct {
	ID       snowflake.ID `json:"id" gorm:"primaryKey"`
	OfferID  snowflake.ID `json:"offer_id" gorm:"not null;index"`
	Currency string       `json:"currency" gorm:"type:text;not null"`
	// Cost is nil when the price only marks a window and the MSRP applies.
	Cost      *int64     `json:"cost,omitempty"`
	Priority  int        `json:"priority" gorm:"not null;default:0"`
	StartAt   time.Time  `json:"start_at" gorm:"not null"`
	EndAt     *time.Time `json:"end_at,omitempty"`
	CreatedAt time.Time  `json:"created_at" gorm:"not null"`
}

func (Price) TableName() string { return "prices" }

// Covers reports whether at falls inside the price window. The end is inclusive.
func (p Price) Covers(at time.Time) bool {
	if p.StartAt.After(at) {
		return false
	}
	return p.EndAt == nil || !p.EndAt.Before(at)
}

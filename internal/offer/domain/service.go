package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/commerce/internal/commerceerr"
)

type CreateProductRequest struct {
	Name string           `json:"name" validate:"required"`
	MSRP map[string]int64 `json:"msrp" validate:"dive,keys,len=3,endkeys,gte=0"`
}

type CreateOfferRequest struct {
	Name               string          `json:"name" validate:"required"`
	Kind               Kind            `json:"kind" validate:"omitempty,oneof=STANDARD PROMOTION"`
	Term               Term            `json:"term" validate:"required,oneof=PERPETUAL ONE_TIME SUBSCRIPTION"`
	PeriodUnit         PeriodUnit      `json:"period_unit" validate:"omitempty,oneof=DAY MONTH"`
	PeriodCount        int             `json:"period_count" validate:"gte=0"`
	Occurrences        int             `json:"occurrences" validate:"gte=0"`
	AllowMultiple      bool            `json:"allow_multiple"`
	Unavailable        bool            `json:"unavailable"`
	TrialOccurrences   int             `json:"trial_occurrences" validate:"gte=0"`
	TrialAmount        int64           `json:"trial_amount" validate:"gte=0"`
	TrialDays          int             `json:"trial_days" validate:"gte=0"`
	PromoTargetOfferID *snowflake.ID   `json:"promo_target_offer_id,omitempty"`
	PromoPercent       decimal.Decimal `json:"promo_percent"`
	ProductIDs         []snowflake.ID  `json:"product_ids"`
}

type AddPriceRequest struct {
	OfferID  snowflake.ID `json:"offer_id" validate:"required"`
	Currency string       `json:"currency" validate:"required,len=3"`
	Cost     *int64       `json:"cost,omitempty" validate:"omitempty,gte=0"`
	Priority int          `json:"priority"`
	StartAt  time.Time    `json:"start_at" validate:"required"`
	EndAt    *time.Time   `json:"end_at,omitempty"`
}

type Service interface {
	CreateProduct(ctx context.Context, req CreateProductRequest) (*Product, error)
	CreateOffer(ctx context.Context, req CreateOfferRequest) (*Offer, error)
	AddPrice(ctx context.Context, req AddPriceRequest) (*Price, error)
	// Get returns the offer with products and prices loaded, served from a
	// short-lived cache.
	Get(ctx context.Context, id snowflake.ID) (*Offer, error)
}

var (
	ErrInvalidSite    = commerceerr.Validation("invalid_site")
	ErrInvalidOffer   = commerceerr.Validation("invalid_offer")
	ErrInvalidProduct = commerceerr.Validation("invalid_product")
	ErrInvalidPrice   = commerceerr.Validation("invalid_price")
	ErrOfferNotFound  = commerceerr.NotFound("offer_not_found")
)

package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/commerceerr"
	"github.com/smallbiznis/commerce/internal/offer/domain"
	"github.com/smallbiznis/commerce/internal/sitecontext"
	pkgrepo "github.com/smallbiznis/commerce/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	offerCacheTTL     = 30 * time.Second
	offerCacheCleanup = 2 * time.Minute
)

var hundred = decimal.NewFromInt(100)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         domain.Repository
	ProductStore pkgrepo.Repository[domain.Product]
	PriceStore   pkgrepo.Repository[domain.Price]
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	products pkgrepo.Repository[domain.Product]
	prices   pkgrepo.Repository[domain.Price]
	validate *validator.Validate
	cache    *gocache.Cache
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("offer.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		products: p.ProductStore,
		prices:   p.PriceStore,
		validate: validator.New(),
		cache:    gocache.New(offerCacheTTL, offerCacheCleanup),
	}
}

func (s *Service) CreateProduct(ctx context.Context, req domain.CreateProductRequest) (*domain.Product, error) {
	siteID, ok := sitecontext.SiteIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidSite
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return nil, commerceerr.WithHint(domain.ErrInvalidProduct, err.Error())
	}

	msrp := make(map[string]int64, len(req.MSRP))
	for currency, amount := range req.MSRP {
		msrp[strings.ToUpper(currency)] = amount
	}

	now := s.clock.Now()
	product := domain.Product{
		ID:        s.genID.Generate(),
		SiteID:    siteID,
		Name:      req.Name,
		MSRP:      datatypes.NewJSONType(msrp),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.products.Create(ctx, &product); err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Service) CreateOffer(ctx context.Context, req domain.CreateOfferRequest) (*domain.Offer, error) {
	siteID, ok := sitecontext.SiteIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidSite
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return nil, commerceerr.WithHint(domain.ErrInvalidOffer, err.Error())
	}
	if req.Kind == "" {
		req.Kind = domain.KindStandard
	}
	if req.PeriodUnit == "" {
		req.PeriodUnit = domain.PeriodMonth
	}
	if req.PeriodCount == 0 {
		req.PeriodCount = 1
	}
	if err := validatePromotion(req); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	offer := domain.Offer{
		ID:                 s.genID.Generate(),
		SiteID:             siteID,
		Name:               req.Name,
		Kind:               req.Kind,
		Available:          !req.Unavailable,
		AllowMultiple:      req.AllowMultiple,
		Term:               req.Term,
		PeriodUnit:         req.PeriodUnit,
		PeriodCount:        req.PeriodCount,
		Occurrences:        req.Occurrences,
		TrialOccurrences:   req.TrialOccurrences,
		TrialAmount:        req.TrialAmount,
		TrialDays:          req.TrialDays,
		PromoTargetOfferID: req.PromoTargetOfferID,
		PromoPercent:       req.PromoPercent,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.PromoTargetOfferID != nil {
			target, err := s.repo.FindByID(ctx, tx, *req.PromoTargetOfferID)
			if err != nil {
				return err
			}
			if target == nil || target.SiteID != siteID {
				return commerceerr.WithHint(domain.ErrInvalidOffer, "promotion target not found")
			}
		}
		if len(req.ProductIDs) > 0 {
			var products []domain.Product
			if err := tx.WithContext(ctx).
				Where("site_id = ? AND id IN ?", siteID, req.ProductIDs).
				Find(&products).Error; err != nil {
				return err
			}
			if len(products) != len(req.ProductIDs) {
				return commerceerr.WithHint(domain.ErrInvalidProduct, "unknown product")
			}
			offer.Products = products
		}
		return s.repo.InsertOffer(ctx, tx, &offer)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("offer created",
		zap.String("offer_id", offer.ID.String()),
		zap.String("term", string(offer.Term)),
		zap.String("kind", string(offer.Kind)),
	)
	return &offer, nil
}

func (s *Service) AddPrice(ctx context.Context, req domain.AddPriceRequest) (*domain.Price, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, commerceerr.WithHint(domain.ErrInvalidPrice, err.Error())
	}
	if req.EndAt != nil && req.EndAt.Before(req.StartAt) {
		return nil, commerceerr.WithHint(domain.ErrInvalidPrice, "end_at before start_at")
	}

	offer, err := s.repo.FindByID(ctx, s.db, req.OfferID)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, domain.ErrOfferNotFound
	}

	price := domain.Price{
		ID:        s.genID.Generate(),
		OfferID:   offer.ID,
		Currency:  strings.ToUpper(req.Currency),
		Cost:      req.Cost,
		Priority:  req.Priority,
		StartAt:   req.StartAt.UTC(),
		EndAt:     req.EndAt,
		CreatedAt: s.clock.Now(),
	}
	if err := s.prices.Create(ctx, &price); err != nil {
		return nil, err
	}
	s.cache.Delete(offer.ID.String())
	return &price, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Offer, error) {
	if cached, ok := s.cache.Get(id.String()); ok {
		offer := cached.(domain.Offer)
		return &offer, nil
	}

	offer, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, domain.ErrOfferNotFound
	}
	s.cache.SetDefault(id.String(), *offer)
	return offer, nil
}

func validatePromotion(req domain.CreateOfferRequest) error {
	hasPercent := !req.PromoPercent.IsZero()
	if req.Kind != domain.KindPromotion {
		if hasPercent || req.PromoTargetOfferID != nil {
			return commerceerr.WithHint(domain.ErrInvalidOffer, "promotion fields on a standard offer")
		}
		return nil
	}
	if req.PromoPercent.IsNegative() || req.PromoPercent.GreaterThan(hundred) {
		return commerceerr.WithHint(domain.ErrInvalidOffer, "promo_percent must be within 0..100")
	}
	return nil
}

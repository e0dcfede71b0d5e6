package service_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/commerceerr"
	"github.com/smallbiznis/commerce/internal/offer/domain"
	"github.com/smallbiznis/commerce/internal/offer/repository"
	"github.com/smallbiznis/commerce/internal/offer/service"
	"github.com/smallbiznis/commerce/internal/sitecontext"
	pkgrepo "github.com/smallbiznis/commerce/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

func setupService(t *testing.T) (domain.Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:offer_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Product{}, &domain.Offer{}, &domain.Price{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := service.NewService(service.Params{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        node,
		Clock:        clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		Repo:         repository.Provide(),
		ProductStore: pkgrepo.ProvideStore[domain.Product](db),
		PriceStore:   pkgrepo.ProvideStore[domain.Price](db),
	})
	return svc, db
}

func siteCtx() context.Context {
	return sitecontext.WithSiteID(context.Background(), snowflake.ID(1))
}

func TestCreateOfferWithProductsAndPrice(t *testing.T) {
	svc, _ := setupService(t)
	ctx := siteCtx()

	product, err := svc.CreateProduct(ctx, domain.CreateProductRequest{
		Name: "Course",
		MSRP: map[string]int64{"usd": 1500},
	})
	require.NoError(t, err)
	msrp, ok := product.MSRPFor("USD")
	require.True(t, ok)
	assert.Equal(t, int64(1500), msrp)

	offer, err := svc.CreateOffer(ctx, domain.CreateOfferRequest{
		Name:       "Course monthly",
		Term:       domain.TermSubscription,
		ProductIDs: []snowflake.ID{product.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PeriodMonth, offer.PeriodUnit)
	assert.Equal(t, 1, offer.PeriodCount)
	assert.True(t, offer.IsRecurring())

	cost := int64(1200)
	_, err = svc.AddPrice(ctx, domain.AddPriceRequest{
		OfferID:  offer.ID,
		Currency: "usd",
		Cost:     &cost,
		StartAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	loaded, err := svc.Get(ctx, offer.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Products, 1)
	require.Len(t, loaded.Prices, 1)
	assert.Equal(t, "USD", loaded.Prices[0].Currency)
	assert.True(t, loaded.Purchasable())
}

func TestGetServesFromCacheUntilPriceAdded(t *testing.T) {
	svc, db := setupService(t)
	ctx := siteCtx()

	offer, err := svc.CreateOffer(ctx, domain.CreateOfferRequest{Name: "Ebook", Term: domain.TermPerpetual})
	require.NoError(t, err)

	first, err := svc.Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ebook", first.Name)

	require.NoError(t, db.Model(&domain.Offer{}).Where("id = ?", offer.ID).Update("name", "Renamed").Error)

	cached, err := svc.Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ebook", cached.Name)

	_, err = svc.AddPrice(ctx, domain.AddPriceRequest{
		OfferID:  offer.ID,
		Currency: "USD",
		StartAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	fresh, err := svc.Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", fresh.Name)
}

func TestCreateOfferRejectsInvalidPromotion(t *testing.T) {
	svc, _ := setupService(t)
	ctx := siteCtx()

	_, err := svc.CreateOffer(ctx, domain.CreateOfferRequest{
		Name:         "Half off",
		Term:         domain.TermOneTime,
		PromoPercent: decimal.NewFromInt(50),
	})
	require.ErrorIs(t, err, domain.ErrInvalidOffer)

	_, err = svc.CreateOffer(ctx, domain.CreateOfferRequest{
		Name:         "Too much",
		Kind:         domain.KindPromotion,
		Term:         domain.TermOneTime,
		PromoPercent: decimal.NewFromInt(150),
	})
	require.ErrorIs(t, err, domain.ErrInvalidOffer)
	assert.True(t, commerceerr.IsValidation(err))

	missing := snowflake.ID(404)
	_, err = svc.CreateOffer(ctx, domain.CreateOfferRequest{
		Name:               "Targeted",
		Kind:               domain.KindPromotion,
		Term:               domain.TermOneTime,
		PromoTargetOfferID: &missing,
	})
	require.ErrorIs(t, err, domain.ErrInvalidOffer)
}

func TestCreateOfferRequiresSite(t *testing.T) {
	svc, _ := setupService(t)
	_, err := svc.CreateOffer(context.Background(), domain.CreateOfferRequest{Name: "x", Term: domain.TermPerpetual})
	require.ErrorIs(t, err, domain.ErrInvalidSite)
}

func TestAddPriceValidation(t *testing.T) {
	svc, _ := setupService(t)
	ctx := siteCtx()

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	_, err := svc.AddPrice(ctx, domain.AddPriceRequest{
		OfferID:  snowflake.ID(7),
		Currency: "USD",
		StartAt:  start,
		EndAt:    &end,
	})
	require.ErrorIs(t, err, domain.ErrInvalidPrice)

	_, err = svc.AddPrice(ctx, domain.AddPriceRequest{
		OfferID:  snowflake.ID(7),
		Currency: "USD",
		StartAt:  start,
	})
	require.ErrorIs(t, err, domain.ErrOfferNotFound)
	assert.True(t, commerceerr.IsNotFound(err))
}

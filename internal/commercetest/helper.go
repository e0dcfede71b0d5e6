// Package commercetest seeds in-memory databases for package tests.
package commercetest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/commerce/internal/migration"
	offerdomain "github.com/smallbiznis/commerce/internal/offer/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

// OpenDB opens a fresh shared-cache sqlite database and migrates models.
func OpenDB(t *testing.T, name string, models ...any) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models...))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// CatalogModels are the tables backing offers.
func CatalogModels() []any {
	return []any{&offerdomain.Product{}, &offerdomain.Offer{}, &offerdomain.Price{}}
}

// LedgerModels are every table written while charging and reconciling an
// invoice.
func LedgerModels() []any {
	return migration.Models()
}

// Catalog writes products and offers for one site.
type Catalog struct {
	db     *gorm.DB
	node   *snowflake.Node
	SiteID snowflake.ID
	// PriceStart opens the window of every seeded price.
	PriceStart time.Time
}

func NewCatalog(db *gorm.DB, node *snowflake.Node, siteID snowflake.ID, priceStart time.Time) *Catalog {
	return &Catalog{db: db, node: node, SiteID: siteID, PriceStart: priceStart}
}

// Product stores a product with a USD MSRP.
func (c *Catalog) Product(t *testing.T, msrpUSD int64) offerdomain.Product {
	t.Helper()
	product := offerdomain.Product{
		ID:        c.node.Generate(),
		SiteID:    c.SiteID,
		Name:      fmt.Sprintf("product-%d", msrpUSD),
		MSRP:      datatypes.NewJSONType(map[string]int64{"USD": msrpUSD}),
		CreatedAt: c.PriceStart,
		UpdatedAt: c.PriceStart,
	}
	require.NoError(t, c.db.Create(&product).Error)
	return product
}

// Offer stores offer with a single USD price of cost. Term, period and
// availability default to a purchasable one-time monthly offer.
func (c *Catalog) Offer(t *testing.T, offer offerdomain.Offer, cost int64, products ...offerdomain.Product) offerdomain.Offer {
	t.Helper()
	offer.ID = c.node.Generate()
	offer.SiteID = c.SiteID
	offer.Available = true
	if offer.Name == "" {
		offer.Name = fmt.Sprintf("offer-%d", offer.ID)
	}
	if offer.Term == "" {
		offer.Term = offerdomain.TermOneTime
	}
	if offer.PeriodUnit == "" {
		offer.PeriodUnit = offerdomain.PeriodMonth
	}
	if offer.PeriodCount == 0 {
		offer.PeriodCount = 1
	}
	offer.CreatedAt = c.PriceStart
	offer.UpdatedAt = c.PriceStart
	offer.Products = products
	offer.Prices = []offerdomain.Price{{
		ID:        c.node.Generate(),
		OfferID:   offer.ID,
		Currency:  "USD",
		Cost:      &cost,
		StartAt:   c.PriceStart,
		CreatedAt: c.PriceStart,
	}}
	require.NoError(t, c.db.Create(&offer).Error)
	return offer
}

// Node returns a snowflake node for tests.
func Node(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

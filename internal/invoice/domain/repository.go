package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository never returns tombstoned invoices.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*Invoice, error)
	FindByGatewayID(ctx context.Context, db *gorm.DB, gatewayInvoiceID string) (*Invoice, error)
	// FindInFlight locks and returns the owner's CART and CHECKOUT invoices, oldest first.
	FindInFlight(ctx context.Context, db *gorm.DB, siteID, ownerID snowflake.ID) ([]Invoice, error)
	LoadItems(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	CountItems(ctx context.Context, db *gorm.DB, invoiceIDs []snowflake.ID) (map[snowflake.ID]int64, error)
	// Update writes fields when the stored version matches and bumps it.
	Update(ctx context.Context, db *gorm.DB, invoice *Invoice, fields map[string]any) error
	SoftDelete(ctx context.Context, db *gorm.DB, invoice *Invoice, at time.Time) error

	FindItem(ctx context.Context, db *gorm.DB, invoiceID, offerID snowflake.ID) (*OrderItem, error)
	InsertItem(ctx context.Context, db *gorm.DB, item *OrderItem) error
	UpdateItemQuantity(ctx context.Context, db *gorm.DB, item *OrderItem, quantity int, at time.Time) error
	DeleteItems(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error
}

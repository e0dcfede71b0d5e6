package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*Subscription, error)
	FindByGatewayID(ctx context.Context, db *gorm.DB, gatewayID string, forUpdate bool) (*Subscription, error)
	ListByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]Subscription, error)
	// Update applies fields when the stored version matches and bumps it.
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription, fields map[string]any) error
}

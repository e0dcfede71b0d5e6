package migration

import (
	"errors"
	"fmt"

	auditdomain "github.com/smallbiznis/commerce/internal/audit/domain"
	invoicedomain "github.com/smallbiznis/commerce/internal/invoice/domain"
	offerdomain "github.com/smallbiznis/commerce/internal/offer/domain"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/commerce/internal/subscription/domain"
	"gorm.io/gorm"
)

// Models lists every persisted model in dependency order.
func Models() []any {
	return []any{
		&offerdomain.Product{},
		&offerdomain.Offer{},
		&offerdomain.Price{},
		&invoicedomain.Invoice{},
		&invoicedomain.OrderItem{},
		&paymentdomain.Payment{},
		&paymentdomain.Refund{},
		&paymentdomain.Receipt{},
		&paymentdomain.GatewayCustomer{},
		&paymentdomain.EventRecord{},
		&subscriptiondomain.Subscription{},
		&auditdomain.AuditLog{},
	}
}

// Run creates missing tables, columns and indexes from Models. Existing
// columns are never dropped.
func Run(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/invoice/domain"
	"github.com/smallbiznis/commerce/pkg/db/option"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return db.WithContext(ctx).Omit(clause.Associations).Create(invoice).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.Invoice, error) {
	query := live(ctx, db).Where("id = ?", id)
	if forUpdate {
		query = option.ForUpdate().Apply(query)
	}
	return first(query)
}

func (r *repo) FindByGatewayID(ctx context.Context, db *gorm.DB, gatewayInvoiceID string) (*domain.Invoice, error) {
	return first(live(ctx, db).Where("gateway_invoice_id = ?", gatewayInvoiceID))
}

func (r *repo) FindInFlight(ctx context.Context, db *gorm.DB, siteID, ownerID snowflake.ID) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	query := live(ctx, db).
		Where("site_id = ? AND owner_id = ? AND status IN ?", siteID, ownerID,
			[]domain.Status{domain.StatusCart, domain.StatusCheckout}).
		Order("created_at ASC").
		Order("id ASC")
	err := option.ForUpdate().Apply(query).Find(&invoices).Error
	return invoices, err
}

func (r *repo) LoadItems(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	var items []domain.OrderItem
	err := db.WithContext(ctx).
		Preload("Offer.Products").
		Preload("Offer.Prices").
		Where("invoice_id = ?", invoice.ID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return err
	}
	invoice.Items = items
	return nil
}

func (r *repo) CountItems(ctx context.Context, db *gorm.DB, invoiceIDs []snowflake.ID) (map[snowflake.ID]int64, error) {
	counts := make(map[snowflake.ID]int64, len(invoiceIDs))
	if len(invoiceIDs) == 0 {
		return counts, nil
	}
	var rows []struct {
		InvoiceID snowflake.ID
		ItemCount int64
	}
	err := db.WithContext(ctx).
		Model(&domain.OrderItem{}).
		Select("invoice_id, COUNT(*) AS item_count").
		Where("invoice_id IN ?", invoiceIDs).
		Group("invoice_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		counts[row.InvoiceID] = row.ItemCount
	}
	return counts, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, invoice *domain.Invoice, fields map[string]any) error {
	values := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		values[k] = v
	}
	values["version"] = invoice.Version + 1

	result := db.WithContext(ctx).
		Model(&domain.Invoice{}).
		Where("id = ? AND version = ?", invoice.ID, invoice.Version).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}
	invoice.Version++
	return nil
}

func (r *repo) SoftDelete(ctx context.Context, db *gorm.DB, invoice *domain.Invoice, at time.Time) error {
	return r.Update(ctx, db, invoice, map[string]any{"deleted_at": at, "updated_at": at})
}

func (r *repo) FindItem(ctx context.Context, db *gorm.DB, invoiceID, offerID snowflake.ID) (*domain.OrderItem, error) {
	var items []domain.OrderItem
	err := db.WithContext(ctx).
		Where("invoice_id = ? AND offer_id = ?", invoiceID, offerID).
		Limit(1).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) InsertItem(ctx context.Context, db *gorm.DB, item *domain.OrderItem) error {
	return db.WithContext(ctx).Omit(clause.Associations).Create(item).Error
}

func (r *repo) UpdateItemQuantity(ctx context.Context, db *gorm.DB, item *domain.OrderItem, quantity int, at time.Time) error {
	err := db.WithContext(ctx).
		Model(&domain.OrderItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]any{"quantity": quantity, "updated_at": at}).Error
	if err != nil {
		return err
	}
	item.Quantity = quantity
	item.UpdatedAt = at
	return nil
}

func (r *repo) DeleteItems(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.OrderItem{}).Error
}

func live(ctx context.Context, db *gorm.DB) *gorm.DB {
	return db.WithContext(ctx).Model(&domain.Invoice{}).Where("deleted_at IS NULL")
}

func first(query *gorm.DB) (*domain.Invoice, error) {
	var invoices []domain.Invoice
	if err := query.Limit(1).Find(&invoices).Error; err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return nil, nil
	}
	return &invoices[0], nil
}

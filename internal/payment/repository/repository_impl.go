package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/payment/domain"
	"github.com/smallbiznis/commerce/pkg/db/option"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Create(payment).Error
}

func (r *repo) FindPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.Payment, error) {
	query := db.WithContext(ctx).Where("id = ?", id)
	if forUpdate {
		query = option.ForUpdate().Apply(query)
	}
	return first[domain.Payment](query)
}

func (r *repo) FindPaymentByTransaction(ctx context.Context, db *gorm.DB, transactionID string) (*domain.Payment, error) {
	return first[domain.Payment](db.WithContext(ctx).Where("transaction_id = ?", transactionID))
}

func (r *repo) FindSubscriptionPayment(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, transactionID string) (*domain.Payment, error) {
	return first[domain.Payment](db.WithContext(ctx).
		Where("subscription_id = ? AND transaction_id = ?", subscriptionID, transactionID))
}

func (r *repo) UpdatePayment(ctx context.Context, db *gorm.DB, payment *domain.Payment, fields map[string]any) error {
	values := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		values[k] = v
	}
	values["version"] = payment.Version + 1

	result := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("id = ? AND version = ?", payment.ID, payment.Version).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrPaymentVersionConflict
	}
	payment.Version++
	return nil
}

func (r *repo) DeletePendingSubscriptionPayments(ctx context.Context, db *gorm.DB, invoiceID, subscriptionID snowflake.ID) (int64, error) {
	result := db.WithContext(ctx).
		Where("invoice_id = ? AND subscription_id = ? AND transaction_id IS NULL", invoiceID, subscriptionID).
		Delete(&domain.Payment{})
	return result.RowsAffected, result.Error
}

func (r *repo) ListPendingPayments(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.Payment, error) {
	var payments []domain.Payment
	err := db.WithContext(ctx).
		Where("invoice_id = ? AND status = ?", invoiceID, domain.PaymentPending).
		Order("created_at ASC").
		Order("id ASC").
		Find(&payments).Error
	return payments, err
}

func (r *repo) CountDeclinedPayments(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("invoice_id = ? AND status = ?", invoiceID, domain.PaymentFailed).
		Where("error_code IS NULL OR error_code <> ?", domain.CodeAbandoned).
		Count(&count).Error
	return count, err
}

func (r *repo) InsertRefund(ctx context.Context, db *gorm.DB, refund *domain.Refund) error {
	return db.WithContext(ctx).Create(refund).Error
}

func (r *repo) UpdatePendingRefund(ctx context.Context, db *gorm.DB, refund *domain.Refund, fields map[string]any) error {
	result := db.WithContext(ctx).
		Model(&domain.Refund{}).
		Where("id = ? AND status = ?", refund.ID, domain.RefundPending).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrRefundNotPending
	}
	return nil
}

func (r *repo) SumRefunds(ctx context.Context, db *gorm.DB, paymentID snowflake.ID, statuses ...domain.RefundStatus) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Refund{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("payment_id = ? AND status IN ?", paymentID, statuses).
		Scan(&total).Error
	return total, err
}

func (r *repo) InsertReceipt(ctx context.Context, db *gorm.DB, receipt *domain.Receipt) error {
	return db.WithContext(ctx).Create(receipt).Error
}

func (r *repo) ReceiptExists(ctx context.Context, db *gorm.DB, transactionID string, orderItemID *snowflake.ID, productID snowflake.ID) (bool, error) {
	query := db.WithContext(ctx).
		Model(&domain.Receipt{}).
		Where("transaction_id = ? AND product_id = ?", transactionID, productID)
	if orderItemID != nil {
		query = query.Where("order_item_id = ?", *orderItemID)
	} else {
		query = query.Where("order_item_id IS NULL")
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) CountReceiptsByTransaction(ctx context.Context, db *gorm.DB, transactionID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.Receipt{}).
		Where("transaction_id = ?", transactionID).
		Count(&count).Error
	return count, err
}

func (r *repo) ListReceiptsBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]domain.Receipt, error) {
	var receipts []domain.Receipt
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("start_at ASC").
		Order("id ASC").
		Find(&receipts).Error
	return receipts, err
}

func (r *repo) ListReceiptsByOwner(ctx context.Context, db *gorm.DB, siteID, ownerID snowflake.ID, productIDs []snowflake.ID) ([]domain.Receipt, error) {
	var receipts []domain.Receipt
	query := db.WithContext(ctx).Where("site_id = ? AND owner_id = ?", siteID, ownerID)
	if len(productIDs) > 0 {
		query = query.Where("product_id IN ?", productIDs)
	}
	err := query.Order("id ASC").Find(&receipts).Error
	return receipts, err
}

func (r *repo) EndReceipts(ctx context.Context, db *gorm.DB, ids []snowflake.ID, endAt time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).
		Model(&domain.Receipt{}).
		Where("id IN ?", ids).
		Update("end_at", endAt)
	return result.RowsAffected, result.Error
}

func (r *repo) FindCustomerByRef(ctx context.Context, db *gorm.DB, provider, customerRef string) (*domain.GatewayCustomer, error) {
	return first[domain.GatewayCustomer](db.WithContext(ctx).
		Where("provider = ? AND customer_ref = ?", provider, customerRef))
}

func (r *repo) FindCustomerByOwner(ctx context.Context, db *gorm.DB, siteID, ownerID snowflake.ID, provider string) (*domain.GatewayCustomer, error) {
	return first[domain.GatewayCustomer](db.WithContext(ctx).
		Where("site_id = ? AND owner_id = ? AND provider = ?", siteID, ownerID, provider))
}

func (r *repo) InsertCustomer(ctx context.Context, db *gorm.DB, customer *domain.GatewayCustomer) error {
	return db.WithContext(ctx).Create(customer).Error
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, record *domain.EventRecord) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*domain.EventRecord, error) {
	return first[domain.EventRecord](db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, providerEventID))
}

func (r *repo) MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.EventRecord{}).
		Where("id = ? AND processed_at IS NULL", id).
		Update("processed_at", processedAt).Error
}

func first[T any](query *gorm.DB) (*T, error) {
	var rows []T
	if err := query.Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/subscription/domain"
	"github.com/smallbiznis/commerce/pkg/db/option"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.Subscription, error) {
	return find(db.WithContext(ctx).Where("id = ?", id), forUpdate)
}

func (r *repo) FindByGatewayID(ctx context.Context, db *gorm.DB, gatewayID string, forUpdate bool) (*domain.Subscription, error) {
	return find(db.WithContext(ctx).Where("gateway_id = ?", gatewayID), forUpdate)
}

func (r *repo) ListByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.Subscription, error) {
	var subscriptions []domain.Subscription
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&subscriptions).Error
	return subscriptions, err
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *domain.Subscription, fields map[string]any) error {
	values := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		values[k] = v
	}
	values["version"] = subscription.Version + 1

	result := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("id = ? AND version = ?", subscription.ID, subscription.Version).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}
	subscription.Version++
	return nil
}

func find(query *gorm.DB, forUpdate bool) (*domain.Subscription, error) {
	if forUpdate {
		query = option.ForUpdate().Apply(query)
	}
	var subscriptions []domain.Subscription
	if err := query.Limit(1).Find(&subscriptions).Error; err != nil {
		return nil, err
	}
	if len(subscriptions) == 0 {
		return nil, nil
	}
	return &subscriptions[0], nil
}

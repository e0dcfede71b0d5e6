package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/offer/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertOffer(ctx context.Context, db *gorm.DB, offer *domain.Offer) error {
	return db.WithContext(ctx).Create(offer).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Offer, error) {
	var offers []domain.Offer
	err := loadCatalog(ctx, db).Where("id = ?", id).Limit(1).Find(&offers).Error
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, nil
	}
	return &offers[0], nil
}

func (r *repo) FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]domain.Offer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var offers []domain.Offer
	err := loadCatalog(ctx, db).Where("id IN ?", ids).Find(&offers).Error
	return offers, err
}

func loadCatalog(ctx context.Context, db *gorm.DB) *gorm.DB {
	return db.WithContext(ctx).
		Preload("Products").
		Preload("Prices")
}

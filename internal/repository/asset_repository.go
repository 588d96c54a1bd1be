package repository

import (
	"context"
	"fmt"

	"github.com/sefazor/cutout-backend/internal/models"
	"gorm.io/gorm"
)

type AssetRepository struct {
	db *gorm.DB
}

func NewAssetRepository(db *gorm.DB) *AssetRepository {
	return &AssetRepository{db: db}
}

func (r *AssetRepository) Create(ctx context.Context, asset *models.ProcessedAsset) error {
	if err := r.db.WithContext(ctx).Create(asset).Error; err != nil {
		return fmt.Errorf("create asset: %w", err)
	}
	return nil
}

// Save writes every field of an asset the caller already holds.
func (r *AssetRepository) Save(ctx context.Context, asset *models.ProcessedAsset) error {
	if err := r.db.WithContext(ctx).Save(asset).Error; err != nil {
		return fmt.Errorf("save asset %s: %w", asset.PublicID, err)
	}
	return nil
}

// GetForAccount only returns assets owned by accountID.
func (r *AssetRepository) GetForAccount(ctx context.Context, accountID uint, publicID string) (*models.ProcessedAsset, error) {
	var asset models.ProcessedAsset
	err := r.db.WithContext(ctx).
		Where("public_id = ? AND account_id = ?", publicID, accountID).
		First(&asset).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &asset, nil
}

func (r *AssetRepository) ListForAccount(ctx context.Context, accountID uint, status models.AssetStatus, page models.Page) ([]models.ProcessedAsset, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.ProcessedAsset{}).Where("account_id = ?", accountID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count assets: %w", err)
	}

	var assets []models.ProcessedAsset
	err := query.Order("created_at DESC").Order("id DESC").
		Limit(page.Limit).Offset(page.Offset()).
		Find(&assets).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list assets: %w", err)
	}
	return assets, total, nil
}

func (r *AssetRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&models.ProcessedAsset{}, id).Error
}

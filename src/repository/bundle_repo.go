package repository

import (
	"context"

	"github.com/ethaccount/bundler/src/domain"
	"gorm.io/gorm"
)

const defaultBundlePageSize = 50

type BundleRepository struct {
	db      *gorm.DB
	chainId int64
}

func NewBundleRepository(db *gorm.DB, chainId int64) *BundleRepository {
	return &BundleRepository{db: db, chainId: chainId}
}

// SaveBundle stores a submitted bundle
func (r *BundleRepository) SaveBundle(ctx context.Context, result *domain.BundleResult) error {
	record, err := domain.NewBundleRecord(r.chainId, result)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(record).Error
}

// ListBundles retrieves the most recent bundles, newest first
func (r *BundleRepository) ListBundles(ctx context.Context, limit int) ([]*domain.BundleRecord, error) {
	if limit <= 0 {
		limit = defaultBundlePageSize
	}
	var bundles []*domain.BundleRecord
	if err := r.db.WithContext(ctx).
		Where("chain_id = ?", r.chainId).
		Order("created_at DESC").
		Limit(limit).
		Find(&bundles).Error; err != nil {
		return nil, err
	}
	return bundles, nil
}

// FindBundleByTxHash retrieves the bundle submitted in txHash
func (r *BundleRepository) FindBundleByTxHash(ctx context.Context, txHash string) (*domain.BundleRecord, error) {
	var bundle domain.BundleRecord
	if err := r.db.WithContext(ctx).Where("transaction_hash = ?", txHash).First(&bundle).Error; err != nil {
		return nil, err
	}
	return &bundle, nil
}

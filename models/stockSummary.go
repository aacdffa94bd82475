package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/utils"
)

// StockSummary is the per-warehouse on-hand quantity cache. The stock ledger
// worker is its only writer for adjustment deltas; reads are the system
// quantity source for opname snapshots.
type StockSummary struct {
	ID          int             `gorm:"primary_key" json:"id"`
	BusinessId  string          `gorm:"size:64;not null;index:uniq_stock,unique" json:"business_id"`
	WarehouseId int             `gorm:"not null;index:uniq_stock,unique" json:"warehouse_id"`
	ProductId   int             `gorm:"not null;index:uniq_stock,unique" json:"product_id"`
	ProductType ProductType     `gorm:"type:enum('S','V');default:S;index:uniq_stock,unique" json:"product_type"`
	CurrentQty  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"current_qty"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetProductStock returns the cached on-hand qty, zero when no row exists yet.
func GetProductStock(tx *gorm.DB, ctx context.Context, businessId string, warehouseId int, productType ProductType, productId int) (decimal.Decimal, error) {

	currentStock := decimal.Zero
	if err := tx.WithContext(ctx).Model(&StockSummary{}).
		Where("business_id = ? AND warehouse_id = ? AND product_id = ? AND product_type = ?",
			businessId, warehouseId, productId, productType).
		Select("COALESCE(SUM(current_qty), 0)").
		Scan(&currentStock).Error; err != nil {
		return currentStock, err
	}
	return currentStock, nil
}

// UpdateStockSummaryQty applies a signed delta to the summary row, creating it
// when absent. Callers run inside a transaction; the row lock serializes
// concurrent deltas for the same product.
func UpdateStockSummaryQty(tx *gorm.DB, businessId string, warehouseId int, productId int, productType ProductType, delta decimal.Decimal) error {

	var summary StockSummary
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND warehouse_id = ? AND product_id = ? AND product_type = ?",
			businessId, warehouseId, productId, productType).
		First(&summary)
	if result.Error != nil {
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return result.Error
		}
		summary = StockSummary{
			BusinessId:  businessId,
			WarehouseId: warehouseId,
			ProductId:   productId,
			ProductType: productType,
			CurrentQty:  delta,
		}
		return tx.Create(&summary).Error
	}

	return tx.Model(&summary).
		Update("current_qty", gorm.Expr("current_qty + ?", delta)).Error
}

// ListWarehouseStock returns the stock summaries of one warehouse.
func ListWarehouseStock(ctx context.Context, warehouseId int) ([]*StockSummary, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var results []*StockSummary
	db := config.GetDB()
	if err := db.WithContext(ctx).
		Where("business_id = ? AND warehouse_id = ?", businessId, warehouseId).
		Order("product_id").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

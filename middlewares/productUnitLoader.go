package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/retailpos_backend/models"
)

type productUnitReader struct {
	db *gorm.DB
}

func (r *productUnitReader) getProductUnits(ctx context.Context, ids []int) []*dataloader.Result[*models.ProductUnit] {
	var results []models.ProductUnit
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).Find(&results).Error
	if err != nil {
		return handleError[*models.ProductUnit](len(ids), err)
	}

	return generateLoaderResults(results, ids)
}

func GetProductUnit(ctx context.Context, id int) (*models.ProductUnit, error) {
	loaders := For(ctx)
	return loaders.productUnitLoader.Load(ctx, id)()
}

package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/retailpos_backend/models"
)

type branchReader struct {
	db *gorm.DB
}

func (r *branchReader) getBranches(ctx context.Context, ids []int) []*dataloader.Result[*models.Branch] {
	var results []models.Branch
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).Find(&results).Error
	if err != nil {
		return handleError[*models.Branch](len(ids), err)
	}

	return generateLoaderResults(results, ids)
}

func GetBranch(ctx context.Context, id int) (*models.Branch, error) {
	loaders := For(ctx)
	return loaders.branchLoader.Load(ctx, id)()
}

package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/retailpos_backend/models"
)

type roleReader struct {
	db *gorm.DB
}

func (r *roleReader) getRoles(ctx context.Context, ids []int) []*dataloader.Result[*models.Role] {
	var results []models.Role
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).Find(&results).Error
	if err != nil {
		return handleError[*models.Role](len(ids), err)
	}

	return generateLoaderResults(results, ids)
}

func GetRole(ctx context.Context, id int) (*models.Role, error) {
	loaders := For(ctx)
	return loaders.roleLoader.Load(ctx, id)()
}

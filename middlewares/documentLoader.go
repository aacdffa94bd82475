package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/retailpos_backend/models"
)

type documentReader struct {
	db            *gorm.DB
	referenceType string
}

func (r *documentReader) getDocuments(ctx context.Context, referenceIds []int) []*dataloader.Result[[]*models.Document] {
	var results []models.Document
	err := r.db.WithContext(ctx).
		Where("reference_type = ?", r.referenceType).
		Where("reference_id IN ?", referenceIds).Find(&results).Error
	if err != nil {
		return handleError[[]*models.Document](len(referenceIds), err)
	}

	return generateLoaderArrayResults(results, referenceIds)
}

func GetOpnameDocuments(ctx context.Context, opnameId int) ([]*models.Document, error) {
	loaders := For(ctx)
	return loaders.opnameDocumentLoader.Load(ctx, opnameId)()
}

func GetOpnameItemDocuments(ctx context.Context, itemId int) ([]*models.Document, error) {
	loaders := For(ctx)
	return loaders.itemDocumentLoader.Load(ctx, itemId)()
}

func GetIncidentDocuments(ctx context.Context, incidentId int) ([]*models.Document, error) {
	loaders := For(ctx)
	return loaders.incidentDocumentLoader.Load(ctx, incidentId)()
}

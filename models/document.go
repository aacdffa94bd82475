package models

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/utils"
)

// Document is a polymorphic photo/file reference. Count evidence hangs off
// stock_opname_items, investigation evidence off variance_incidents.
type Document struct {
	ID            int    `gorm:"primary_key" json:"id"`
	DocumentUrl   string `json:"document_url"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   int    `json:"reference_id"`
}

func (d Document) GetReferenceId() int {
	return d.ReferenceID
}

type NewDocument struct {
	ID          int    `json:"id"`
	IsDeleted   *bool  `json:"is_deleted"`
	DocumentUrl string `json:"document_url" binding:"required"`
}

func (input NewDocument) mapInput(referenceType string, referenceId int) (*Document, error) {
	if err := utils.CheckImageExistInGCS(input.DocumentUrl); err != nil {
		return nil, err
	}
	return &Document{
		DocumentUrl:   input.DocumentUrl,
		ReferenceType: referenceType,
		ReferenceID:   referenceId,
	}, nil
}

func mapNewDocuments(input []*NewDocument, referenceType string, referenceId int) ([]*Document, error) {
	var documents []*Document
	for _, i := range input {
		d, err := i.mapInput(referenceType, referenceId)
		if err != nil {
			return nil, err
		}
		documents = append(documents, d)
	}
	return documents, nil
}

// upsertDocuments reconciles the stored documents of a record with the input:
// new URLs are created, flagged ones deleted, the rest left alone.
func upsertDocuments(ctx context.Context, tx *gorm.DB, input []*NewDocument, referenceType string, referenceId int) ([]*Document, error) {
	for _, i := range input {
		if i.ID > 0 {
			if i.IsDeleted != nil && *i.IsDeleted {
				var existing Document
				if err := tx.WithContext(ctx).
					Where("reference_type = ? AND reference_id = ?", referenceType, referenceId).
					First(&existing, i.ID).Error; err != nil {
					return nil, utils.ErrorRecordNotFound
				}
				if err := tx.WithContext(ctx).Delete(&existing).Error; err != nil {
					return nil, err
				}
				if err := utils.DeleteImageFromGCS(ctx, utils.ExtractObjectKeyFromURL(existing.DocumentUrl)); err != nil {
					return nil, err
				}
			}
			continue
		}

		document, err := i.mapInput(referenceType, referenceId)
		if err != nil {
			return nil, err
		}
		if err := tx.WithContext(ctx).Create(document).Error; err != nil {
			return nil, err
		}
	}

	var documents []*Document
	if err := tx.WithContext(ctx).
		Where("reference_type = ? AND reference_id = ?", referenceType, referenceId).
		Find(&documents).Error; err != nil {
		return nil, err
	}
	return documents, nil
}

func deleteDocuments(ctx context.Context, tx *gorm.DB, documents []*Document) error {
	for _, doc := range documents {
		if err := tx.WithContext(ctx).Delete(doc).Error; err != nil {
			return err
		}
		if err := utils.DeleteImageFromGCS(ctx, utils.ExtractObjectKeyFromURL(doc.DocumentUrl)); err != nil {
			return err
		}
	}
	return nil
}

func GetDocument(ctx context.Context, id int) (*Document, error) {

	var result Document
	db := config.GetDB()
	if err := db.WithContext(ctx).First(&result, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	// fail closed on tenant ownership unless explicitly bypassed for admin ops
	if skip, ok := utils.GetSkipTenantScopeFromContext(ctx); ok && skip {
		return &result, nil
	}
	if isAdmin, ok := utils.GetIsAdminFromContext(ctx); ok && isAdmin {
		return &result, nil
	}

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if result.ReferenceType == "" || result.ReferenceID <= 0 {
		return nil, errors.New("unauthorized")
	}

	tableByRefType := map[string]string{
		"stock_opnames":      "stock_opnames",
		"stock_opname_items": "stock_opname_items",
		"variance_incidents": "variance_incidents",
	}
	table, ok := tableByRefType[result.ReferenceType]
	if !ok || table == "" {
		// unknown polymorphic type, deny rather than risk cross-tenant leakage
		return nil, errors.New("unauthorized")
	}

	var count int64
	if err := db.WithContext(ctx).
		Table(table).
		Where("business_id = ? AND id = ?", businessId, result.ReferenceID).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, errors.New("unauthorized")
	}

	return &result, nil
}

// RemoveFile deletes an uploaded object that is not referenced by any record.
func RemoveFile(ctx context.Context, fullUrl string) error {

	var count int64
	db := config.GetDB()
	if err := db.Model(&Document{}).WithContext(ctx).Where("document_url = ?", fullUrl).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return errors.New("cannot delete file associated with database")
	}

	objectName := utils.ExtractObjectKeyFromURL(fullUrl)
	if objectName == "" {
		return errors.New("invalid url")
	}
	if ok, err := utils.ObjectExistsInGCS(ctx, objectName); !ok || err != nil {
		return errors.New("object does not exist")
	}

	return utils.DeleteImageFromGCS(ctx, objectName)
}

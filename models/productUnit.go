package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/utils"
)

type ProductUnit struct {
	ID           int       `gorm:"primary_key" json:"id"`
	BusinessId   string    `gorm:"index;not null" json:"business_id"`
	Name         string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Abbreviation string    `gorm:"size:20" json:"abbreviation"`
	Precision    int       `gorm:"not null;default:0" json:"precision"`
	IsActive     *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProductUnit struct {
	Name         string `json:"name" binding:"required"`
	Abbreviation string `json:"abbreviation"`
	Precision    int    `json:"precision"`
}

func (u ProductUnit) GetId() int {
	return u.ID
}

func (u ProductUnit) GetBusinessId() string {
	return u.BusinessId
}

func (u ProductUnit) GetDefault(id int) Data {
	return ProductUnit{
		ID:   id,
		Name: "deleted unit",
	}
}

func CreateProductUnit(ctx context.Context, input *NewProductUnit) (*ProductUnit, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateUnique[ProductUnit](ctx, businessId, "name", input.Name, 0); err != nil {
		return nil, err
	}

	unit := ProductUnit{
		BusinessId:   businessId,
		Name:         input.Name,
		Abbreviation: input.Abbreviation,
		Precision:    input.Precision,
		IsActive:     utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&unit).Error; err != nil {
		return nil, err
	}
	return &unit, nil
}

func GetProductUnit(ctx context.Context, id int) (*ProductUnit, error) {
	return GetResource[ProductUnit](ctx, id)
}

func ListAllProductUnits(ctx context.Context) ([]*ProductUnit, error) {
	return ListAllResource[ProductUnit, ProductUnit](ctx, "name")
}

package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/utils"
)

type Product struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	BusinessId         string          `gorm:"index;not null" json:"business_id"`
	Name               string          `gorm:"size:255;not null" json:"name" binding:"required"`
	Sku                string          `gorm:"size:100;index" json:"sku"`
	Barcode            string          `gorm:"size:100;index" json:"barcode"`
	UnitId             int             `gorm:"index" json:"unit_id"`
	Unit               *ProductUnit    `gorm:"foreignKey:UnitId" json:"unit,omitempty"`
	PurchasePrice      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"purchase_price"`
	IsInventoryTracked *bool           `gorm:"not null;default:true" json:"is_inventory_tracked"`
	IsActive           *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name               string          `json:"name" binding:"required"`
	Sku                string          `json:"sku"`
	Barcode            string          `json:"barcode"`
	UnitId             int             `json:"unit_id"`
	PurchasePrice      decimal.Decimal `json:"purchase_price"`
	IsInventoryTracked *bool           `json:"is_inventory_tracked"`
}

type ProductsConnection struct {
	Edges    []*ProductsEdge `json:"edges"`
	PageInfo *PageInfo       `json:"pageInfo"`
}

type ProductsEdge Edge[Product]

func (p Product) GetId() int {
	return p.ID
}

func (p Product) GetBusinessId() string {
	return p.BusinessId
}

func (p Product) GetCursor() string {
	return p.CreatedAt.String()
}

func (p Product) GetDefault(id int) Data {
	return Product{
		ID:        id,
		IsActive:  utils.NewFalse(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

// validate input for both create & update. (id = 0 for create)
func (input *NewProduct) validate(ctx context.Context, businessId string, id int) error {
	if input.Sku != "" {
		if err := utils.ValidateUnique[Product](ctx, businessId, "sku", input.Sku, id); err != nil {
			return err
		}
	}
	if input.UnitId > 0 {
		if err := utils.ValidateResourceId[ProductUnit](ctx, businessId, input.UnitId); err != nil {
			return errors.New("product unit not found")
		}
	}
	if input.PurchasePrice.IsNegative() {
		return errors.New("purchase price cannot be negative")
	}
	return nil
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	tracked := input.IsInventoryTracked
	if tracked == nil {
		tracked = utils.NewTrue()
	}

	product := Product{
		BusinessId:         businessId,
		Name:               input.Name,
		Sku:                input.Sku,
		Barcode:            input.Barcode,
		UnitId:             input.UnitId,
		PurchasePrice:      input.PurchasePrice,
		IsInventoryTracked: tracked,
		IsActive:           utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func UpdateProduct(ctx context.Context, id int, input *NewProduct) (*Product, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	product, err := utils.FetchModel[Product](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"Name":          input.Name,
		"Sku":           input.Sku,
		"Barcode":       input.Barcode,
		"UnitId":        input.UnitId,
		"PurchasePrice": input.PurchasePrice,
	}
	if input.IsInventoryTracked != nil {
		updates["IsInventoryTracked"] = *input.IsInventoryTracked
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&product).Updates(updates).Error; err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(*product); err != nil {
		return nil, err
	}

	return product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	return GetResource[Product](ctx, id)
}

func PaginateProducts(ctx context.Context, limit *int, after *string, name *string, sku *string) (*ProductsConnection, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)

	if name != nil && *name != "" {
		dbCtx.Where("name LIKE ?", "%"+*name+"%")
	}
	if sku != nil && *sku != "" {
		dbCtx.Where("sku LIKE ?", "%"+*sku+"%")
	}

	edges, pageInfo, err := FetchPageCompositeCursor[Product](dbCtx, *limit, after, "created_at", "<")
	if err != nil {
		return nil, err
	}

	var connection ProductsConnection
	connection.PageInfo = pageInfo
	for _, edge := range edges {
		productsEdge := ProductsEdge(edge)
		connection.Edges = append(connection.Edges, &productsEdge)
	}
	return &connection, nil
}

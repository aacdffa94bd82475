package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/utils"
)

// StockOpnameItem is one product line in a counting session. SystemQty and
// UnitCost are frozen at session creation; later stock movements never
// reclassify a recorded count.
type StockOpnameItem struct {
	ID                int               `gorm:"primary_key" json:"id"`
	BusinessId        string            `gorm:"size:64;not null;index" json:"business_id"`
	StockOpnameId     int               `gorm:"index;not null" json:"stock_opname_id"`
	ProductId         int               `gorm:"not null;index" json:"product_id"`
	ProductType       ProductType       `gorm:"type:enum('S','V');default:S" json:"product_type"`
	ProductName       string            `gorm:"size:255" json:"product_name"`
	Sku               string            `gorm:"size:100" json:"sku"`
	UnitName          string            `gorm:"size:100" json:"unit_name"`
	UnitCost          decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	SystemQty         decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"system_qty"`
	PhysicalQty       decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"physical_qty"`
	CountedAt         *time.Time        `json:"counted_at"`
	CountedBy         int               `gorm:"default:0" json:"counted_by"`
	Difference        decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"difference"`
	VariancePercent   decimal.Decimal   `gorm:"type:decimal(20,8);default:0" json:"variance_percent"`
	VarianceUnbounded *bool             `gorm:"not null;default:false" json:"variance_unbounded"`
	VarianceValue     decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"variance_value"`
	VarianceCategory  VarianceCategory  `gorm:"type:enum('None','Minor','Moderate','Major');default:None" json:"variance_category"`
	CurrentStatus     OpnameItemStatus  `gorm:"type:enum('Pending','Counted','Verified','Investigated','Approved');default:Pending" json:"current_status"`
	VerifiedAt        *time.Time        `json:"verified_at"`
	VerifiedBy        int               `gorm:"default:0" json:"verified_by"`
	Notes             string            `gorm:"type:text" json:"notes"`
	Documents         []*Document       `gorm:"polymorphic:Reference" json:"documents"`
	Incidents         []VarianceIncident `gorm:"foreignKey:StockOpnameItemId" json:"incidents"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewPhysicalCount struct {
	PhysicalQty decimal.Decimal `json:"physical_qty"`
	Notes       string          `json:"notes"`
	Documents   []*NewDocument  `json:"documents"`
}

func (i StockOpnameItem) GetId() int {
	return i.ID
}

func (i StockOpnameItem) GetBusinessId() string {
	return i.BusinessId
}

// Pending items take their first count, Counted items may be recounted before
// resolution. Investigated items are frozen until their incident is decided.
func canRecordCount(status OpnameItemStatus) bool {
	return status == OpnameItemStatusPending || status == OpnameItemStatusCounted
}

// canVerify gates the Counted -> Verified transition. A variance above the
// moderate line must go through an incident instead.
func canVerify(status OpnameItemStatus, category VarianceCategory) error {
	if status != OpnameItemStatusCounted {
		switch status {
		case OpnameItemStatusPending:
			return errors.New("item has not been counted yet")
		case OpnameItemStatusInvestigated:
			return errors.New("item is under investigation")
		default:
			return errors.New("item is already resolved")
		}
	}
	if category.RequiresIncident() {
		return ErrIncidentRequired
	}
	return nil
}

// guardOpnameOpenForCounting rejects count mutations on sessions past the
// counting phase.
func guardOpnameOpenForCounting(status StockOpnameStatus) error {
	switch status {
	case StockOpnameStatusPosted:
		return ErrAlreadyPosted
	case StockOpnameStatusCompleted:
		return errors.New("stock opname is already completed")
	default:
		return nil
	}
}

// RecordPhysicalCount stores (or overwrites) the physical quantity of one item
// and atomically classifies its variance against the frozen snapshot. The item
// row is locked for the duration, and the session row is share-locked so a
// concurrent posting cannot interleave.
func RecordPhysicalCount(ctx context.Context, opnameId int, itemId int, input *NewPhysicalCount) (*StockOpnameItem, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}

	// reject before any state is touched
	if input.PhysicalQty.IsNegative() {
		return nil, ErrInvalidQuantity
	}

	db := config.GetDB()
	tx := db.Begin()

	var opname StockOpname
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "SHARE"}).
		Where("business_id = ?", businessId).
		First(&opname, opnameId).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}
	if err := guardOpnameOpenForCounting(opname.CurrentStatus); err != nil {
		tx.Rollback()
		return nil, err
	}

	var item StockOpnameItem
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND stock_opname_id = ?", businessId, opnameId).
		First(&item, itemId).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}

	if !canRecordCount(item.CurrentStatus) {
		tx.Rollback()
		return nil, fmt.Errorf("item %d cannot be counted while %s", item.ID, item.CurrentStatus)
	}

	before := item

	variance := ClassifyVariance(item.SystemQty, input.PhysicalQty, item.UnitCost, config.GetVarianceThresholds())

	now := time.Now()
	if err := tx.WithContext(ctx).Model(&item).Updates(map[string]interface{}{
		"PhysicalQty":       input.PhysicalQty,
		"CountedAt":         &now,
		"CountedBy":         userId,
		"Difference":        variance.Difference,
		"VariancePercent":   variance.Percentage,
		"VarianceUnbounded": variance.Unbounded,
		"VarianceValue":     variance.Value,
		"VarianceCategory":  variance.Category,
		"CurrentStatus":     OpnameItemStatusCounted,
		"Notes":             input.Notes,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if len(input.Documents) > 0 {
		documents, err := upsertDocuments(ctx, tx, input.Documents, "stock_opname_items", item.ID)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		item.Documents = documents
	}

	// first count moves the session out of Draft
	if opname.CurrentStatus == StockOpnameStatusDraft {
		if err := tx.WithContext(ctx).Model(&opname).
			Update("CurrentStatus", StockOpnameStatusInProgress).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	description := fmt.Sprintf("Counted %s of %s (variance %s)",
		input.PhysicalQty.String(), item.ProductName, variance.Category)
	if err := createHistory(tx.WithContext(ctx), "Count", item.ID, "stock_opname_items", before, item, description); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &item, nil
}

// VerifyOpnameItem resolves a counted item without investigation. Only None
// and Minor variances qualify.
func VerifyOpnameItem(ctx context.Context, opnameId int, itemId int) (*StockOpnameItem, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}

	db := config.GetDB()
	tx := db.Begin()

	var opname StockOpname
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "SHARE"}).
		Where("business_id = ?", businessId).
		First(&opname, opnameId).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}
	if opname.CurrentStatus == StockOpnameStatusPosted {
		tx.Rollback()
		return nil, ErrAlreadyPosted
	}

	var item StockOpnameItem
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND stock_opname_id = ?", businessId, opnameId).
		First(&item, itemId).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}

	if err := canVerify(item.CurrentStatus, item.VarianceCategory); err != nil {
		tx.Rollback()
		return nil, err
	}

	before := item
	now := time.Now()
	if err := tx.WithContext(ctx).Model(&item).Updates(map[string]interface{}{
		"CurrentStatus": OpnameItemStatusVerified,
		"VerifiedAt":    &now,
		"VerifiedBy":    userId,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	description := fmt.Sprintf("Verified %s variance of %s", item.VarianceCategory, item.ProductName)
	if err := createHistory(tx.WithContext(ctx), "Verify", item.ID, "stock_opname_items", before, item, description); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &item, nil
}

// GetOpnameItem fetches one item of a session with its documents and incidents.
func GetOpnameItem(ctx context.Context, opnameId int, itemId int) (*StockOpnameItem, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var item StockOpnameItem
	db := config.GetDB()
	if err := db.WithContext(ctx).
		Preload("Documents").
		Preload("Incidents").
		Preload("Incidents.Whys").
		Where("business_id = ? AND stock_opname_id = ?", businessId, opnameId).
		First(&item, itemId).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &item, nil
}

// ListOpnameItems lists the items of a session, optionally filtered by status
// or variance category.
func ListOpnameItems(ctx context.Context, opnameId int, status *OpnameItemStatus, category *VarianceCategory) ([]*StockOpnameItem, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).
		Where("business_id = ? AND stock_opname_id = ?", businessId, opnameId)
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("current_status = ?", *status)
	}
	if category != nil && *category != "" {
		dbCtx = dbCtx.Where("variance_category = ?", *category)
	}

	var items []*StockOpnameItem
	if err := dbCtx.Order("product_name, id").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

package models

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/utils"
)

// InventoryAdjustmentBatch is the posting output of one stock opname. The
// unique index on stock_opname_id is the last line of defense against a
// double post slipping past the advisory lock.
type InventoryAdjustmentBatch struct {
	ID            int                       `gorm:"primary_key" json:"id"`
	BusinessId    string                    `gorm:"size:64;not null;index" json:"business_id"`
	BatchNumber   string                    `gorm:"size:100;not null" json:"batch_number"`
	StockOpnameId int                       `gorm:"not null;uniqueIndex" json:"stock_opname_id"`
	BranchId      int                       `gorm:"not null" json:"branch_id"`
	WarehouseId   int                       `gorm:"not null" json:"warehouse_id"`
	Lines         []InventoryAdjustmentLine `gorm:"foreignKey:BatchId" json:"lines"`
	PostedBy      int                       `gorm:"not null" json:"posted_by"`
	PostedAt      time.Time                 `gorm:"not null" json:"posted_at"`
	CreatedAt     time.Time                 `gorm:"autoCreateTime" json:"created_at"`
}

// InventoryAdjustmentLine carries one signed stock delta. A positive QtyDelta
// raises system stock toward the physical count, a negative one lowers it.
type InventoryAdjustmentLine struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	BatchId            int             `gorm:"index;not null" json:"batch_id"`
	StockOpnameItemId  int             `gorm:"index;not null" json:"stock_opname_item_id"`
	VarianceIncidentId *int            `gorm:"index" json:"variance_incident_id"`
	ProductId          int             `gorm:"not null" json:"product_id"`
	ProductType        ProductType     `gorm:"type:enum('S','V');default:S" json:"product_type"`
	Sku                string          `gorm:"size:100" json:"sku"`
	QtyDelta           decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_delta"`
	UnitCost           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	LineValue          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"line_value"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type AdjustmentBatchesConnection struct {
	Edges    []*AdjustmentBatchesEdge `json:"edges"`
	PageInfo *PageInfo                `json:"pageInfo"`
}

type AdjustmentBatchesEdge Edge[InventoryAdjustmentBatch]

func (b InventoryAdjustmentBatch) GetId() int {
	return b.ID
}

func (b InventoryAdjustmentBatch) GetBusinessId() string {
	return b.BusinessId
}

func (b InventoryAdjustmentBatch) GetCursor() string {
	return b.CreatedAt.String()
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// EmitAdjustmentBatch derives the adjustment batch from a session's items.
// Stateless over its inputs: the same items always produce the same lines.
// Every item must be terminal; zero-difference items produce no line. Approved
// incidents are back-referenced on their lines for the audit trail.
func EmitAdjustmentBatch(ctx context.Context, tx *gorm.DB, opname *StockOpname, items []StockOpnameItem) (*InventoryAdjustmentBatch, error) {

	userId, _ := utils.GetUserIdFromContext(ctx)

	for _, item := range items {
		if !item.CurrentStatus.IsTerminal() {
			return nil, ErrUnresolvedItems
		}
	}

	// map approved incidents by item for line back-references
	incidentByItem := make(map[int]int)
	var incidents []VarianceIncident
	if err := tx.WithContext(ctx).
		Where("business_id = ? AND stock_opname_id = ? AND current_status = ?",
			opname.BusinessId, opname.ID, VarianceIncidentStatusApproved).
		Find(&incidents).Error; err != nil {
		return nil, err
	}
	for _, incident := range incidents {
		incidentByItem[incident.StockOpnameItemId] = incident.ID
	}

	lines := make([]InventoryAdjustmentLine, 0, len(items))
	for _, item := range items {
		if item.Difference.IsZero() {
			continue
		}
		line := InventoryAdjustmentLine{
			StockOpnameItemId: item.ID,
			ProductId:         item.ProductId,
			ProductType:       item.ProductType,
			Sku:               item.Sku,
			QtyDelta:          item.Difference,
			UnitCost:          item.UnitCost,
			LineValue:         item.VarianceValue,
		}
		if incidentId, ok := incidentByItem[item.ID]; ok {
			line.VarianceIncidentId = &incidentId
		}
		lines = append(lines, line)
	}

	batch := InventoryAdjustmentBatch{
		BusinessId:    opname.BusinessId,
		BatchNumber:   "ADJ-" + opname.OpnameNumber,
		StockOpnameId: opname.ID,
		BranchId:      opname.BranchId,
		WarehouseId:   opname.WarehouseId,
		Lines:         lines,
		PostedBy:      userId,
		PostedAt:      time.Now(),
	}

	if err := tx.WithContext(ctx).Create(&batch).Error; err != nil {
		if isDuplicateEntry(err) {
			return nil, ErrAlreadyPosted
		}
		return nil, err
	}

	return &batch, nil
}

func GetAdjustmentBatch(ctx context.Context, id int) (*InventoryAdjustmentBatch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	return utils.FetchModel[InventoryAdjustmentBatch](ctx, businessId, id, "Lines")
}

// GetAdjustmentBatchForOpname fetches the batch a posted session emitted.
func GetAdjustmentBatchForOpname(ctx context.Context, opnameId int) (*InventoryAdjustmentBatch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var batch InventoryAdjustmentBatch
	db := config.GetDB()
	if err := db.WithContext(ctx).
		Preload("Lines").
		Where("business_id = ? AND stock_opname_id = ?", businessId, opnameId).
		First(&batch).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &batch, nil
}

func PaginateAdjustmentBatches(
	ctx context.Context, limit *int, after *string,
	warehouseID *int,
) (*AdjustmentBatchesConnection, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)

	if warehouseID != nil && *warehouseID > 0 {
		dbCtx.Where("warehouse_id = ?", *warehouseID)
	}

	edges, pageInfo, err := FetchPageCompositeCursor[InventoryAdjustmentBatch](dbCtx, *limit, after, "created_at", "<")
	if err != nil {
		return nil, err
	}

	var connection AdjustmentBatchesConnection
	connection.PageInfo = pageInfo
	for _, edge := range edges {
		adjustmentBatchesEdge := AdjustmentBatchesEdge(edge)
		connection.Edges = append(connection.Edges, &adjustmentBatchesEdge)
	}
	return &connection, nil
}

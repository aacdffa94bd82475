package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/utils"
)

// StockOpname is a physical counting session over one warehouse (optionally a
// sub-location). Items snapshot system quantities at creation time.
type StockOpname struct {
	ID            int               `gorm:"primary_key" json:"id"`
	BusinessId    string            `gorm:"size:64;not null;index" json:"business_id"`
	OpnameNumber  string            `gorm:"size:100;not null" json:"opname_number"`
	BranchId      int               `gorm:"not null" json:"branch_id"`
	WarehouseId   int               `gorm:"not null;index" json:"warehouse_id"`
	SubLocation   string            `gorm:"size:255" json:"sub_location"`
	ScheduledDate time.Time         `gorm:"not null" json:"scheduled_date"`
	CurrentStatus StockOpnameStatus `gorm:"type:enum('Draft','InProgress','Completed','Posted');default:Draft" json:"current_status"`
	SupervisorId  int               `gorm:"not null" json:"supervisor_id"`
	Notes         string            `gorm:"type:text" json:"notes"`
	CompletedAt   *time.Time        `json:"completed_at"`
	CompletedBy   int               `gorm:"default:0" json:"completed_by"`
	PostedAt      *time.Time        `json:"posted_at"`
	PostedBy      int               `gorm:"default:0" json:"posted_by"`
	Items         []StockOpnameItem `gorm:"foreignKey:StockOpnameId" json:"items"`
	Documents     []*Document       `gorm:"polymorphic:Reference" json:"documents"`
	CreatedBy     int               `gorm:"not null" json:"created_by"`
	CreatedAt     time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedBy     int               `json:"updated_by"`
	UpdatedAt     time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewStockOpname struct {
	BranchId      int            `json:"branch_id" binding:"required"`
	WarehouseId   int            `json:"warehouse_id" binding:"required"`
	SubLocation   string         `json:"sub_location"`
	ScheduledDate time.Time      `json:"scheduled_date" binding:"required"`
	SupervisorId  int            `json:"supervisor_id" binding:"required"`
	Notes         string         `json:"notes"`
	Documents     []*NewDocument `json:"documents"`
	// ProductIds restricts the snapshot to selected products (cycle count);
	// empty means every tracked product of the warehouse.
	ProductIds []int `json:"product_ids"`
}

// OpnameProgress are on-demand aggregates over a session's items. They are
// recomputed from rows on every read instead of being stored, so no counter
// can drift under concurrent counting.
type OpnameProgress struct {
	TotalItems         int             `json:"total_items"`
	CountedItems       int             `json:"counted_items"`
	ResolvedItems      int             `json:"resolved_items"`
	VarianceItems      int             `json:"variance_items"`
	TotalVarianceValue decimal.Decimal `json:"total_variance_value"`
}

type StockOpnamesConnection struct {
	Edges    []*StockOpnamesEdge `json:"edges"`
	PageInfo *PageInfo           `json:"pageInfo"`
}

type StockOpnamesEdge Edge[StockOpname]

func (o StockOpname) GetId() int {
	return o.ID
}

func (o StockOpname) GetBusinessId() string {
	return o.BusinessId
}

func (o StockOpname) GetCursor() string {
	return o.CreatedAt.String()
}

func (input *NewStockOpname) validate(ctx context.Context, businessId string) error {
	if err := utils.ValidateResourceId[Branch](ctx, businessId, input.BranchId); err != nil {
		return errors.New("branch not found")
	}
	if err := utils.ValidateResourceId[Warehouse](ctx, businessId, input.WarehouseId); err != nil {
		return errors.New("warehouse not found")
	}
	if err := utils.ValidateResourceId[User](ctx, businessId, input.SupervisorId); err != nil {
		return errors.New("supervisor not found")
	}
	if len(input.ProductIds) > 0 {
		if err := utils.ValidateResourcesId[Product](ctx, businessId, utils.UniqueSlice(input.ProductIds)); err != nil {
			return errors.New("product not found")
		}
	}
	return nil
}

// nextOpnameNumber issues SO-%06d per business. The redis counter is the fast
// path; it is seeded from the highest number already issued, under a
// redislock so two instances cannot hand out the same number.
func nextOpnameNumber(ctx context.Context, businessId string) (string, error) {

	counterKey := "OpnameNumber:" + businessId

	locker := config.GetRedisLock()
	if locker == nil {
		return "", errors.New("service not ready (redis lock not initialized)")
	}
	lock, err := locker.Obtain(ctx, "lock:"+counterKey, 10*time.Second, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(100 * time.Millisecond),
	})
	if err != nil {
		return "", err
	}
	defer func() {
		_ = lock.Release(ctx)
	}()

	exists, err := config.RedisKeyExists(counterKey)
	if err != nil {
		return "", err
	}
	if !exists {
		var maxNumber int64
		db := config.GetDB()
		// COUNT would repeat numbers after a purge; the suffix of the last
		// issued number cannot
		if err := db.WithContext(ctx).Model(&StockOpname{}).
			Where("business_id = ?", businessId).
			Select("COALESCE(MAX(CAST(SUBSTRING(opname_number, 4) AS UNSIGNED)), 0)").
			Scan(&maxNumber).Error; err != nil {
			return "", err
		}
		if err := config.SetRedisValue(counterKey, fmt.Sprint(maxNumber), 0); err != nil {
			return "", err
		}
	}

	next, err := config.GetRedisCounter(ctx, counterKey)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SO-%06d", next), nil
}

// CreateStockOpname opens a session and snapshots system quantity and unit
// cost for every item in scope. The snapshot is the baseline all variances
// are classified against, regardless of later stock movement.
func CreateStockOpname(ctx context.Context, input *NewStockOpname) (*StockOpname, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	documents, err := mapNewDocuments(input.Documents, "stock_opnames", 0)
	if err != nil {
		return nil, err
	}

	opnameNumber, err := nextOpnameNumber(ctx, businessId)
	if err != nil {
		return nil, err
	}

	items, err := snapshotOpnameItems(ctx, businessId, input.WarehouseId, input.ProductIds)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.New("no tracked products to count in this warehouse")
	}

	opname := StockOpname{
		BusinessId:    businessId,
		OpnameNumber:  opnameNumber,
		BranchId:      input.BranchId,
		WarehouseId:   input.WarehouseId,
		SubLocation:   input.SubLocation,
		ScheduledDate: input.ScheduledDate,
		CurrentStatus: StockOpnameStatusDraft,
		SupervisorId:  input.SupervisorId,
		Notes:         input.Notes,
		Documents:     documents,
		Items:         items,
		CreatedBy:     userId,
	}

	db := config.GetDB()
	tx := db.Begin()

	if err := tx.WithContext(ctx).Create(&opname).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	description := fmt.Sprintf("Stock opname %s created with %d items", opname.OpnameNumber, len(items))
	if err := createHistory(tx.WithContext(ctx), "Create", opname.ID, "stock_opnames", nil, opname, description); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &opname, nil
}

// snapshotOpnameItems builds Pending items from the product catalog joined
// with the warehouse stock cache. Untracked and inactive products are skipped.
func snapshotOpnameItems(ctx context.Context, businessId string, warehouseId int, productIds []int) ([]StockOpnameItem, error) {

	type snapshotRow struct {
		ProductId     int
		ProductName   string
		Sku           string
		UnitName      string
		PurchasePrice decimal.Decimal
		SystemQty     decimal.Decimal
	}

	db := config.GetDB()
	sql := `
		SELECT
			p.id AS product_id,
			p.name AS product_name,
			p.sku AS sku,
			COALESCE(u.name, '') AS unit_name,
			p.purchase_price AS purchase_price,
			COALESCE(s.current_qty, 0) AS system_qty
		FROM products p
		LEFT JOIN product_units u ON u.id = p.unit_id
		LEFT JOIN stock_summaries s
			ON s.product_id = p.id
			AND s.product_type = 'S'
			AND s.warehouse_id = ?
			AND s.business_id = p.business_id
		WHERE p.business_id = ?
			AND p.is_active = 1
			AND p.is_inventory_tracked = 1`
	args := []interface{}{warehouseId, businessId}
	if len(productIds) > 0 {
		sql += ` AND p.id IN (?)`
		args = append(args, productIds)
	}
	sql += ` ORDER BY p.name, p.id`

	var rows []snapshotRow
	if err := db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}

	items := make([]StockOpnameItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, StockOpnameItem{
			BusinessId:        businessId,
			ProductId:         row.ProductId,
			ProductType:       ProductTypeSingle,
			ProductName:       row.ProductName,
			Sku:               row.Sku,
			UnitName:          row.UnitName,
			UnitCost:          row.PurchasePrice,
			SystemQty:         row.SystemQty,
			VarianceUnbounded: utils.NewFalse(),
			CurrentStatus:     OpnameItemStatusPending,
		})
	}
	return items, nil
}

// CompleteStockOpname closes the counting phase. Every item must be in a
// terminal status first.
func CompleteStockOpname(ctx context.Context, id int) (*StockOpname, error) {

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
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&opname, id).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}

	switch opname.CurrentStatus {
	case StockOpnameStatusPosted:
		tx.Rollback()
		return nil, ErrAlreadyPosted
	case StockOpnameStatusCompleted:
		tx.Rollback()
		return nil, errors.New("stock opname is already completed")
	}

	var openCount int64
	if err := tx.WithContext(ctx).Model(&StockOpnameItem{}).
		Where("business_id = ? AND stock_opname_id = ? AND current_status NOT IN ?",
			businessId, id, []OpnameItemStatus{OpnameItemStatusVerified, OpnameItemStatusApproved}).
		Count(&openCount).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if openCount > 0 {
		tx.Rollback()
		return nil, fmt.Errorf("%w: %d items remain open", ErrIncompleteCount, openCount)
	}

	before := opname
	now := time.Now()
	if err := tx.WithContext(ctx).Model(&opname).Updates(map[string]interface{}{
		"CurrentStatus": StockOpnameStatusCompleted,
		"CompletedAt":   &now,
		"CompletedBy":   userId,
		"UpdatedBy":     userId,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	description := fmt.Sprintf("Stock opname %s completed", opname.OpnameNumber)
	if err := createHistory(tx.WithContext(ctx), "Complete", opname.ID, "stock_opnames", before, opname, description); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &opname, nil
}

// PostStockOpname emits the adjustment batch for a completed session exactly
// once, writes the stock ledger outbox record in the same transaction and
// closes the approved incidents. Serialized per session by a MySQL advisory
// lock on top of the row lock, so a concurrent double post deterministically
// returns ErrAlreadyPosted.
func PostStockOpname(ctx context.Context, id int) (*StockOpname, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}

	db := config.GetDB()

	var opname StockOpname
	err := db.Transaction(func(tx *gorm.DB) error {
		// GET_LOCK is connection-scoped; the transaction handle is the only
		// one pinned to a single connection, so acquire and release on it.
		// The deferred release runs before the transaction commits.
		if err := AcquireOpnamePostingLock(tx, businessId, id); err != nil {
			return err
		}
		defer ReleaseOpnamePostingLock(tx, businessId, id)

		if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ?", businessId).
			First(&opname, id).Error; err != nil {
			return utils.ErrorRecordNotFound
		}

		if opname.CurrentStatus == StockOpnameStatusPosted {
			return ErrAlreadyPosted
		}
		if opname.CurrentStatus == StockOpnameStatusDraft {
			return errors.New("stock opname has no recorded counts to post")
		}

		var items []StockOpnameItem
		if err := tx.WithContext(ctx).
			Where("business_id = ? AND stock_opname_id = ?", businessId, id).
			Order("id").
			Find(&items).Error; err != nil {
			return err
		}

		batch, err := EmitAdjustmentBatch(ctx, tx, &opname, items)
		if err != nil {
			return err
		}

		// approved incidents ride into Closed along with the posting
		if err := tx.WithContext(ctx).Model(&VarianceIncident{}).
			Where("business_id = ? AND stock_opname_id = ? AND current_status = ?",
				businessId, id, VarianceIncidentStatusApproved).
			Update("current_status", VarianceIncidentStatusClosed).Error; err != nil {
			return err
		}

		before := opname
		now := time.Now()
		updates := map[string]interface{}{
			"CurrentStatus": StockOpnameStatusPosted,
			"PostedAt":      &now,
			"PostedBy":      userId,
			"UpdatedBy":     userId,
		}
		if opname.CompletedAt == nil {
			updates["CompletedAt"] = &now
			updates["CompletedBy"] = userId
		}
		if err := tx.WithContext(ctx).Model(&opname).Updates(updates).Error; err != nil {
			return err
		}

		if err := PublishToStockLedger(ctx, tx, businessId, now, batch.ID, LedgerReferenceTypeOpnameAdjustment, batch); err != nil {
			return err
		}

		description := fmt.Sprintf("Stock opname %s posted as batch %s (%d lines)",
			opname.OpnameNumber, batch.BatchNumber, len(batch.Lines))
		return createHistory(tx.WithContext(ctx), "Post", opname.ID, "stock_opnames", before, opname, description)
	})
	if err != nil {
		return nil, err
	}

	return &opname, nil
}

func GetStockOpname(ctx context.Context, id int) (*StockOpname, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	return utils.FetchModel[StockOpname](ctx, businessId, id, "Items", "Documents")
}

// GetOpnameProgress recomputes session aggregates from item rows.
func GetOpnameProgress(ctx context.Context, id int) (*OpnameProgress, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateResourceId[StockOpname](ctx, businessId, id); err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	var progress OpnameProgress
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(`
		SELECT
			COUNT(*) AS total_items,
			COALESCE(SUM(counted_at IS NOT NULL), 0) AS counted_items,
			COALESCE(SUM(current_status IN ('Verified', 'Approved')), 0) AS resolved_items,
			COALESCE(SUM(variance_category <> 'None' AND counted_at IS NOT NULL), 0) AS variance_items,
			COALESCE(SUM(variance_value), 0) AS total_variance_value
		FROM stock_opname_items
		WHERE business_id = ? AND stock_opname_id = ?
	`, businessId, id).Scan(&progress).Error; err != nil {
		return nil, err
	}
	return &progress, nil
}

func PaginateStockOpname(
	ctx context.Context, limit *int, after *string,
	opnameNumber *string,
	branchID *int,
	warehouseID *int,
	currentStatus *StockOpnameStatus,
	startDate *time.Time,
	endDate *time.Time,
) (*StockOpnamesConnection, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)

	if opnameNumber != nil && *opnameNumber != "" {
		dbCtx.Where("opname_number LIKE ?", "%"+*opnameNumber+"%")
	}
	if branchID != nil && *branchID > 0 {
		dbCtx.Where("branch_id = ?", *branchID)
	}
	if warehouseID != nil && *warehouseID > 0 {
		dbCtx.Where("warehouse_id = ?", *warehouseID)
	}
	if currentStatus != nil && *currentStatus != "" {
		dbCtx.Where("current_status = ?", *currentStatus)
	}
	if startDate != nil && endDate != nil {
		dbCtx.Where("scheduled_date BETWEEN ? AND ?", *startDate, *endDate)
	}

	edges, pageInfo, err := FetchPageCompositeCursor[StockOpname](dbCtx, *limit, after, "created_at", "<")
	if err != nil {
		return nil, err
	}

	var connection StockOpnamesConnection
	connection.PageInfo = pageInfo
	for _, edge := range edges {
		stockOpnamesEdge := StockOpnamesEdge(edge)
		connection.Edges = append(connection.Edges, &stockOpnamesEdge)
	}
	return &connection, nil
}

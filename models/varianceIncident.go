package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm/clause"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/utils"
)

const maxIncidentWhys = 5

// VarianceIncident documents the investigation of a moderate or major
// variance: the 5-Whys chain, the root cause and the follow-up actions.
// Category, value and required tier are frozen at opening time.
type VarianceIncident struct {
	ID                int                    `gorm:"primary_key" json:"id"`
	BusinessId        string                 `gorm:"size:64;not null;index" json:"business_id"`
	StockOpnameId     int                    `gorm:"index;not null" json:"stock_opname_id"`
	StockOpnameItemId int                    `gorm:"index;not null" json:"stock_opname_item_id"`
	VarianceCategory  VarianceCategory       `gorm:"type:enum('None','Minor','Moderate','Major')" json:"variance_category"`
	VarianceValue     decimal.Decimal        `gorm:"type:decimal(20,4);default:0" json:"variance_value"`
	RequiredTier      ApprovalTier           `gorm:"type:enum('Supervisor','Manager','Director')" json:"required_tier"`
	Whys              []IncidentWhy          `gorm:"foreignKey:VarianceIncidentId" json:"whys"`
	RootCause         string                 `gorm:"type:text;not null" json:"root_cause"`
	ImmediateAction   string                 `gorm:"type:text" json:"immediate_action"`
	CorrectiveAction  string                 `gorm:"type:text" json:"corrective_action"`
	PreventiveAction  string                 `gorm:"type:text" json:"preventive_action"`
	ResponsibleId     int                    `gorm:"default:0" json:"responsible_id"`
	TargetDate        *time.Time             `json:"target_date"`
	CurrentStatus     VarianceIncidentStatus `gorm:"type:enum('PendingApproval','Approved','Rejected','Closed');default:PendingApproval" json:"current_status"`
	ApprovedBy        int                    `gorm:"default:0" json:"approved_by"`
	ApprovedAt        *time.Time             `json:"approved_at"`
	ApproverComments  string                 `gorm:"type:text" json:"approver_comments"`
	RejectedBy        int                    `gorm:"default:0" json:"rejected_by"`
	RejectedAt        *time.Time             `json:"rejected_at"`
	RejectReason      string                 `gorm:"type:text" json:"reject_reason"`
	Documents         []*Document            `gorm:"polymorphic:Reference" json:"documents"`
	CreatedBy         int                    `gorm:"not null" json:"created_by"`
	CreatedAt         time.Time              `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time              `gorm:"autoUpdateTime" json:"updated_at"`
}

// IncidentWhy is one link in the incident's why chain, ordered by Sequence.
type IncidentWhy struct {
	ID                 int       `gorm:"primary_key" json:"id"`
	VarianceIncidentId int       `gorm:"index;not null" json:"variance_incident_id"`
	Sequence           int       `gorm:"not null" json:"sequence"`
	Description        string    `gorm:"type:text;not null" json:"description"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewVarianceIncident struct {
	Whys             []string       `json:"whys" binding:"required"`
	RootCause        string         `json:"root_cause" binding:"required"`
	ImmediateAction  string         `json:"immediate_action"`
	CorrectiveAction string         `json:"corrective_action"`
	PreventiveAction string         `json:"preventive_action"`
	ResponsibleId    int            `json:"responsible_id"`
	TargetDate       *time.Time     `json:"target_date"`
	Documents        []*NewDocument `json:"documents"`
}

type VarianceIncidentsConnection struct {
	Edges    []*VarianceIncidentsEdge `json:"edges"`
	PageInfo *PageInfo                `json:"pageInfo"`
}

type VarianceIncidentsEdge Edge[VarianceIncident]

func (v VarianceIncident) GetId() int {
	return v.ID
}

func (v VarianceIncident) GetBusinessId() string {
	return v.BusinessId
}

func (v VarianceIncident) GetCursor() string {
	return v.CreatedAt.String()
}

func (input *NewVarianceIncident) validate(ctx context.Context, businessId string) error {
	if len(input.Whys) == 0 {
		return errors.New("at least one why is required")
	}
	if len(input.Whys) > maxIncidentWhys {
		return fmt.Errorf("why chain cannot exceed %d entries", maxIncidentWhys)
	}
	for _, why := range input.Whys {
		if strings.TrimSpace(why) == "" {
			return errors.New("why entries cannot be empty")
		}
	}
	if strings.TrimSpace(input.RootCause) == "" {
		return errors.New("root cause is required")
	}
	if input.ResponsibleId > 0 {
		if err := utils.ValidateResourceId[User](ctx, businessId, input.ResponsibleId); err != nil {
			return errors.New("responsible user not found")
		}
	}
	return nil
}

// OpenVarianceIncident moves a counted item into investigation. The item must
// carry a variance, and only one incident may be pending per item.
func OpenVarianceIncident(ctx context.Context, opnameId int, itemId int, input *NewVarianceIncident) (*VarianceIncident, error) {

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

	var pendingCount int64
	if err := tx.WithContext(ctx).Model(&VarianceIncident{}).
		Where("business_id = ? AND stock_opname_item_id = ? AND current_status = ?",
			businessId, item.ID, VarianceIncidentStatusPendingApproval).
		Count(&pendingCount).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if pendingCount > 0 {
		tx.Rollback()
		return nil, ErrDuplicateIncident
	}

	switch item.CurrentStatus {
	case OpnameItemStatusCounted:
		// eligible
	case OpnameItemStatusPending:
		tx.Rollback()
		return nil, errors.New("item has not been counted yet")
	case OpnameItemStatusInvestigated:
		tx.Rollback()
		return nil, ErrDuplicateIncident
	default:
		tx.Rollback()
		return nil, errors.New("item is already resolved")
	}

	if item.VarianceCategory == VarianceCategoryNone {
		tx.Rollback()
		return nil, ErrItemNotEligible
	}

	whys := make([]IncidentWhy, 0, len(input.Whys))
	for i, why := range input.Whys {
		whys = append(whys, IncidentWhy{
			Sequence:    i + 1,
			Description: strings.TrimSpace(why),
		})
	}

	documents, err := mapNewDocuments(input.Documents, "variance_incidents", 0)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	incident := VarianceIncident{
		BusinessId:        businessId,
		StockOpnameId:     opnameId,
		StockOpnameItemId: item.ID,
		VarianceCategory:  item.VarianceCategory,
		VarianceValue:     item.VarianceValue,
		RequiredTier:      RequiredApprovalTier(item.VarianceCategory, item.VarianceValue, config.GetApprovalThresholds()),
		Whys:              whys,
		RootCause:         input.RootCause,
		ImmediateAction:   input.ImmediateAction,
		CorrectiveAction:  input.CorrectiveAction,
		PreventiveAction:  input.PreventiveAction,
		ResponsibleId:     input.ResponsibleId,
		TargetDate:        input.TargetDate,
		CurrentStatus:     VarianceIncidentStatusPendingApproval,
		Documents:         documents,
		CreatedBy:         userId,
	}

	if err := tx.WithContext(ctx).Create(&incident).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	before := item
	if err := tx.WithContext(ctx).Model(&item).
		Update("CurrentStatus", OpnameItemStatusInvestigated).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	description := fmt.Sprintf("Incident opened for %s (%s, requires %s)",
		item.ProductName, incident.VarianceCategory, incident.RequiredTier)
	if err := createHistory(tx.WithContext(ctx), "Investigate", item.ID, "stock_opname_items", before, item, description); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &incident, nil
}

// ApproveVarianceIncident accepts the investigation. The approver's tier must
// cover the tier frozen on the incident.
func ApproveVarianceIncident(ctx context.Context, id int, comments string) (*VarianceIncident, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}

	tier, err := GetAuthorityProvider().AuthorityTier(ctx, userId)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.Begin()

	var incident VarianceIncident
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&incident, id).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}

	if incident.CurrentStatus != VarianceIncidentStatusPendingApproval {
		tx.Rollback()
		return nil, errors.New("incident is not pending approval")
	}
	if !tier.Covers(incident.RequiredTier) {
		tx.Rollback()
		return nil, fmt.Errorf("%w: %s required, approver holds %s",
			ErrInsufficientAuthority, incident.RequiredTier, tier)
	}

	var item StockOpnameItem
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&item, incident.StockOpnameItemId).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}

	before := incident
	now := time.Now()
	if err := tx.WithContext(ctx).Model(&incident).Updates(map[string]interface{}{
		"CurrentStatus":    VarianceIncidentStatusApproved,
		"ApprovedBy":       userId,
		"ApprovedAt":       &now,
		"ApproverComments": comments,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.WithContext(ctx).Model(&item).Updates(map[string]interface{}{
		"CurrentStatus": OpnameItemStatusApproved,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	description := fmt.Sprintf("Incident approved at %s tier for %s", tier, item.ProductName)
	if err := createHistory(tx.WithContext(ctx), "Approve", incident.ID, "variance_incidents", before, incident, description); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &incident, nil
}

// RejectVarianceIncident sends the item back for a recount. The rejection
// reason is mandatory; the count fields are cleared so the next count starts
// from a clean slate.
func RejectVarianceIncident(ctx context.Context, id int, reason string) (*VarianceIncident, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}

	if strings.TrimSpace(reason) == "" {
		return nil, errors.New("rejection reason is required")
	}

	db := config.GetDB()
	tx := db.Begin()

	var incident VarianceIncident
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&incident, id).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}

	if incident.CurrentStatus != VarianceIncidentStatusPendingApproval {
		tx.Rollback()
		return nil, errors.New("incident is not pending approval")
	}

	var item StockOpnameItem
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&item, incident.StockOpnameItemId).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}

	before := incident
	now := time.Now()
	if err := tx.WithContext(ctx).Model(&incident).Updates(map[string]interface{}{
		"CurrentStatus": VarianceIncidentStatusRejected,
		"RejectedBy":    userId,
		"RejectedAt":    &now,
		"RejectReason":  reason,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	// back to Pending with the count wiped, so the recount reclassifies from scratch
	itemBefore := item
	if err := tx.WithContext(ctx).Model(&item).Updates(map[string]interface{}{
		"CurrentStatus":     OpnameItemStatusPending,
		"PhysicalQty":       decimal.Zero,
		"CountedAt":         nil,
		"CountedBy":         0,
		"Difference":        decimal.Zero,
		"VariancePercent":   decimal.Zero,
		"VarianceUnbounded": false,
		"VarianceValue":     decimal.Zero,
		"VarianceCategory":  VarianceCategoryNone,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	description := fmt.Sprintf("Incident rejected, %s returned for recount: %s", item.ProductName, reason)
	if err := createHistory(tx.WithContext(ctx), "Reject", incident.ID, "variance_incidents", before, incident, description); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := createHistory(tx.WithContext(ctx), "Recount", item.ID, "stock_opname_items", itemBefore, item, "Count cleared after incident rejection"); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &incident, nil
}

func GetVarianceIncident(ctx context.Context, id int) (*VarianceIncident, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	return utils.FetchModel[VarianceIncident](ctx, businessId, id, "Whys", "Documents")
}

func PaginateVarianceIncidents(
	ctx context.Context, limit *int, after *string,
	opnameID *int,
	currentStatus *VarianceIncidentStatus,
	requiredTier *ApprovalTier,
) (*VarianceIncidentsConnection, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)

	if opnameID != nil && *opnameID > 0 {
		dbCtx.Where("stock_opname_id = ?", *opnameID)
	}
	if currentStatus != nil && *currentStatus != "" {
		dbCtx.Where("current_status = ?", *currentStatus)
	}
	if requiredTier != nil && *requiredTier != "" {
		dbCtx.Where("required_tier = ?", *requiredTier)
	}

	edges, pageInfo, err := FetchPageCompositeCursor[VarianceIncident](dbCtx, *limit, after, "created_at", "<")
	if err != nil {
		return nil, err
	}

	var connection VarianceIncidentsConnection
	connection.PageInfo = pageInfo
	for _, edge := range edges {
		varianceIncidentsEdge := VarianceIncidentsEdge(edge)
		connection.Edges = append(connection.Edges, &varianceIncidentsEdge)
	}
	return &connection, nil
}

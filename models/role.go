package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/utils"
)

// Role carries the approval tier its holders exercise when approving
// variance incidents.
type Role struct {
	ID           int          `gorm:"primary_key" json:"id"`
	BusinessId   string       `gorm:"index;not null" json:"business_id"`
	Name         string       `gorm:"size:100;not null" json:"name" binding:"required"`
	ApprovalTier ApprovalTier `gorm:"type:enum('Supervisor','Manager','Director');default:Supervisor" json:"approval_tier"`
	IsActive     *bool        `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewRole struct {
	Name         string       `json:"name" binding:"required"`
	ApprovalTier ApprovalTier `json:"approval_tier" binding:"required"`
}

func (r Role) GetId() int {
	return r.ID
}

func (r Role) GetBusinessId() string {
	return r.BusinessId
}

func (r Role) GetDefault(id int) Data {
	return Role{
		ID:           id,
		Name:         "deleted role",
		ApprovalTier: ApprovalTierSupervisor,
	}
}

func CreateRole(ctx context.Context, input *NewRole) (*Role, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if _, err := ParseApprovalTier(string(input.ApprovalTier)); err != nil {
		return nil, err
	}
	if err := utils.ValidateUnique[Role](ctx, businessId, "name", input.Name, 0); err != nil {
		return nil, err
	}

	role := Role{
		BusinessId:   businessId,
		Name:         input.Name,
		ApprovalTier: input.ApprovalTier,
		IsActive:     utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&role).Error; err != nil {
		return nil, err
	}
	return &role, nil
}

func UpdateRole(ctx context.Context, id int, input *NewRole) (*Role, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if _, err := ParseApprovalTier(string(input.ApprovalTier)); err != nil {
		return nil, err
	}

	role, err := utils.FetchModel[Role](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&role).Updates(map[string]interface{}{
		"Name":         input.Name,
		"ApprovalTier": input.ApprovalTier,
	}).Error; err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(*role); err != nil {
		return nil, err
	}

	return role, nil
}

func GetRole(ctx context.Context, id int) (*Role, error) {
	return GetResource[Role](ctx, id)
}

func ListAllRoles(ctx context.Context) ([]*Role, error) {
	return ListAllResource[Role, Role](ctx, "name")
}

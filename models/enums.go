package models

import (
	"errors"
)

type StockOpnameStatus string

const (
	StockOpnameStatusDraft      StockOpnameStatus = "Draft"
	StockOpnameStatusInProgress StockOpnameStatus = "InProgress"
	StockOpnameStatusCompleted  StockOpnameStatus = "Completed"
	StockOpnameStatusPosted     StockOpnameStatus = "Posted"
)

func ParseStockOpnameStatus(str string) (StockOpnameStatus, error) {
	switch str {
	case "Draft":
		return StockOpnameStatusDraft, nil
	case "InProgress":
		return StockOpnameStatusInProgress, nil
	case "Completed":
		return StockOpnameStatusCompleted, nil
	case "Posted":
		return StockOpnameStatusPosted, nil
	default:
		return "", errors.New("invalid stock opname status")
	}
}

type OpnameItemStatus string

const (
	OpnameItemStatusPending      OpnameItemStatus = "Pending"
	OpnameItemStatusCounted      OpnameItemStatus = "Counted"
	OpnameItemStatusVerified     OpnameItemStatus = "Verified"
	OpnameItemStatusInvestigated OpnameItemStatus = "Investigated"
	OpnameItemStatusApproved     OpnameItemStatus = "Approved"
)

// Verified and Approved items are resolved and eligible for adjustment emission.
func (s OpnameItemStatus) IsTerminal() bool {
	return s == OpnameItemStatusVerified || s == OpnameItemStatusApproved
}

func ParseOpnameItemStatus(str string) (OpnameItemStatus, error) {
	switch str {
	case "Pending":
		return OpnameItemStatusPending, nil
	case "Counted":
		return OpnameItemStatusCounted, nil
	case "Verified":
		return OpnameItemStatusVerified, nil
	case "Investigated":
		return OpnameItemStatusInvestigated, nil
	case "Approved":
		return OpnameItemStatusApproved, nil
	default:
		return "", errors.New("invalid opname item status")
	}
}

type VarianceCategory string

const (
	VarianceCategoryNone     VarianceCategory = "None"
	VarianceCategoryMinor    VarianceCategory = "Minor"
	VarianceCategoryModerate VarianceCategory = "Moderate"
	VarianceCategoryMajor    VarianceCategory = "Major"
)

func (c VarianceCategory) Severity() int {
	switch c {
	case VarianceCategoryMinor:
		return 1
	case VarianceCategoryModerate:
		return 2
	case VarianceCategoryMajor:
		return 3
	default:
		return 0
	}
}

// Moderate and Major variances cannot be verified without an incident.
func (c VarianceCategory) RequiresIncident() bool {
	return c == VarianceCategoryModerate || c == VarianceCategoryMajor
}

func ParseVarianceCategory(str string) (VarianceCategory, error) {
	switch str {
	case "None":
		return VarianceCategoryNone, nil
	case "Minor":
		return VarianceCategoryMinor, nil
	case "Moderate":
		return VarianceCategoryModerate, nil
	case "Major":
		return VarianceCategoryMajor, nil
	default:
		return "", errors.New("invalid variance category")
	}
}

type VarianceIncidentStatus string

const (
	VarianceIncidentStatusPendingApproval VarianceIncidentStatus = "PendingApproval"
	VarianceIncidentStatusApproved        VarianceIncidentStatus = "Approved"
	VarianceIncidentStatusRejected        VarianceIncidentStatus = "Rejected"
	VarianceIncidentStatusClosed          VarianceIncidentStatus = "Closed"
)

func ParseVarianceIncidentStatus(str string) (VarianceIncidentStatus, error) {
	switch str {
	case "PendingApproval":
		return VarianceIncidentStatusPendingApproval, nil
	case "Approved":
		return VarianceIncidentStatusApproved, nil
	case "Rejected":
		return VarianceIncidentStatusRejected, nil
	case "Closed":
		return VarianceIncidentStatusClosed, nil
	default:
		return "", errors.New("invalid variance incident status")
	}
}

type ApprovalTier string

const (
	ApprovalTierSupervisor ApprovalTier = "Supervisor"
	ApprovalTierManager    ApprovalTier = "Manager"
	ApprovalTierDirector   ApprovalTier = "Director"
)

func (t ApprovalTier) Rank() int {
	switch t {
	case ApprovalTierSupervisor:
		return 1
	case ApprovalTierManager:
		return 2
	case ApprovalTierDirector:
		return 3
	default:
		return 0
	}
}

// Covers reports whether a holder of tier t may approve an incident requiring the given tier.
// Higher tiers cover lower ones.
func (t ApprovalTier) Covers(required ApprovalTier) bool {
	return t.Rank() > 0 && t.Rank() >= required.Rank()
}

func ParseApprovalTier(str string) (ApprovalTier, error) {
	switch str {
	case "Supervisor":
		return ApprovalTierSupervisor, nil
	case "Manager":
		return ApprovalTierManager, nil
	case "Director":
		return ApprovalTierDirector, nil
	default:
		return "", errors.New("invalid approval tier")
	}
}

type ProductType string

const (
	ProductTypeSingle  ProductType = "S"
	ProductTypeVariant ProductType = "V"
)

type UserRole string

const (
	UserRoleAdmin UserRole = "A"
	UserRoleOwner UserRole = "O"
	UserRoleStaff UserRole = "C"
)

type LedgerReferenceType string

const (
	LedgerReferenceTypeOpnameAdjustment LedgerReferenceType = "OPA"
)

type OutboxPublishStatus string

const (
	OutboxPublishStatusPending    OutboxPublishStatus = "PENDING"
	OutboxPublishStatusProcessing OutboxPublishStatus = "PROCESSING"
	OutboxPublishStatusSent       OutboxPublishStatus = "SENT"
	OutboxPublishStatusFailed     OutboxPublishStatus = "FAILED"
	OutboxPublishStatusDead       OutboxPublishStatus = "DEAD"
)

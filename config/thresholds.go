package config

import (
	"os"
	"strings"

	"github.com/shopspring/decimal"
)

// VarianceThresholds drives opname variance classification.
// Percentages are whole percents (5 means 5%), values are in the business's
// currency minor unit. Deployments override via env; the defaults below are
// the compatibility baseline and must not change without a migration note.
//
// Env overrides:
// - OPNAME_MAJOR_VARIANCE_PERCENT    (default 5)
// - OPNAME_MODERATE_VARIANCE_PERCENT (default 2)
// - OPNAME_MAJOR_VARIANCE_VALUE      (default 500000)
// - OPNAME_MODERATE_VARIANCE_VALUE   (default 100000)
type VarianceThresholds struct {
	MajorPercent    decimal.Decimal
	ModeratePercent decimal.Decimal
	MajorValue      decimal.Decimal
	ModerateValue   decimal.Decimal
}

// ApprovalThresholds drives incident approval-tier escalation.
//
// Env overrides:
// - OPNAME_DIRECTOR_APPROVAL_VALUE (default 1000000)
// - OPNAME_MANAGER_APPROVAL_VALUE  (default 300000)
type ApprovalThresholds struct {
	DirectorValue decimal.Decimal
	ManagerValue  decimal.Decimal
}

func DefaultVarianceThresholds() VarianceThresholds {
	return VarianceThresholds{
		MajorPercent:    decimal.NewFromInt(5),
		ModeratePercent: decimal.NewFromInt(2),
		MajorValue:      decimal.NewFromInt(500000),
		ModerateValue:   decimal.NewFromInt(100000),
	}
}

func DefaultApprovalThresholds() ApprovalThresholds {
	return ApprovalThresholds{
		DirectorValue: decimal.NewFromInt(1000000),
		ManagerValue:  decimal.NewFromInt(300000),
	}
}

func GetVarianceThresholds() VarianceThresholds {
	th := DefaultVarianceThresholds()
	th.MajorPercent = decimalFromEnv("OPNAME_MAJOR_VARIANCE_PERCENT", th.MajorPercent)
	th.ModeratePercent = decimalFromEnv("OPNAME_MODERATE_VARIANCE_PERCENT", th.ModeratePercent)
	th.MajorValue = decimalFromEnv("OPNAME_MAJOR_VARIANCE_VALUE", th.MajorValue)
	th.ModerateValue = decimalFromEnv("OPNAME_MODERATE_VARIANCE_VALUE", th.ModerateValue)
	return th
}

func GetApprovalThresholds() ApprovalThresholds {
	th := DefaultApprovalThresholds()
	th.DirectorValue = decimalFromEnv("OPNAME_DIRECTOR_APPROVAL_VALUE", th.DirectorValue)
	th.ManagerValue = decimalFromEnv("OPNAME_MANAGER_APPROVAL_VALUE", th.ManagerValue)
	return th
}

func decimalFromEnv(key string, def decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return def
	}
	return d
}

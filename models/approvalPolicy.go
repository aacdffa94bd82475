package models

import (
	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
)

// RequiredApprovalTier maps a variance to the minimum role tier that may
// approve its incident. Director for major variances above the director value
// threshold, Manager for a major or moderate variance above the manager value
// threshold, Supervisor for everything else. The money at stake drives the
// escalation: a forced-major variance on cheap goods stays with the
// supervisor. Value is the signed money variance; only its magnitude matters.
func RequiredApprovalTier(category VarianceCategory, value decimal.Decimal, th config.ApprovalThresholds) ApprovalTier {
	magnitude := value.Abs()

	if category == VarianceCategoryMajor && magnitude.GreaterThan(th.DirectorValue) {
		return ApprovalTierDirector
	}
	if magnitude.GreaterThan(th.ManagerValue) {
		return ApprovalTierManager
	}
	return ApprovalTierSupervisor
}

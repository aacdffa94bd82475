package models

import (
	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
)

var oneHundred = decimal.NewFromInt(100)

// VarianceResult is the full classification of one counted item.
// Percentage is a whole percent (6.25 means 6.25%), signed like Difference.
// Unbounded marks a nonzero difference against zero system stock; Percentage
// is left zero in that case and the category is forced to Major.
type VarianceResult struct {
	Difference decimal.Decimal
	Percentage decimal.Decimal
	Unbounded  bool
	Value      decimal.Decimal
	Category   VarianceCategory
}

// ClassifyVariance computes difference, percentage, money value and category
// for a physical count against the system snapshot. Pure: same inputs and
// thresholds always yield the same result, regardless of call order.
//
// The category is the MAX severity across the percentage test and the value
// test, so a small-percentage variance on a high-value item still escalates,
// and a large-percentage variance on a cheap item does too.
func ClassifyVariance(systemQty, physicalQty, unitCost decimal.Decimal, th config.VarianceThresholds) VarianceResult {
	diff := physicalQty.Sub(systemQty)
	value := diff.Mul(unitCost)

	result := VarianceResult{
		Difference: diff,
		Value:      value,
	}

	if diff.IsZero() {
		result.Category = VarianceCategoryNone
		return result
	}

	if systemQty.IsZero() {
		result.Unbounded = true
		result.Category = VarianceCategoryMajor
		return result
	}

	result.Percentage = diff.Div(systemQty).Mul(oneHundred)

	pctCategory := categoryForMagnitude(result.Percentage.Abs(), th.ModeratePercent, th.MajorPercent)
	valueCategory := categoryForMagnitude(value.Abs(), th.ModerateValue, th.MajorValue)

	if valueCategory.Severity() > pctCategory.Severity() {
		result.Category = valueCategory
	} else {
		result.Category = pctCategory
	}
	return result
}

// categoryForMagnitude grades one absolute magnitude against its pair of
// thresholds. Thresholds are exclusive: a magnitude equal to the moderate
// threshold is still Minor.
func categoryForMagnitude(magnitude, moderate, major decimal.Decimal) VarianceCategory {
	switch {
	case magnitude.GreaterThan(major):
		return VarianceCategoryMajor
	case magnitude.GreaterThan(moderate):
		return VarianceCategoryModerate
	default:
		return VarianceCategoryMinor
	}
}

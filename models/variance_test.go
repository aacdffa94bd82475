package models_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestClassifyVariance(t *testing.T) {
	th := config.DefaultVarianceThresholds()

	cases := []struct {
		name       string
		systemQty  string
		physical   string
		unitCost   string
		difference string
		percentage string
		unbounded  bool
		value      string
		category   models.VarianceCategory
	}{
		{
			name:      "exact count is None",
			systemQty: "100", physical: "100", unitCost: "5000",
			difference: "0", percentage: "0", value: "0",
			category: models.VarianceCategoryNone,
		},
		{
			name:      "small shortage on cheap item is Minor",
			systemQty: "100", physical: "99", unitCost: "1000",
			difference: "-1", percentage: "-1", value: "-1000",
			category: models.VarianceCategoryMinor,
		},
		{
			// 2% exactly: thresholds are exclusive, still Minor.
			name:      "percent at moderate threshold stays Minor",
			systemQty: "100", physical: "98", unitCost: "100",
			difference: "-2", percentage: "-2", value: "-200",
			category: models.VarianceCategoryMinor,
		},
		{
			name:      "percent just over moderate threshold",
			systemQty: "1000", physical: "979", unitCost: "100",
			difference: "-21", percentage: "-2.1", value: "-2100",
			category: models.VarianceCategoryModerate,
		},
		{
			// 5% exactly is still Moderate, not Major.
			name:      "percent at major threshold stays Moderate",
			systemQty: "100", physical: "95", unitCost: "100",
			difference: "-5", percentage: "-5", value: "-500",
			category: models.VarianceCategoryModerate,
		},
		{
			name:      "percent over major threshold",
			systemQty: "100", physical: "94", unitCost: "100",
			difference: "-6", percentage: "-6", value: "-600",
			category: models.VarianceCategoryMajor,
		},
		{
			// 1% shortage but the item is expensive: value test escalates.
			name:      "value at moderate threshold stays Minor",
			systemQty: "100", physical: "99", unitCost: "100000",
			difference: "-1", percentage: "-1", value: "-100000",
			category: models.VarianceCategoryMinor,
		},
		{
			name:      "value over moderate threshold escalates Minor percent",
			systemQty: "100", physical: "99", unitCost: "100001",
			difference: "-1", percentage: "-1", value: "-100001",
			category: models.VarianceCategoryModerate,
		},
		{
			name:      "value over major threshold escalates",
			systemQty: "1000", physical: "999", unitCost: "600000",
			difference: "-1", percentage: "-0.1", value: "-600000",
			category: models.VarianceCategoryMajor,
		},
		{
			// Both tests fire; the worse one wins.
			name:      "major percent beats moderate value",
			systemQty: "10", physical: "9", unitCost: "150000",
			difference: "-1", percentage: "-10", value: "-150000",
			category: models.VarianceCategoryMajor,
		},
		{
			name:      "overage classifies by absolute magnitude",
			systemQty: "100", physical: "110", unitCost: "100",
			difference: "10", percentage: "10", value: "1000",
			category: models.VarianceCategoryMajor,
		},
		{
			name:      "zero system stock with found units is unbounded Major",
			systemQty: "0", physical: "3", unitCost: "100",
			difference: "3", percentage: "0", unbounded: true, value: "300",
			category: models.VarianceCategoryMajor,
		},
		{
			name:      "zero system stock with zero count is None",
			systemQty: "0", physical: "0", unitCost: "100",
			difference: "0", percentage: "0", value: "0",
			category: models.VarianceCategoryNone,
		},
		{
			// Zero cost never suppresses the percentage test.
			name:      "zero cost item still classifies by percent",
			systemQty: "100", physical: "90", unitCost: "0",
			difference: "-10", percentage: "-10", value: "0",
			category: models.VarianceCategoryMajor,
		},
		{
			name:      "fractional quantities",
			systemQty: "12.5", physical: "12.25", unitCost: "4000",
			difference: "-0.25", percentage: "-2", value: "-1000",
			category: models.VarianceCategoryMinor,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := models.ClassifyVariance(dec(tc.systemQty), dec(tc.physical), dec(tc.unitCost), th)

			if !got.Difference.Equal(dec(tc.difference)) {
				t.Errorf("Difference = %s, want %s", got.Difference, tc.difference)
			}
			if !got.Percentage.Equal(dec(tc.percentage)) {
				t.Errorf("Percentage = %s, want %s", got.Percentage, tc.percentage)
			}
			if got.Unbounded != tc.unbounded {
				t.Errorf("Unbounded = %v, want %v", got.Unbounded, tc.unbounded)
			}
			if !got.Value.Equal(dec(tc.value)) {
				t.Errorf("Value = %s, want %s", got.Value, tc.value)
			}
			if got.Category != tc.category {
				t.Errorf("Category = %s, want %s", got.Category, tc.category)
			}
		})
	}
}

func TestClassifyVarianceDeterministic(t *testing.T) {
	th := config.DefaultVarianceThresholds()
	first := models.ClassifyVariance(dec("37"), dec("33"), dec("12345.67"), th)
	for i := 0; i < 100; i++ {
		again := models.ClassifyVariance(dec("37"), dec("33"), dec("12345.67"), th)
		if again.Category != first.Category || !again.Value.Equal(first.Value) || !again.Percentage.Equal(first.Percentage) {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}
}

// Growing the absolute difference while holding everything else fixed must
// never lower the category.
func TestClassifyVarianceMonotonic(t *testing.T) {
	th := config.DefaultVarianceThresholds()
	systemQty := dec("1000")
	unitCost := dec("700")

	prev := 0
	for units := int64(0); units <= 100; units++ {
		physical := systemQty.Sub(decimal.NewFromInt(units))
		got := models.ClassifyVariance(systemQty, physical, unitCost, th)
		if got.Category.Severity() < prev {
			t.Fatalf("severity dropped at difference %d: %s", units, got.Category)
		}
		prev = got.Category.Severity()
	}
}

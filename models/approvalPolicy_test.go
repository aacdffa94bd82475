package models_test

import (
	"testing"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/models"
)

func TestRequiredApprovalTier(t *testing.T) {
	th := config.DefaultApprovalThresholds()

	cases := []struct {
		name     string
		category models.VarianceCategory
		value    string
		want     models.ApprovalTier
	}{
		{"minor variance", models.VarianceCategoryMinor, "-50000", models.ApprovalTierSupervisor},
		{"moderate low value", models.VarianceCategoryModerate, "-120000", models.ApprovalTierSupervisor},
		{"moderate at manager threshold", models.VarianceCategoryModerate, "-300000", models.ApprovalTierSupervisor},
		{"moderate over manager threshold", models.VarianceCategoryModerate, "-300001", models.ApprovalTierManager},
		{"moderate overage over manager threshold", models.VarianceCategoryModerate, "450000", models.ApprovalTierManager},
		{"major low value stays with supervisor", models.VarianceCategoryMajor, "-90000", models.ApprovalTierSupervisor},
		{"major between thresholds", models.VarianceCategoryMajor, "-600000", models.ApprovalTierManager},
		{"major at director threshold", models.VarianceCategoryMajor, "-1000000", models.ApprovalTierManager},
		{"major over director threshold", models.VarianceCategoryMajor, "-1000001", models.ApprovalTierDirector},
		{"major overage over director threshold", models.VarianceCategoryMajor, "2500000", models.ApprovalTierDirector},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := models.RequiredApprovalTier(tc.category, dec(tc.value), th)
			if got != tc.want {
				t.Errorf("RequiredApprovalTier(%s, %s) = %s, want %s", tc.category, tc.value, got, tc.want)
			}
		})
	}
}

// An uncounted SKU that turns up physically is forced major by the unbounded
// percentage, but a small money value keeps the sign-off with the supervisor.
func TestRequiredApprovalTierForcedMajorLowValue(t *testing.T) {
	result := models.ClassifyVariance(dec("0"), dec("10"), dec("5000"), config.DefaultVarianceThresholds())
	if result.Category != models.VarianceCategoryMajor {
		t.Fatalf("category = %s, want Major", result.Category)
	}
	if !result.Value.Equal(dec("50000")) {
		t.Fatalf("value = %s, want 50000", result.Value)
	}

	tier := models.RequiredApprovalTier(result.Category, result.Value, config.DefaultApprovalThresholds())
	if tier != models.ApprovalTierSupervisor {
		t.Fatalf("tier = %s, want Supervisor", tier)
	}
}

func TestApprovalTierCovers(t *testing.T) {
	cases := []struct {
		holder   models.ApprovalTier
		required models.ApprovalTier
		want     bool
	}{
		{models.ApprovalTierSupervisor, models.ApprovalTierSupervisor, true},
		{models.ApprovalTierSupervisor, models.ApprovalTierManager, false},
		{models.ApprovalTierSupervisor, models.ApprovalTierDirector, false},
		{models.ApprovalTierManager, models.ApprovalTierSupervisor, true},
		{models.ApprovalTierManager, models.ApprovalTierManager, true},
		{models.ApprovalTierManager, models.ApprovalTierDirector, false},
		{models.ApprovalTierDirector, models.ApprovalTierSupervisor, true},
		{models.ApprovalTierDirector, models.ApprovalTierDirector, true},
		{models.ApprovalTier(""), models.ApprovalTierSupervisor, false},
	}

	for _, tc := range cases {
		if got := tc.holder.Covers(tc.required); got != tc.want {
			t.Errorf("%q.Covers(%q) = %v, want %v", tc.holder, tc.required, got, tc.want)
		}
	}
}

package models

import (
	"errors"
	"testing"
)

func TestCanRecordCount(t *testing.T) {
	cases := []struct {
		status OpnameItemStatus
		want   bool
	}{
		{OpnameItemStatusPending, true},
		{OpnameItemStatusCounted, true},
		{OpnameItemStatusVerified, false},
		{OpnameItemStatusInvestigated, false},
		{OpnameItemStatusApproved, false},
	}
	for _, tc := range cases {
		if got := canRecordCount(tc.status); got != tc.want {
			t.Errorf("canRecordCount(%s) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestCanVerify(t *testing.T) {
	if err := canVerify(OpnameItemStatusCounted, VarianceCategoryNone); err != nil {
		t.Errorf("verify of exact count: %v", err)
	}
	if err := canVerify(OpnameItemStatusCounted, VarianceCategoryMinor); err != nil {
		t.Errorf("verify of minor variance: %v", err)
	}
	if err := canVerify(OpnameItemStatusCounted, VarianceCategoryModerate); !errors.Is(err, ErrIncidentRequired) {
		t.Errorf("moderate variance: got %v, want ErrIncidentRequired", err)
	}
	if err := canVerify(OpnameItemStatusCounted, VarianceCategoryMajor); !errors.Is(err, ErrIncidentRequired) {
		t.Errorf("major variance: got %v, want ErrIncidentRequired", err)
	}
	if err := canVerify(OpnameItemStatusPending, VarianceCategoryNone); err == nil {
		t.Error("verify of uncounted item should fail")
	}
	if err := canVerify(OpnameItemStatusInvestigated, VarianceCategoryMajor); err == nil {
		t.Error("verify of investigated item should fail")
	}
	if err := canVerify(OpnameItemStatusVerified, VarianceCategoryNone); err == nil {
		t.Error("verify of resolved item should fail")
	}
}

func TestGuardOpnameOpenForCounting(t *testing.T) {
	if err := guardOpnameOpenForCounting(StockOpnameStatusDraft); err != nil {
		t.Errorf("draft session: %v", err)
	}
	if err := guardOpnameOpenForCounting(StockOpnameStatusInProgress); err != nil {
		t.Errorf("in-progress session: %v", err)
	}
	if err := guardOpnameOpenForCounting(StockOpnameStatusCompleted); err == nil {
		t.Error("completed session should reject counts")
	}
	if err := guardOpnameOpenForCounting(StockOpnameStatusPosted); !errors.Is(err, ErrAlreadyPosted) {
		t.Errorf("posted session: got %v, want ErrAlreadyPosted", err)
	}
}

func TestOpnameItemStatusIsTerminal(t *testing.T) {
	terminal := map[OpnameItemStatus]bool{
		OpnameItemStatusPending:      false,
		OpnameItemStatusCounted:      false,
		OpnameItemStatusVerified:     true,
		OpnameItemStatusInvestigated: false,
		OpnameItemStatusApproved:     true,
	}
	for status, want := range terminal {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestVarianceCategorySeverityOrder(t *testing.T) {
	order := []VarianceCategory{
		VarianceCategoryNone,
		VarianceCategoryMinor,
		VarianceCategoryModerate,
		VarianceCategoryMajor,
	}
	for i := 1; i < len(order); i++ {
		if order[i].Severity() <= order[i-1].Severity() {
			t.Errorf("severity of %s should exceed %s", order[i], order[i-1])
		}
	}
	if !VarianceCategoryModerate.RequiresIncident() || !VarianceCategoryMajor.RequiresIncident() {
		t.Error("moderate and major must require an incident")
	}
	if VarianceCategoryNone.RequiresIncident() || VarianceCategoryMinor.RequiresIncident() {
		t.Error("none and minor must not require an incident")
	}
}

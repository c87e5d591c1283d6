package hipaa

import (
	"reflect"
	"testing"
	"time"
)

func TestScoreRisk(t *testing.T) {
	noon := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	night := time.Date(2025, 3, 10, 23, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   RiskInput
		want int
	}{
		{"plain read", RiskInput{Action: ActionRead, Timestamp: noon}, 30},
		{"delete", RiskInput{Action: ActionDelete, Timestamp: noon}, 70},
		{"bulk", RiskInput{Action: ActionBulkRead, Timestamp: noon}, 60},
		{"export", RiskInput{Action: ActionExport, Timestamp: noon}, 55},
		{"update", RiskInput{Action: ActionUpdate, Timestamp: noon}, 45},
		{"create", RiskInput{Action: ActionCreate, Timestamp: noon}, 40},
		{"11 patients", RiskInput{Action: ActionRead, PatientCount: 11, Timestamp: noon}, 40},
		{"51 patients", RiskInput{Action: ActionRead, PatientCount: 51, Timestamp: noon}, 50},
		{"identity entity", RiskInput{Action: ActionRead, ResourceType: "patients", Timestamp: noon}, 40},
		{"free text", RiskInput{Action: ActionRead, ResourceType: "clinical_notes", Timestamp: noon}, 45},
		{"after hours", RiskInput{Action: ActionRead, Timestamp: night}, 45},
		{"emergency override", RiskInput{Action: ActionRead, EmergencyOverride: true, Timestamp: noon}, 55},
		{"clamped", RiskInput{Action: ActionDelete, PatientCount: 60, ResourceType: "clinical_notes",
			Timestamp: night, EmergencyOverride: true}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScoreRisk(tt.in); got != tt.want {
				t.Errorf("ScoreRisk = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIsAfterHours_Timezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 03:00 UTC is 22:00 in New York in January
	ts := time.Date(2025, 1, 10, 3, 0, 0, 0, time.UTC)
	if !IsAfterHours(ts, ny) {
		t.Error("expected after hours in New York")
	}
	// 14:00 UTC is 09:00 in New York in January
	if IsAfterHours(time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC), ny) {
		t.Error("expected business hours in New York")
	}
	if !IsAfterHours(time.Date(2025, 1, 10, 5, 59, 0, 0, time.UTC), nil) {
		t.Error("05:59 UTC is after hours")
	}
	if IsAfterHours(time.Date(2025, 1, 10, 6, 0, 0, 0, time.UTC), nil) {
		t.Error("06:00 UTC is business hours")
	}
}

func TestDeriveFlags(t *testing.T) {
	noon := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	got := DeriveFlags(RiskInput{
		Action:            ActionBulkRead,
		PatientCount:      2,
		Timestamp:         noon,
		LegalBasis:        LegalBasisEmergency,
		EmergencyOverride: true,
		ResponseSize:      LargeDataVolumeBytes + 1,
		SuspiciousSession: true,
	})
	want := []ComplianceFlag{
		FlagBulkOperation, FlagEmergencyAccess, FlagEmergencyOverride,
		FlagLargeDataVolume, FlagMultiplePatients, FlagSuspiciousSession,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DeriveFlags = %v, want %v", got, want)
	}

	if flags := DeriveFlags(RiskInput{Action: ActionRead, PatientCount: 1, Timestamp: noon}); len(flags) != 0 {
		t.Errorf("expected no flags for a single-patient daytime read, got %v", flags)
	}
	if flags := DeriveFlags(RiskInput{Action: ActionExport, Timestamp: noon}); !reflect.DeepEqual(flags, []ComplianceFlag{FlagExportOperation}) {
		t.Errorf("expected export flag, got %v", flags)
	}
}

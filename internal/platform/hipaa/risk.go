package hipaa

import (
	"sort"
	"time"
)

// ComplianceFlag marks a notable property of an audited operation.
type ComplianceFlag string

const (
	FlagBulkOperation     ComplianceFlag = "BULK_OPERATION"
	FlagExportOperation   ComplianceFlag = "EXPORT_OPERATION"
	FlagEmergencyAccess   ComplianceFlag = "EMERGENCY_ACCESS"
	FlagEmergencyOverride ComplianceFlag = "EMERGENCY_OVERRIDE"
	FlagMultiplePatients  ComplianceFlag = "MULTIPLE_PATIENTS"
	FlagLargeDataVolume   ComplianceFlag = "LARGE_DATA_VOLUME"
	FlagAfterHoursAccess  ComplianceFlag = "AFTER_HOURS_ACCESS"
	FlagSuspiciousSession ComplianceFlag = "SUSPICIOUS_SESSION"
)

// Risk thresholds.
const (
	HighRiskThreshold    = 70
	LargeDataVolumeBytes = 1 << 20

	businessHoursStart = 6
	businessHoursEnd   = 22
)

// Resource types that carry extra weight in scoring.
const (
	IdentityResourceType = "patients"
	FreeTextResourceType = "clinical_notes"
)

// SortFlags returns the flags de-duplicated and in stable order.
func SortFlags(flags []ComplianceFlag) []ComplianceFlag {
	if len(flags) == 0 {
		return nil
	}
	set := make(map[ComplianceFlag]struct{}, len(flags))
	out := make([]ComplianceFlag, 0, len(flags))
	for _, f := range flags {
		if _, ok := set[f]; ok {
			continue
		}
		set[f] = struct{}{}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RiskInput is everything the scorer looks at.
type RiskInput struct {
	Action            Action
	ResourceType      string
	PatientCount      int
	Timestamp         time.Time
	Location          *time.Location
	LegalBasis        LegalBasis
	EmergencyOverride bool
	ResponseSize      int64
	SuspiciousSession bool
}

// IsAfterHours reports whether t falls outside 06:00-22:00 in loc.
func IsAfterHours(t time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	h := t.In(loc).Hour()
	return h < businessHoursStart || h >= businessHoursEnd
}

// ScoreRisk computes the 0-100 risk score for an operation.
func ScoreRisk(in RiskInput) int {
	score := 30

	switch {
	case in.Action == ActionDelete:
		score += 40
	case in.Action.IsBulk():
		score += 30
	case in.Action == ActionExport:
		score += 25
	case in.Action == ActionUpdate:
		score += 15
	case in.Action == ActionCreate:
		score += 10
	}

	switch {
	case in.PatientCount > 50:
		score += 20
	case in.PatientCount > 10:
		score += 10
	}

	switch in.ResourceType {
	case IdentityResourceType:
		score += 10
	case FreeTextResourceType:
		score += 15
	}

	if !in.Timestamp.IsZero() && IsAfterHours(in.Timestamp, in.Location) {
		score += 15
	}
	if in.EmergencyOverride {
		score += 25
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// DeriveFlags returns the compliance flags that apply to an operation.
// Every rule is evaluated independently.
func DeriveFlags(in RiskInput) []ComplianceFlag {
	var flags []ComplianceFlag
	if in.Action.IsBulk() {
		flags = append(flags, FlagBulkOperation)
	}
	if in.Action == ActionExport {
		flags = append(flags, FlagExportOperation)
	}
	if in.LegalBasis == LegalBasisEmergency {
		flags = append(flags, FlagEmergencyAccess)
	}
	if in.EmergencyOverride {
		flags = append(flags, FlagEmergencyOverride)
	}
	if in.PatientCount > 1 {
		flags = append(flags, FlagMultiplePatients)
	}
	if in.ResponseSize > LargeDataVolumeBytes {
		flags = append(flags, FlagLargeDataVolume)
	}
	if !in.Timestamp.IsZero() && IsAfterHours(in.Timestamp, in.Location) {
		flags = append(flags, FlagAfterHoursAccess)
	}
	if in.SuspiciousSession {
		flags = append(flags, FlagSuspiciousSession)
	}
	return SortFlags(flags)
}
